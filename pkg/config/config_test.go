package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME_PATH", "/home/exporter")

	cfg, err := NewConfig("")
	if err != nil {
		t.Fatalf("Could not read configuration: %s", err)
	}
	if cfg.KeystorePassphrase != "changeit" {
		t.Errorf("Got passphrase %q; want %q", cfg.KeystorePassphrase, "changeit")
	}
	if cfg.Port != "8089" || cfg.Protocol != "http" {
		t.Errorf("Got %s://:%s; want http://:8089", cfg.Protocol, cfg.Port)
	}
	if got := cfg.ResolvePath(cfg.OutputDir); got != "/home/exporter/keystores" {
		t.Errorf("Got output dir %q; want %q", got, "/home/exporter/keystores")
	}
}

func TestNewConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME_PATH", "/home/exporter")
	t.Setenv("WORKERS", "2")

	env := "KEYSTORE_PASSPHRASE=s3cret\nLEDGER_DRIVER=sqlite3\nWORKERS=8\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatalf("Could not write .env: %s", err)
	}
	// godotenv sets variables for the whole process; t.Setenv restores them.
	t.Setenv("KEYSTORE_PASSPHRASE", "")
	os.Unsetenv("KEYSTORE_PASSPHRASE")
	t.Setenv("LEDGER_DRIVER", "")
	os.Unsetenv("LEDGER_DRIVER")

	cfg, err := NewConfig("")
	if err != nil {
		t.Fatalf("Could not read configuration: %s", err)
	}
	if cfg.KeystorePassphrase != "s3cret" {
		t.Errorf("Got passphrase %q; want %q", cfg.KeystorePassphrase, "s3cret")
	}
	if cfg.LedgerDriver != SqliteLedger {
		t.Errorf("Got ledger driver %q; want %q", cfg.LedgerDriver, SqliteLedger)
	}
	if cfg.Workers != 2 {
		t.Errorf("Got %d workers; want the environment to win with 2", cfg.Workers)
	}
}

func TestNewConfigInvalid(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{"Unknown ledger driver", map[string]string{"LEDGER_DRIVER": "mongo"}},
		{"Negative workers", map[string]string{"WORKERS": "-1"}},
		{"Workers not a number", map[string]string{"WORKERS": "many"}},
		{"Auth without realm", map[string]string{"AUTH_ENABLED": "true", "KEYCLOAK_HOSTNAME": "keycloak"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv("HOME_PATH", "/home/exporter")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := NewConfig(""); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	cfg := Config{HomePath: "/home/exporter"}

	testCases := []struct {
		path string
		want string
	}{
		{"~", "/home/exporter"},
		{"~/dn.txt", "/home/exporter/dn.txt"},
		{"/tmp/dn.txt", "/tmp/dn.txt"},
		{"dn.txt", "dn.txt"},
		{"~other/dn.txt", "~other/dn.txt"},
	}
	for _, tc := range testCases {
		if got := cfg.ResolvePath(tc.path); got != tc.want {
			t.Errorf("ResolvePath(%q): got %q; want %q", tc.path, got, tc.want)
		}
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Could not get working directory: %s", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Could not change directory: %s", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("Could not restore working directory: %s", err)
		}
	})
}
