package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	PostgresLedger = "postgres"
	SqliteLedger   = "sqlite3"
)

type Config struct {
	Port     string `default:"8089"`
	Protocol string `default:"http"`

	CertFile          string `split_words:"true"`
	KeyFile           string `split_words:"true"`
	MutualTLSEnabled  bool   `envconfig:"MUTUAL_TLS_ENABLED"`
	MutualTLSClientCA string `envconfig:"MUTUAL_TLS_CLIENT_CA"`

	HomePath           string `split_words:"true"`
	InputFile          string `split_words:"true" default:"~/dn.txt"`
	OutputDir          string `split_words:"true" default:"~/keystores"`
	KeystorePassphrase string `split_words:"true" default:"changeit"`
	Workers            int    `default:"0"`
	LogLevel           string `split_words:"true" default:"info"`

	LedgerDriver     string `split_words:"true"`
	PostgresUser     string `split_words:"true"`
	PostgresDB       string `envconfig:"POSTGRES_DB"`
	PostgresPassword string `split_words:"true"`
	PostgresHostname string `split_words:"true"`
	PostgresPort     string `split_words:"true" default:"5432"`
	SqlitePath       string `split_words:"true" default:"~/exports.db"`

	AuthEnabled      bool   `split_words:"true"`
	KeycloakHostname string `split_words:"true"`
	KeycloakPort     string `split_words:"true"`
	KeycloakProtocol string `split_words:"true" default:"https"`
	KeycloakRealm    string `split_words:"true"`
	KeycloakCA       string `envconfig:"KEYCLOAK_CA"`
}

// NewConfig reads the environment, after loading a .env file from the working
// directory when there is one. Variables already set are not overridden.
func NewConfig(prefix string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Config{}, errors.Wrap(err, "could not load .env file")
	}

	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.HomePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, errors.Wrap(err, "could not determine home directory")
		}
		cfg.HomePath = home
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LedgerDriver {
	case "", PostgresLedger, SqliteLedger:
	default:
		return errors.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
	if cfg.Workers < 0 {
		return errors.Errorf("workers must not be negative, got %d", cfg.Workers)
	}
	if cfg.AuthEnabled && (cfg.KeycloakHostname == "" || cfg.KeycloakRealm == "") {
		return errors.New("auth requires a Keycloak hostname and realm")
	}
	return nil
}

// ResolvePath expands a leading ~ against HomePath.
func (cfg Config) ResolvePath(p string) string {
	if p == "~" {
		return cfg.HomePath
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(cfg.HomePath, p[2:])
	}
	return p
}

// PostgresDSN returns the lib/pq connection string of the ledger database.
func (cfg Config) PostgresDSN() string {
	return "dbname=" + cfg.PostgresDB + " user=" + cfg.PostgresUser + " password=" + cfg.PostgresPassword + " host=" + cfg.PostgresHostname + " port=" + cfg.PostgresPort + " sslmode=disable"
}
