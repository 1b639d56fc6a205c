package keystore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/crypto"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/dn"
	exporterrors "github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/errors"

	"github.com/go-kit/log"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

func TestAssemble(t *testing.T) {
	req := generate(t, "CN=Alice,OU=Eng,C=US")
	a := NewAssembler(DefaultPassphrase, log.NewNopLogger())

	ks, err := a.Assemble(req)
	if err != nil {
		t.Fatalf("Assembler returned an error: %s", err)
	}
	if ks == nil {
		t.Fatal("Assembler returned no keystore")
	}

	want := sha1.Sum(req.DER)
	if ks.Fingerprint != want {
		t.Errorf("Got fingerprint %x; want %x", ks.Fingerprint, want)
	}

	blocks, err := pkcs12.ToPEM(ks.Data, DefaultPassphrase)
	if err != nil {
		t.Fatalf("Could not open keystore with the passphrase: %s", err)
	}

	keyPEM, _ := pem.Decode(req.KeyPEM())
	var keys, certs int
	for _, b := range blocks {
		if b.Headers["localKeyId"] != hex.EncodeToString(want[:]) {
			t.Errorf("Block %s has localKeyId %q; want %x", b.Type, b.Headers["localKeyId"], want)
		}
		if name, ok := b.Headers["friendlyName"]; ok {
			t.Errorf("Block %s has friendlyName %q; want none", b.Type, name)
		}
		switch b.Type {
		case "PRIVATE KEY":
			keys++
			if !bytes.Equal(b.Bytes, keyPEM.Bytes) {
				t.Error("Keystore private key differs from the key PEM")
			}
		case "CERTIFICATE":
			certs++
			if !bytes.Equal(b.Bytes, req.DER) {
				t.Error("Keystore certificate slot does not hold the CSR bytes")
			}
		}
	}
	if keys != 1 || certs != 1 {
		t.Errorf("Got %d keys and %d certificates; want 1 and 1", keys, certs)
	}
}

func TestAssembleWrongPassphrase(t *testing.T) {
	req := generate(t, "CN=Alice")
	ks, err := NewAssembler("secret", log.NewNopLogger()).Assemble(req)
	if err != nil {
		t.Fatalf("Assembler returned an error: %s", err)
	}
	if _, err := pkcs12.ToPEM(ks.Data, "not-the-secret"); err == nil {
		t.Error("Keystore opened with the wrong passphrase")
	}
}

func TestAssembleNothingToPackage(t *testing.T) {
	a := NewAssembler(DefaultPassphrase, log.NewNopLogger())

	testCases := []struct {
		name string
		req  *crypto.Request
	}{
		{"Nil request", nil},
		{"Request without DER", &crypto.Request{CommonName: "Alice"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ks, err := a.Assemble(tc.req)
			if err != nil {
				t.Errorf("Got error %s; want nil", err)
			}
			if ks != nil {
				t.Error("Got a keystore; want none")
			}
		})
	}
}

func TestAssembleFailure(t *testing.T) {
	req := generate(t, "CN=Alice")
	// Characters outside the BMP cannot be encoded as a PKCS#12 password.
	_, err := NewAssembler("\U0001F511", log.NewNopLogger()).Assemble(req)
	if kind := exporterrors.KindOf(err); kind != exporterrors.KeystoreAssemblyFailure {
		t.Errorf("Got %v (%s); want %s", err, kind, exporterrors.KeystoreAssemblyFailure)
	}
}

func generate(t *testing.T, line string) *crypto.Request {
	t.Helper()

	name, err := dn.NewParser(log.NewNopLogger()).Parse(line)
	if err != nil {
		t.Fatalf("Unable to parse descriptor: %s", err)
	}
	req, err := crypto.NewGenerator().Generate(context.Background(), name)
	if err != nil {
		t.Fatalf("Unable to generate request: %s", err)
	}
	return req
}
