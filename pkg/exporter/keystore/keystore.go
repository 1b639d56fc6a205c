// Package keystore packages a generated key and its certificate request into a
// PKCS#12 container.
//
// The certificate slot of the container holds the DER bytes of the CSR itself;
// no authority countersigns the request. Most PKCS#12 consumers expect an
// X.509 certificate there and will reject or mishandle the entry, so the
// container is only meaningful to tooling that knows about this convention.
package keystore

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/crypto"
	exporterrors "github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const DefaultPassphrase = "changeit"

// Keystore is a serialized single entry PKCS#12 container. The entry carries
// no friendlyName alias; it is identified by its localKeyId, and the
// container file is named after the CommonName.
type Keystore struct {
	Fingerprint [sha1.Size]byte
	Data        []byte
}

func (k *Keystore) FingerprintHex() string {
	return hex.EncodeToString(k.Fingerprint[:])
}

type Assembler struct {
	passphrase string
	encoder    *pkcs12.Encoder
	logger     log.Logger
}

func NewAssembler(passphrase string, logger log.Logger) *Assembler {
	return &Assembler{passphrase: passphrase, encoder: pkcs12.Modern, logger: logger}
}

// Fingerprint identifies the private key chain entry built from der.
func Fingerprint(der []byte) [sha1.Size]byte {
	return sha1.Sum(der)
}

// Assemble returns a nil Keystore and a nil error when the request carries no
// certificate material.
func (a *Assembler) Assemble(req *crypto.Request) (*Keystore, error) {
	if req == nil || len(req.DER) == 0 {
		level.Debug(a.logger).Log("msg", "No certificate material available, nothing to package")
		return nil, nil
	}

	// go-pkcs12 only reads Raw, both for the certificate bag and for the
	// localKeyId attribute, which is the SHA-1 of those bytes.
	cert := &x509.Certificate{Raw: req.DER}
	data, err := a.encoder.Encode(req.Key, cert, nil, a.passphrase)
	if err != nil {
		level.Error(a.logger).Log("err", err, "msg", "Could not encode keystore for "+req.CommonName)
		return nil, exporterrors.New(exporterrors.KeystoreAssemblyFailure, errors.Wrap(err, "could not encode PKCS#12 keystore"))
	}

	return &Keystore{
		Fingerprint: Fingerprint(req.DER),
		Data:        data,
	}, nil
}
