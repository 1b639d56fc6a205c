package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"time"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/dn"
	exporterrors "github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/errors"

	"github.com/pkg/errors"
)

const (
	CSRPEMBlockType = "CERTIFICATE REQUEST"
	KeyPEMBlockType = "RSA PRIVATE KEY"

	DefaultKeyBits      = 2048
	DefaultSubjectToken = "P5T"
)

var (
	DefaultNotBefore = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	DefaultNotAfter  = time.Date(4096, time.January, 1, 0, 0, 0, 0, time.UTC)

	OIDPrivateKeyUsagePeriod = asn1.ObjectIdentifier{2, 5, 29, 16}

	ErrNilPEMBlock       = errors.New("no PEM block found")
	ErrUnexpectedPEMType = errors.New("unexpected PEM block type")
)

// Request is a signed PKCS#10 request together with the key it is bound to.
type Request struct {
	CommonName string
	Key        *rsa.PrivateKey
	DER        []byte
	NotBefore  time.Time
	NotAfter   time.Time
}

func (r *Request) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: CSRPEMBlockType, Bytes: r.DER})
}

func (r *Request) KeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: KeyPEMBlockType, Bytes: x509.MarshalPKCS1PrivateKey(r.Key)})
}

type Generator struct {
	random       io.Reader
	keyBits      int
	notBefore    time.Time
	notAfter     time.Time
	subjectToken string
}

type Option func(*Generator)

// WithRandom replaces crypto/rand.Reader. The reader must be safe for concurrent use
// when the generator is shared between workers.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

func WithKeyBits(bits int) Option {
	return func(g *Generator) { g.keyBits = bits }
}

func WithValidity(notBefore, notAfter time.Time) Option {
	return func(g *Generator) {
		g.notBefore = notBefore
		g.notAfter = notAfter
	}
}

func WithSubjectToken(token string) Option {
	return func(g *Generator) { g.subjectToken = token }
}

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		random:       rand.Reader,
		keyBits:      DefaultKeyBits,
		notBefore:    DefaultNotBefore,
		notAfter:     DefaultNotAfter,
		subjectToken: DefaultSubjectToken,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate creates a fresh key pair for name and a CSR signed with it.
func (g *Generator) Generate(ctx context.Context, name dn.Name) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(g.random, g.keyBits)
	if err != nil {
		return nil, exporterrors.New(exporterrors.KeyGenerationFailure, errors.Wrapf(err, "could not generate %d bit RSA key", g.keyBits))
	}

	der, err := g.createCSR(key, name)
	if err != nil {
		return nil, exporterrors.New(exporterrors.SigningFailure, err)
	}

	return &Request{
		CommonName: name.CommonName(),
		Key:        key,
		DER:        der,
		NotBefore:  g.notBefore,
		NotAfter:   g.notAfter,
	}, nil
}

func (g *Generator) createCSR(key *rsa.PrivateKey, name dn.Name) ([]byte, error) {
	rawSubj, err := name.MarshalDER()
	if err != nil {
		return nil, err
	}
	validity, err := ValidityExtension(g.notBefore, g.notAfter)
	if err != nil {
		return nil, err
	}

	template := x509.CertificateRequest{
		RawSubject:         rawSubj,
		DNSNames:           []string{g.subjectToken},
		ExtraExtensions:    []pkix.Extension{validity},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	csrBytes, err := x509.CreateCertificateRequest(g.random, &template, key)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign certificate request")
	}
	return csrBytes, nil
}

type privateKeyUsagePeriod struct {
	NotBefore time.Time `asn1:"optional,tag:0,generalized"`
	NotAfter  time.Time `asn1:"optional,tag:1,generalized"`
}

// ValidityExtension encodes the requested validity window as a
// privateKeyUsagePeriod extension (RFC 3280, section 4.2.1.4).
func ValidityExtension(notBefore, notAfter time.Time) (pkix.Extension, error) {
	if !notAfter.After(notBefore) {
		return pkix.Extension{}, errors.Errorf("validity window ends (%s) before it starts (%s)", notAfter, notBefore)
	}
	value, err := asn1.Marshal(privateKeyUsagePeriod{NotBefore: notBefore.UTC(), NotAfter: notAfter.UTC()})
	if err != nil {
		return pkix.Extension{}, errors.Wrap(err, "could not encode validity window")
	}
	return pkix.Extension{Id: OIDPrivateKeyUsagePeriod, Value: value}, nil
}

func CheckPEMBlock(pemBlock *pem.Block, blockType string) error {
	if pemBlock == nil {
		return ErrNilPEMBlock
	}
	if pemBlock.Type != blockType {
		return errors.Wrapf(ErrUnexpectedPEMType, "got %q, want %q", pemBlock.Type, blockType)
	}
	return nil
}

// ParseRequestPEM decodes and verifies the signature of a PEM encoded CSR.
func ParseRequestPEM(data []byte) (*x509.CertificateRequest, error) {
	pemBlock, _ := pem.Decode(data)
	if err := CheckPEMBlock(pemBlock, CSRPEMBlockType); err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(pemBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse certificate request")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Wrap(err, "certificate request signature is invalid")
	}
	return csr, nil
}

// ParseKeyPEM decodes a PKCS#1 PEM encoded RSA private key.
func ParseKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	pemBlock, _ := pem.Decode(data)
	if err := CheckPEMBlock(pemBlock, KeyPEMBlockType); err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(pemBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse RSA private key")
	}
	return key, nil
}
