package dn

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"strings"
	"unicode/utf8"

	exporterrors "github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type AttributeType int

const (
	CommonName AttributeType = iota + 1
	OrganizationalUnit
	Country
	Organization
	Locality
)

const commonNamePrefix = "CN="

var keys = map[string]AttributeType{
	"CN": CommonName,
	"OU": OrganizationalUnit,
	"C":  Country,
	"O":  Organization,
	"L":  Locality,
}

var oids = map[AttributeType]asn1.ObjectIdentifier{
	CommonName:         {2, 5, 4, 3},
	OrganizationalUnit: {2, 5, 4, 11},
	Country:            {2, 5, 4, 6},
	Organization:       {2, 5, 4, 10},
	Locality:           {2, 5, 4, 7},
}

func (t AttributeType) String() string {
	for k, v := range keys {
		if v == t {
			return k
		}
	}
	return "unknown"
}

// OID returns the X.520 attribute type identifier.
func (t AttributeType) OID() asn1.ObjectIdentifier {
	return oids[t]
}

// Restricted reports whether values of this type are limited to PrintableString.
func (t AttributeType) Restricted() bool {
	return t != CommonName
}

type Attribute struct {
	Type  AttributeType
	Value string
}

// Name is an ordered distinguished name holding exactly one CommonName.
type Name struct {
	attributes []Attribute
	commonName string
}

func (n Name) Attributes() []Attribute {
	out := make([]Attribute, len(n.attributes))
	copy(out, n.attributes)
	return out
}

func (n Name) CommonName() string { return n.commonName }

func (n Name) String() string {
	parts := make([]string, 0, len(n.attributes))
	for _, a := range n.attributes {
		parts = append(parts, a.Type.String()+"="+a.Value)
	}
	return strings.Join(parts, ",")
}

// RDNSequence keeps the input order, one attribute per RDN. The CommonName is
// encoded as UTF8String and the restricted attributes as PrintableString.
func (n Name) RDNSequence() pkix.RDNSequence {
	seq := make(pkix.RDNSequence, 0, len(n.attributes))
	for _, a := range n.attributes {
		tag := asn1.TagPrintableString
		if !a.Type.Restricted() {
			tag = asn1.TagUTF8String
		}
		seq = append(seq, pkix.RelativeDistinguishedNameSET{
			{
				Type:  a.Type.OID(),
				Value: asn1.RawValue{Class: asn1.ClassUniversal, Tag: tag, Bytes: []byte(a.Value)},
			},
		})
	}
	return seq
}

// MarshalDER returns the DER encoding of the name, usable as a raw subject.
func (n Name) MarshalDER() ([]byte, error) {
	der, err := asn1.Marshal(n.RDNSequence())
	if err != nil {
		return nil, errors.Wrap(err, "could not encode distinguished name")
	}
	return der, nil
}

// IsPrintable reports whether s only holds ASN.1 PrintableString characters.
func IsPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isPrintableByte(s[i]) {
			return false
		}
	}
	return true
}

func isPrintableByte(b byte) bool {
	return 'a' <= b && b <= 'z' ||
		'A' <= b && b <= 'Z' ||
		'0' <= b && b <= '9' ||
		'\'' <= b && b <= ')' ||
		'+' <= b && b <= '/' ||
		b == ' ' ||
		b == ':' ||
		b == '=' ||
		b == '?'
}

type Parser struct {
	logger log.Logger
}

func NewParser(logger log.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse turns one descriptor line into a Name. Returned errors are
// *errors.DescriptorError values.
func (p *Parser) Parse(line string) (Name, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, commonNamePrefix) {
		level.Warn(p.logger).Log("msg", "Line does not start with "+commonNamePrefix+", skipping", "line", line)
		return Name{}, exporterrors.Newf(exporterrors.MalformedLine, "line does not start with %q", commonNamePrefix)
	}

	var name Name
	cnCount := 0
	for _, field := range strings.Split(line, ",") {
		idx := strings.Index(field, "=")
		if idx < 0 {
			return Name{}, exporterrors.Newf(exporterrors.MalformedLine, "field %q is not a key=value pair", field)
		}
		key := strings.TrimSpace(field[:idx])
		value := strings.TrimSpace(field[idx+1:])

		t, ok := keys[key]
		if !ok {
			level.Warn(p.logger).Log("msg", "Unrecognized attribute key ignored", "key", key, "line", line)
			continue
		}

		if t.Restricted() {
			if !IsPrintable(value) {
				return Name{}, exporterrors.Newf(exporterrors.InvalidAttributeEncoding, "value %q is not a printable string", value).WithField(key)
			}
		} else {
			if !utf8.ValidString(value) {
				return Name{}, exporterrors.Newf(exporterrors.InvalidAttributeEncoding, "value is not valid UTF-8").WithField(key)
			}
			cnCount++
			name.commonName = value
		}
		name.attributes = append(name.attributes, Attribute{Type: t, Value: value})
	}

	if cnCount != 1 || name.commonName == "" {
		level.Warn(p.logger).Log("msg", "Cannot determine Common Name, skipping", "line", line)
		return Name{}, exporterrors.Newf(exporterrors.MissingCommonName, "cannot determine Common Name")
	}
	return name, nil
}

// Line is one non-blank input line with its 1-based position in the document.
type Line struct {
	Number int
	Text   string
}

// SplitLines breaks an input document into numbered descriptor lines, dropping
// blank ones.
func SplitLines(text string) []Line {
	var lines []Line
	for i, l := range strings.Split(text, "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, Line{Number: i + 1, Text: l})
	}
	return lines
}
