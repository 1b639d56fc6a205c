package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why a descriptor did not produce its full set of artifacts.
type Kind int

const (
	MalformedLine Kind = iota + 1
	InvalidAttributeEncoding
	MissingCommonName
	KeyGenerationFailure
	SigningFailure
	KeystoreAssemblyFailure
	PersistenceFailure
	DuplicateCommonName
)

var kindNames = map[Kind]string{
	MalformedLine:            "MalformedLine",
	InvalidAttributeEncoding: "InvalidAttributeEncoding",
	MissingCommonName:        "MissingCommonName",
	KeyGenerationFailure:     "KeyGenerationFailure",
	SigningFailure:           "SigningFailure",
	KeystoreAssemblyFailure:  "KeystoreAssemblyFailure",
	PersistenceFailure:       "PersistenceFailure",
	DuplicateCommonName:      "DuplicateCommonName",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind is the inverse of Kind.String. Unknown names return 0.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return 0
}

// DescriptorError is the structured diagnostic attached to a single descriptor.
// Line and Input are filled in by the coordinator once the offending line is known.
type DescriptorError struct {
	Kind  Kind
	Line  int
	Input string
	Field string
	Err   error
}

func New(kind Kind, err error) *DescriptorError {
	return &DescriptorError{Kind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...interface{}) *DescriptorError {
	return &DescriptorError{Kind: kind, Err: errors.Errorf(format, args...)}
}

// WithField records the attribute key that caused the failure.
func (e *DescriptorError) WithField(field string) *DescriptorError {
	e.Field = field
	return e
}

func (e *DescriptorError) Error() string {
	msg := e.Kind.String()
	if e.Line > 0 {
		msg = fmt.Sprintf("%s at line %d", msg, e.Line)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %s)", msg, e.Field)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// KindOf extracts the diagnostic kind from err, or 0 if err carries none.
func KindOf(err error) Kind {
	var de *DescriptorError
	if errors.As(err, &de) && de != nil {
		return de.Kind
	}
	return 0
}

// As returns the DescriptorError wrapped in err, if any.
func As(err error) (*DescriptorError, bool) {
	var de *DescriptorError
	ok := errors.As(err, &de) && de != nil
	return de, ok
}
