package bundle

import (
	"encoding/hex"
	"time"

	exporterrors "github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/errors"
)

const (
	CSRExtension      = ".csr"
	KeyExtension      = ".key"
	KeystoreExtension = ".p12"
)

const (
	SucceededStatus = "SUCCEEDED"
	PartialStatus   = "PARTIAL"
	FailedStatus    = "FAILED"
)

// Bundle holds the artifacts produced for one descriptor. Keystore is nil when
// no container could be assembled.
type Bundle struct {
	CommonName  string `json:"common_name"`
	CSR         []byte `json:"csr"`
	Key         []byte `json:"key"`
	Keystore    []byte `json:"keystore,omitempty"`
	Fingerprint []byte `json:"fingerprint,omitempty"`
}

type Artifact struct {
	Name string
	Data []byte
}

// Artifacts returns the named buffers to persist, in write order.
func (b *Bundle) Artifacts() []Artifact {
	artifacts := []Artifact{
		{Name: b.CommonName + CSRExtension, Data: b.CSR},
		{Name: b.CommonName + KeyExtension, Data: b.Key},
	}
	if b.Keystore != nil {
		artifacts = append(artifacts, Artifact{Name: b.CommonName + KeystoreExtension, Data: b.Keystore})
	}
	return artifacts
}

type Result struct {
	Line       int                           `json:"line"`
	Input      string                        `json:"input"`
	CommonName string                        `json:"common_name,omitempty"`
	Bundle     *Bundle                       `json:"bundle,omitempty"`
	Err        *exporterrors.DescriptorError `json:"-"`
}

func (r Result) Status() string {
	switch {
	case r.Err == nil:
		return SucceededStatus
	case r.Bundle != nil:
		return PartialStatus
	default:
		return FailedStatus
	}
}

type Run struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Results   []Result  `json:"results"`
}

func (r Run) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

func (r Run) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Record is the persisted view of a Result. It never carries key material.
type Record struct {
	Id          int       `json:"id"`
	RunID       string    `json:"run_id"`
	Line        int       `json:"line"`
	CommonName  string    `json:"common_name"`
	Status      string    `json:"status"`
	FailureKind string    `json:"failure_kind,omitempty"`
	FailureMsg  string    `json:"failure_msg,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewRecord(runID string, createdAt time.Time, r Result) Record {
	rec := Record{
		RunID:      runID,
		Line:       r.Line,
		CommonName: r.CommonName,
		Status:     r.Status(),
		CreatedAt:  createdAt,
	}
	if r.Err != nil {
		rec.FailureKind = r.Err.Kind.String()
		rec.FailureMsg = r.Err.Error()
	}
	if r.Bundle != nil && len(r.Bundle.Fingerprint) > 0 {
		rec.Fingerprint = hex.EncodeToString(r.Bundle.Fingerprint)
	}
	return rec
}
