package store

import (
	"context"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"
)

// File is the persistence collaborator artifacts are handed to.
type File interface {
	Write(ctx context.Context, name string, data []byte) error
}

// DB is the ledger of export results.
type DB interface {
	Insert(ctx context.Context, r bundle.Record) (int, error)
	SelectAll(ctx context.Context) ([]bundle.Record, error)
	SelectByRunID(ctx context.Context, runID string) ([]bundle.Record, error)
}
