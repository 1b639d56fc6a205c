package utils

import (
	"context"
	"crypto/x509"
	"io/ioutil"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

type contextKey string

const LoggerContextKey contextKey = "LamassuLogger"

// LoggerFromContext returns the request scoped logger, or fallback when the
// request did not go through the HTTP transport.
func LoggerFromContext(ctx context.Context, fallback log.Logger) log.Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(log.Logger); ok {
		return logger
	}
	return fallback
}

func CreateCAPool(CAPath string) (*x509.CertPool, error) {
	caCert, err := ioutil.ReadFile(CAPath)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.Errorf("no certificates found in %s", CAPath)
	}
	return caCertPool, nil
}
