package api

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"mime"
	"net/http"
	"strings"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/auth"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	kitjwt "github.com/go-kit/kit/auth/jwt"
	"github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"

	stdopentracing "github.com/opentracing/opentracing-go"
)

const maxBodyBytes = 8 << 20

type errorer interface {
	error() error
}

func HTTPToContext(logger log.Logger) httptransport.RequestFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		// Try to join to a trace propagated in `req`.
		reqLogger := logger
		if uberTraceId := req.Header.Values("Uber-Trace-Id"); uberTraceId != nil {
			reqLogger = log.With(logger, "span_id", uberTraceId)
		} else if span := stdopentracing.SpanFromContext(ctx); span != nil {
			reqLogger = log.With(logger, "span_id", span)
		}
		return context.WithValue(ctx, utils.LoggerContextKey, reqLogger)
	}
}

func MakeHTTPHandler(s Service, logger log.Logger, otTracer stdopentracing.Tracer, a auth.Auth) http.Handler {
	r := mux.NewRouter()
	e := MakeServerEndpoints(s, otTracer, a)
	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
		httptransport.ServerBefore(kitjwt.HTTPToContext()),
	}

	r.Methods("GET").Path("/v1/health").Handler(httptransport.NewServer(
		e.HealthEndpoint,
		decodeHealthRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "Health", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	r.Methods("POST").Path("/v1/export").Handler(httptransport.NewServer(
		e.ExportEndpoint,
		decodeExportRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "Export", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	r.Methods("GET").Path("/v1/runs").Handler(httptransport.NewServer(
		e.GetRunsEndpoint,
		decodeGetRunsRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetRuns", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	r.Methods("GET").Path("/v1/runs/{id}").Handler(httptransport.NewServer(
		e.GetRunEndpoint,
		decodeGetRunRequest,
		encodeResponse,
		append(
			options,
			httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetRun", logger)),
			httptransport.ServerBefore(HTTPToContext(logger)),
		)...,
	))

	return r
}

func decodeHealthRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req healthRequest
	return req, nil
}

// decodeExportRequest accepts either a JSON document listing descriptors or
// the raw descriptor file as text/plain.
func decodeExportRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, ErrEmptyBody
	}

	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err = mime.ParseMediaType(ct)
		if err != nil {
			return nil, ErrIncorrectType
		}
	}

	switch mediaType {
	case "application/json":
		var b postExportBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, ErrInvalidBody
		}
		// Results are numbered by array position, so an entry must be a
		// single line.
		for _, d := range b.Descriptors {
			if strings.ContainsAny(d, "\r\n") {
				return nil, ErrInvalidBody
			}
		}
		return exportRequest{Input: strings.Join(b.Descriptors, "\n")}, nil
	case "text/plain":
		return exportRequest{Input: string(body)}, nil
	default:
		return nil, ErrIncorrectType
	}
}

func decodeGetRunsRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req getRunsRequest
	return req, nil
}

func decodeGetRunRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	vars := mux.Vars(r)
	id, ok := vars["id"]
	if !ok {
		return nil, ErrInvalidRunID
	}
	return getRunRequest{ID: id}, nil
}

func encodeResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	if e, ok := response.(errorer); ok && e.error() != nil {
		// Not a Go kit transport error, but a business-logic error.
		// Provide those as HTTP errors.
		encodeError(ctx, e.error(), w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		panic("encodeError with nil error")
	}
	http.Error(w, err.Error(), codeFrom(err))
}

func codeFrom(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch err {
	case ErrEmptyInput, ErrEmptyBody, ErrInvalidBody:
		return http.StatusBadRequest
	case ErrInvalidRunID:
		return http.StatusNotFound
	case ErrIncorrectType:
		return http.StatusUnsupportedMediaType
	case ErrLedgerDisabled:
		return http.StatusNotImplemented
	case kitjwt.ErrTokenExpired, kitjwt.ErrTokenInvalid, kitjwt.ErrTokenMalformed, kitjwt.ErrTokenNotActive, kitjwt.ErrTokenContextMissing, kitjwt.ErrUnexpectedSigningMethod:
		return http.StatusUnauthorized
	case context.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
