package api

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/auth"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"

	"github.com/go-kit/kit/endpoint"
	kitjwt "github.com/go-kit/kit/auth/jwt"
	"github.com/go-kit/kit/tracing/opentracing"
	stdjwt "github.com/golang-jwt/jwt/v4"
	stdopentracing "github.com/opentracing/opentracing-go"
)

type Endpoints struct {
	HealthEndpoint  endpoint.Endpoint
	ExportEndpoint  endpoint.Endpoint
	GetRunsEndpoint endpoint.Endpoint
	GetRunEndpoint  endpoint.Endpoint
}

// MakeServerEndpoints wires the service methods. When a is not nil every
// endpoint but Health requires a valid bearer token.
func MakeServerEndpoints(s Service, otTracer stdopentracing.Tracer, a auth.Auth) Endpoints {
	authenticate := func(e endpoint.Endpoint) endpoint.Endpoint {
		if a == nil {
			return e
		}
		return kitjwt.NewParser(a.Kf, stdjwt.SigningMethodRS256, a.KeycloakClaimsFactory)(e)
	}

	var healthEndpoint endpoint.Endpoint
	{
		healthEndpoint = MakeHealthEndpoint(s)
		healthEndpoint = opentracing.TraceServer(otTracer, "Health")(healthEndpoint)
	}
	var exportEndpoint endpoint.Endpoint
	{
		exportEndpoint = MakeExportEndpoint(s)
		exportEndpoint = authenticate(exportEndpoint)
		exportEndpoint = opentracing.TraceServer(otTracer, "Export")(exportEndpoint)
	}
	var getRunsEndpoint endpoint.Endpoint
	{
		getRunsEndpoint = MakeGetRunsEndpoint(s)
		getRunsEndpoint = authenticate(getRunsEndpoint)
		getRunsEndpoint = opentracing.TraceServer(otTracer, "GetRuns")(getRunsEndpoint)
	}
	var getRunEndpoint endpoint.Endpoint
	{
		getRunEndpoint = MakeGetRunEndpoint(s)
		getRunEndpoint = authenticate(getRunEndpoint)
		getRunEndpoint = opentracing.TraceServer(otTracer, "GetRun")(getRunEndpoint)
	}

	return Endpoints{
		HealthEndpoint:  healthEndpoint,
		ExportEndpoint:  exportEndpoint,
		GetRunsEndpoint: getRunsEndpoint,
		GetRunEndpoint:  getRunEndpoint,
	}
}

func MakeHealthEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		healthy := s.Health(ctx)
		return healthResponse{Healthy: healthy}, nil
	}
}

func MakeExportEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(exportRequest)
		run, e := s.Export(ctx, req.Input)
		if e != nil {
			return exportResponse{Err: e}, nil
		}
		return newExportResponse(run), nil
	}
}

func MakeGetRunsEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		_ = request.(getRunsRequest)
		records, e := s.GetRuns(ctx)
		return recordsResponse{Records: records, Err: e}, nil
	}
}

func MakeGetRunEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(getRunRequest)
		records, e := s.GetRun(ctx, req.ID)
		return recordsResponse{Records: records, Err: e}, nil
	}
}

type healthRequest struct{}

type healthResponse struct {
	Healthy bool  `json:"healthy,omitempty"`
	Err     error `json:"err,omitempty"`
}

type exportRequest struct {
	Input string
}

type postExportBody struct {
	Descriptors []string `json:"descriptors"`
}

type resultResponse struct {
	Line        int               `json:"line"`
	Input       string            `json:"input"`
	CommonName  string            `json:"common_name,omitempty"`
	Status      string            `json:"status"`
	FailureKind string            `json:"failure_kind,omitempty"`
	FailureMsg  string            `json:"failure_msg,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Artifacts   map[string][]byte `json:"artifacts,omitempty"`
}

type exportResponse struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []resultResponse `json:"results"`
	Err       error            `json:"-"`
}

func (r exportResponse) error() error { return r.Err }

func newExportResponse(run bundle.Run) exportResponse {
	resp := exportResponse{
		ID:        run.ID,
		StartedAt: run.StartedAt,
		Succeeded: run.Succeeded(),
		Failed:    run.Failed(),
		Results:   make([]resultResponse, 0, len(run.Results)),
	}
	for _, res := range run.Results {
		rr := resultResponse{
			Line:       res.Line,
			Input:      res.Input,
			CommonName: res.CommonName,
			Status:     res.Status(),
		}
		if res.Err != nil {
			rr.FailureKind = res.Err.Kind.String()
			rr.FailureMsg = res.Err.Error()
		}
		if res.Bundle != nil {
			if len(res.Bundle.Fingerprint) > 0 {
				rr.Fingerprint = hex.EncodeToString(res.Bundle.Fingerprint)
			}
			rr.Artifacts = make(map[string][]byte)
			for _, a := range res.Bundle.Artifacts() {
				rr.Artifacts[a.Name] = a.Data
			}
		}
		resp.Results = append(resp.Results, rr)
	}
	return resp
}

type getRunsRequest struct{}

type getRunRequest struct {
	ID string
}

type recordsResponse struct {
	Records []bundle.Record `json:"records"`
	Err     error           `json:"-"`
}

func (r recordsResponse) error() error { return r.Err }
