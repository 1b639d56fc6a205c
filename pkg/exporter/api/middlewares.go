package api

import (
	"context"
	"time"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"

	"github.com/go-kit/log"
	"github.com/opentracing/opentracing-go"
)

type Middleware func(Service) Service

func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger log.Logger
}

func (mw loggingMiddleware) Health(ctx context.Context) (healthy bool) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Health",
			"took", time.Since(begin),
			"healthy", healthy,
			"trace_id", opentracing.SpanFromContext(ctx),
		)
	}(time.Now())
	return mw.next.Health(ctx)
}

// Export never logs the input or the bundles: they hold private keys.
func (mw loggingMiddleware) Export(ctx context.Context, input string) (run bundle.Run, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Export",
			"run_id", run.ID,
			"succeeded", run.Succeeded(),
			"failed", run.Failed(),
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.Export(ctx, input)
}

func (mw loggingMiddleware) GetRuns(ctx context.Context) (records []bundle.Record, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetRuns",
			"records", len(records),
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetRuns(ctx)
}

func (mw loggingMiddleware) GetRun(ctx context.Context, runID string) (records []bundle.Record, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetRun",
			"run_id", runID,
			"records", len(records),
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetRun(ctx, runID)
}
