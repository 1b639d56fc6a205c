package api

import (
	"context"
	"fmt"
	"time"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"

	"github.com/go-kit/kit/metrics"
)

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	descriptors    metrics.Counter
	next           Service
}

// NewInstrumentingMiddleware counts requests and their latency per method, and
// descriptors per outcome status.
func NewInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram, descriptors metrics.Counter) Middleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   counter,
			requestLatency: latency,
			descriptors:    descriptors,
			next:           next,
		}
	}
}

func (mw *instrumentingMiddleware) Health(ctx context.Context) bool {
	defer func(begin time.Time) {
		lvs := []string{"method", "Health", "error", "false"}
		mw.requestCount.With(lvs...).Add(1)
		mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.Health(ctx)
}

func (mw *instrumentingMiddleware) Export(ctx context.Context, input string) (run bundle.Run, err error) {
	defer func(begin time.Time) {
		lvs := []string{"method", "Export", "error", fmt.Sprint(err != nil)}
		mw.requestCount.With(lvs...).Add(1)
		mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
		for _, res := range run.Results {
			mw.descriptors.With("status", res.Status()).Add(1)
		}
	}(time.Now())

	return mw.next.Export(ctx, input)
}

func (mw *instrumentingMiddleware) GetRuns(ctx context.Context) (records []bundle.Record, err error) {
	defer func(begin time.Time) {
		lvs := []string{"method", "GetRuns", "error", fmt.Sprint(err != nil)}
		mw.requestCount.With(lvs...).Add(1)
		mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.GetRuns(ctx)
}

func (mw *instrumentingMiddleware) GetRun(ctx context.Context, runID string) (records []bundle.Record, err error) {
	defer func(begin time.Time) {
		lvs := []string{"method", "GetRun", "error", fmt.Sprint(err != nil)}
		mw.requestCount.With(lvs...).Add(1)
		mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.GetRun(ctx, runID)
}
