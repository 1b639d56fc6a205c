package api

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/crypto"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/dn"
	exporterrors "github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/errors"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/keystore"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/utils"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Service interface {
	Health(ctx context.Context) bool
	Export(ctx context.Context, input string) (bundle.Run, error)
	GetRuns(ctx context.Context) ([]bundle.Record, error)
	GetRun(ctx context.Context, runID string) ([]bundle.Record, error)
}

var (
	// Client errors
	ErrEmptyInput    = errors.New("no descriptors in input")        //400
	ErrInvalidRunID  = errors.New("invalid run ID, does not exist") //404
	ErrEmptyBody     = errors.New("empty body")                     //400
	ErrInvalidBody   = errors.New("body is not a descriptor list")  //400
	ErrIncorrectType = errors.New("unsupported media type")         //415

	//Server errors
	ErrLedgerDisabled = errors.New("export ledger is not configured") //501
	ErrGetRuns        = errors.New("unable to get export results")
)

type exporterService struct {
	parser    *dn.Parser
	generator *crypto.Generator
	assembler *keystore.Assembler
	files     store.File
	ledger    store.DB
	workers   int
	logger    log.Logger
}

type Option func(*exporterService)

// WithLedger records every result of every run in db.
func WithLedger(db store.DB) Option {
	return func(s *exporterService) { s.ledger = db }
}

func WithWorkers(n int) Option {
	return func(s *exporterService) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithGenerator(g *crypto.Generator) Option {
	return func(s *exporterService) { s.generator = g }
}

// NewExporterService builds the coordinator. files may be nil, in which case
// bundles are only returned to the caller.
func NewExporterService(passphrase string, files store.File, logger log.Logger, opts ...Option) Service {
	s := &exporterService{
		parser:    dn.NewParser(logger),
		generator: crypto.NewGenerator(),
		assembler: keystore.NewAssembler(passphrase, logger),
		files:     files,
		workers:   runtime.NumCPU(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *exporterService) Health(ctx context.Context) bool {
	return true
}

func (s *exporterService) Export(ctx context.Context, input string) (bundle.Run, error) {
	lines := dn.SplitLines(input)
	if len(lines) == 0 {
		return bundle.Run{}, ErrEmptyInput
	}

	run := bundle.Run{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Results:   make([]bundle.Result, len(lines)),
	}
	logger := log.With(utils.LoggerFromContext(ctx, s.logger), "run_id", run.ID)
	level.Info(logger).Log("msg", "Starting export run", "descriptors", len(lines))

	// Names are parsed in line order before any work is dispatched, so a
	// repeated CommonName always loses to its first occurrence.
	names := make([]dn.Name, len(lines))
	failed := make([]bool, len(lines))
	firstLine := make(map[string]int)
	for i, line := range lines {
		res, name, ok := s.parseLine(logger, line, firstLine)
		run.Results[i] = res
		names[i] = name
		failed[i] = !ok
	}

	g := new(errgroup.Group)
	g.SetLimit(s.workers)

	submitted := 0
	for i, line := range lines {
		if ctx.Err() != nil {
			break
		}
		submitted++
		if failed[i] {
			continue
		}
		i, line := i, line
		g.Go(func() error {
			run.Results[i] = s.exportLine(ctx, logger, line, names[i])
			return nil
		})
	}
	g.Wait()

	if submitted < len(lines) {
		run.Results = run.Results[:submitted]
		level.Warn(logger).Log("msg", "Export run cancelled", "processed", submitted, "descriptors", len(lines))
	}

	s.record(ctx, logger, run)

	level.Info(logger).Log("msg", "Export run finished", "succeeded", run.Succeeded(), "failed", run.Failed())
	return run, ctx.Err()
}

// parseLine reports false when the line cannot be exported. firstLine maps
// every CommonName seen so far to the line that claimed it.
func (s *exporterService) parseLine(logger log.Logger, line dn.Line, firstLine map[string]int) (bundle.Result, dn.Name, bool) {
	res := bundle.Result{Line: line.Number, Input: line.Text}

	name, err := s.parser.Parse(line.Text)
	if err != nil {
		res.Err = s.diagnose(logger, line, err)
		return res, dn.Name{}, false
	}
	res.CommonName = name.CommonName()

	if first, ok := firstLine[res.CommonName]; ok {
		res.Err = s.diagnose(logger, line, exporterrors.Newf(exporterrors.DuplicateCommonName, "common name %q already claimed by line %d", res.CommonName, first))
		return res, dn.Name{}, false
	}
	firstLine[res.CommonName] = line.Number
	return res, name, true
}

// exportLine runs generate and assemble for one parsed descriptor. Artifacts
// produced before a failing stage are kept.
func (s *exporterService) exportLine(ctx context.Context, logger log.Logger, line dn.Line, name dn.Name) bundle.Result {
	span, ctx := opentracing.StartSpanFromContext(ctx, "lamassu-dms-keystore-exporter: export descriptor at line "+strconv.Itoa(line.Number))
	defer span.Finish()

	res := bundle.Result{Line: line.Number, Input: line.Text, CommonName: name.CommonName()}

	req, err := s.generator.Generate(ctx, name)
	if err != nil {
		res.Err = s.diagnose(logger, line, err)
		return res
	}

	b := &bundle.Bundle{
		CommonName: req.CommonName,
		CSR:        req.PEM(),
		Key:        req.KeyPEM(),
	}
	res.Bundle = b

	ks, err := s.assembler.Assemble(req)
	if err != nil {
		res.Err = s.diagnose(logger, line, err)
	} else if ks != nil {
		b.Keystore = ks.Data
		b.Fingerprint = ks.Fingerprint[:]
	}

	if err := s.persist(ctx, b); err != nil {
		if res.Err == nil {
			res.Err = s.diagnose(logger, line, exporterrors.New(exporterrors.PersistenceFailure, err))
		} else {
			level.Error(logger).Log("err", err, "msg", "Could not persist artifacts", "line", line.Number)
			res.Err.Err = fmt.Errorf("%w; artifacts not persisted: %w", res.Err.Err, err)
		}
	}
	return res
}

func (s *exporterService) persist(ctx context.Context, b *bundle.Bundle) error {
	if s.files == nil {
		return nil
	}
	for _, a := range b.Artifacts() {
		if err := s.files.Write(ctx, a.Name, a.Data); err != nil {
			return err
		}
	}
	return nil
}

func (s *exporterService) diagnose(logger log.Logger, line dn.Line, err error) *exporterrors.DescriptorError {
	de, ok := exporterrors.As(err)
	if !ok {
		// Only context errors reach here: the run was cancelled before
		// the key could be generated.
		de = exporterrors.New(exporterrors.KeyGenerationFailure, err)
	}
	de.Line = line.Number
	de.Input = line.Text
	level.Warn(logger).Log("msg", "Descriptor skipped", "line", line.Number, "kind", de.Kind, "err", de.Err)
	return de
}

func (s *exporterService) record(ctx context.Context, logger log.Logger, run bundle.Run) {
	if s.ledger == nil {
		return
	}
	// Results are recorded even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	for _, res := range run.Results {
		if _, err := s.ledger.Insert(ctx, bundle.NewRecord(run.ID, run.StartedAt, res)); err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not record export result", "line", res.Line)
		}
	}
}

func (s *exporterService) GetRuns(ctx context.Context) ([]bundle.Record, error) {
	if s.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	records, err := s.ledger.SelectAll(ctx)
	if err != nil {
		return nil, ErrGetRuns
	}
	return records, nil
}

func (s *exporterService) GetRun(ctx context.Context, runID string) ([]bundle.Record, error) {
	if s.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	if _, err := uuid.Parse(runID); err != nil {
		return nil, ErrInvalidRunID
	}
	records, err := s.ledger.SelectByRunID(ctx, runID)
	if err != nil {
		return nil, ErrGetRuns
	}
	if len(records) == 0 {
		return nil, ErrInvalidRunID
	}
	return records, nil
}
