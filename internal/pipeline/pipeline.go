// Package pipeline runs one ETL pass over the municipality registry: resolve
// coordinates, fetch statistics, integrate, and replace the city table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"github.com/jonboulle/clockwork"
)

// State is a step of the run state machine.
type State string

// Run states in execution order. FAILED is terminal and reachable from INIT,
// MERGE, SCHEMA_SYNC, and LOAD.
const (
	StateInit       State = "INIT"
	StateGeocode    State = "GEOCODE"
	StateFetch      State = "FETCH"
	StateMerge      State = "MERGE"
	StateSchemaSync State = "SCHEMA_SYNC"
	StateLoad       State = "LOAD"
	StatePublish    State = "PUBLISH"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

var allStates = []State{
	StateInit, StateGeocode, StateFetch, StateMerge, StateSchemaSync,
	StateLoad, StatePublish, StateDone, StateFailed,
}

// Load modes.
const (
	// ModeReplace swaps the table in one transaction.
	ModeReplace = "replace"
	// ModeSequential syncs the schema, then drops and reloads the table, with
	// no transaction spanning the two steps.
	ModeSequential = "sequential"
)

// RegistryLoader produces the target municipalities of a run.
type RegistryLoader interface {
	Load(ctx context.Context) ([]domain.RegistryEntry, error)
}

// StatisticsFetcher fetches the statistics of one municipality.
type StatisticsFetcher interface {
	FetchByUID(ctx context.Context, uid int64) (*domain.StatisticsRecord, error)
}

// Store persists the integrated dataset.
type Store interface {
	SyncSchema(ctx context.Context) ([]string, error)
	Load(ctx context.Context, ds domain.Dataset) (int64, error)
	Replace(ctx context.Context, ds domain.Dataset) (domain.LoadResult, error)
}

// Publisher emits the dataset to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ds domain.Dataset) error
}

// Report summarizes a run.
type Report struct {
	State State
	// FailedIn is the state the run failed in, empty on success.
	FailedIn State

	Registry    int
	Coordinates map[string]int // by source
	Fetched     int
	FetchErrors int
	Records     int
	Rows        int64
	Dropped     []string
	Published   bool

	GeneratedAt time.Time
	Duration    time.Duration
}

// Pipeline orchestrates a single run.
type Pipeline struct {
	registry  RegistryLoader
	geocoder  domain.Geocoder
	stats     StatisticsFetcher
	store     Store
	publisher Publisher

	mode    string
	workers int
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	state State
	done  atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher enables the PUBLISH step.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithWorkers sets the number of concurrent geocoding calls.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithMode selects ModeReplace or ModeSequential.
func WithMode(mode string) Option {
	return func(p *Pipeline) { p.mode = mode }
}

// WithClock sets the clock used to time the run.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// New creates a Pipeline with the given stages and observability. metrics may
// be nil.
func New(registry RegistryLoader, geocoder domain.Geocoder, stats StatisticsFetcher, store Store, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		geocoder: geocoder,
		stats:    stats,
		store:    store,
		mode:     ModeReplace,
		workers:  1,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the state the pipeline is currently in.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CheckReadiness returns nil once a run has completed successfully.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.done.Load() {
		return fmt.Errorf("no completed run yet (state %s)", p.State())
	}
	return nil
}

// Run executes one pass. Per-record geocoding and fetch failures are absorbed;
// registry, coercion, and store failures end the run in FAILED.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	start := p.clock.Now()
	report := Report{Coordinates: make(map[string]int)}

	finish := func(err error) (Report, error) {
		report.Duration = p.clock.Since(start)
		if p.metrics != nil {
			p.metrics.RunDuration.Observe(report.Duration.Seconds())
		}
		if err != nil {
			report.FailedIn = p.State()
			report.State = StateFailed
			p.enter(StateFailed)
			if p.metrics != nil {
				p.metrics.RunsTotal.WithLabelValues("failed").Inc()
			}
			p.logger.Error("run failed", "state", report.FailedIn, "error", err, "duration", report.Duration)
			return report, fmt.Errorf("%s: %w", report.FailedIn, err)
		}
		report.State = StateDone
		p.enter(StateDone)
		p.done.Store(true)
		if p.metrics != nil {
			p.metrics.RunsTotal.WithLabelValues("done").Inc()
		}
		p.logger.Info("run complete",
			"records", report.Records,
			"rows", report.Rows,
			"dropped", len(report.Dropped),
			"duration", report.Duration,
		)
		return report, nil
	}

	p.enter(StateInit)
	entries, err := p.registry.Load(ctx)
	if err != nil {
		return finish(fmt.Errorf("load registry: %w", err))
	}
	report.Registry = len(entries)
	p.logger.Info("registry loaded", "entries", len(entries))

	p.enter(StateGeocode)
	coords, err := domain.ResolveCoordinates(ctx, entries, p.geocoder, p.workers, p.logger)
	if err != nil {
		return finish(err)
	}
	for _, c := range coords {
		report.Coordinates[c.Source]++
		if p.metrics != nil {
			p.metrics.CoordinateSources.WithLabelValues(c.Source).Inc()
		}
	}

	p.enter(StateFetch)
	stats, err := p.fetchAll(ctx, entries, &report)
	if err != nil {
		return finish(err)
	}

	p.enter(StateMerge)
	ds, err := domain.Integrate(entries, coords, stats, p.logger)
	if err != nil {
		return finish(err)
	}
	report.Records = ds.Len()
	report.GeneratedAt = ds.GeneratedAt

	if err := p.persist(ctx, ds, &report); err != nil {
		return finish(err)
	}

	if p.publisher != nil {
		p.enter(StatePublish)
		if err := p.publisher.Publish(ctx, ds); err != nil {
			p.logger.Warn("publish dataset failed", "error", err)
		} else {
			report.Published = true
		}
	}

	return finish(nil)
}

// fetchAll fetches statistics sequentially. A failed fetch leaves a nil entry
// that integration skips. Only cancellation ends the stage early.
func (p *Pipeline) fetchAll(ctx context.Context, entries []domain.RegistryEntry, report *Report) ([]*domain.StatisticsRecord, error) {
	out := make([]*domain.StatisticsRecord, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := p.stats.FetchByUID(ctx, entry.UID)
		if err != nil {
			report.FetchErrors++
			p.logger.Warn("statistics fetch failed", "uid", entry.UID, "name", entry.Name, "error", err)
			out = append(out, nil)
			continue
		}
		if rec.UID != entry.UID {
			report.FetchErrors++
			p.logger.Warn("statistics uid does not match request, dropping",
				"uid", entry.UID, "got", rec.UID, "name", entry.Name)
			out = append(out, nil)
			continue
		}
		report.Fetched++
		out = append(out, rec)
	}
	return out, nil
}

// persist writes the dataset according to the load mode.
func (p *Pipeline) persist(ctx context.Context, ds domain.Dataset, report *Report) error {
	if p.mode == ModeSequential {
		p.enter(StateSchemaSync)
		dropped, err := p.store.SyncSchema(ctx)
		report.Dropped = dropped
		if err != nil {
			return err
		}
		p.enter(StateLoad)
		n, err := p.store.Load(ctx, ds)
		if err != nil {
			return err
		}
		report.Rows = n
		return nil
	}

	// Schema sync and load share one transaction; the failing half decides
	// which state the run fails in.
	p.enter(StateSchemaSync)
	res, err := p.store.Replace(ctx, ds)
	if err != nil {
		var se *domain.SchemaSyncError
		if !errors.As(err, &se) || (se.Op != "list tables" && se.Op != "drop") {
			p.enter(StateLoad)
		}
		return err
	}
	p.enter(StateLoad)
	report.Dropped = res.Dropped
	report.Rows = res.Rows
	return nil
}

func (p *Pipeline) enter(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.logger.Debug("run state", "state", s)

	if p.metrics == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		p.metrics.RunState.WithLabelValues(string(st)).Set(v)
	}
}
