package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/ehrsync/internal/entity"
	"github.com/ehr/ehrsync/internal/platform/telemetry"
	"github.com/ehr/ehrsync/internal/syncrun"
)

// Request is one sync invocation.
type Request struct {
	// Entities to sync. Empty selects every entity type.
	Entities []string
	Scope    *string
	Since    *time.Time
}

// Response is the caller-facing summary of a finished run.
type Response struct {
	SyncRunID  uuid.UUID                       `json:"sync_run_id"`
	Status     syncrun.Status                  `json:"status"`
	Results    map[string]syncrun.EntityResult `json:"results"`
	DurationMS int64                           `json:"duration_ms"`
	Errors     []syncrun.ErrorRecord           `json:"errors"`
}

// NewResponse summarizes run.
func NewResponse(run *syncrun.SyncRun) *Response {
	resp := &Response{
		SyncRunID: run.ID,
		Status:    run.Status,
		Results:   run.Results,
		Errors:    run.Errors,
	}
	if run.DurationMS != nil {
		resp.DurationMS = *run.DurationMS
	}
	if resp.Errors == nil {
		resp.Errors = []syncrun.ErrorRecord{}
	}
	return resp
}

const (
	defaultFinalizeTimeout = 30 * time.Second
	notifyTimeout          = 2 * time.Minute

	// EventRunFinished is sent to the notifier once a run is finalized.
	EventRunFinished = "sync.run.finished"
)

// Notifier delivers run events to an external receiver.
type Notifier interface {
	Send(ctx context.Context, eventType string, data interface{}) error
}

// Orchestrator runs entity strategies in dependency order, isolates their
// failures, and records each invocation as a sync run.
type Orchestrator struct {
	strategies Registry
	recorder   *syncrun.Recorder
	logger     zerolog.Logger

	leases   syncrun.LeaseRepository
	leaseTTL time.Duration
	metrics  *telemetry.Metrics
	notifier Notifier
	pending  sync.WaitGroup

	finalizeTimeout time.Duration
	group           singleflight.Group

	mu     sync.Mutex
	active map[string]struct{}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(strategies Registry, recorder *syncrun.Recorder, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		strategies:      strategies,
		recorder:        recorder,
		logger:          logger.With().Str("component", "syncer").Logger(),
		finalizeTimeout: defaultFinalizeTimeout,
		active:          make(map[string]struct{}),
	}
}

// UseLease guards each entity set with a storage lease so runs in other
// processes cannot overlap.
func (o *Orchestrator) UseLease(leases syncrun.LeaseRepository, ttl time.Duration) {
	o.leases = leases
	o.leaseTTL = ttl
}

// UseMetrics reports run and record counts to m.
func (o *Orchestrator) UseMetrics(m *telemetry.Metrics) {
	o.metrics = m
}

// UseNotifier sends EventRunFinished with the run's Response after each run.
// Delivery is asynchronous; Wait blocks until it completes.
func (o *Orchestrator) UseNotifier(n Notifier) {
	o.notifier = n
}

// Wait blocks until in-flight notifications finish.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// Normalize validates and orders the requested entity names.
func Normalize(names []string) ([]entity.Type, error) {
	types, err := entity.ParseTypes(names)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEntity, err)
	}
	return types, nil
}

// Run executes one sync invocation. It returns an error only when the run
// could not be started; entity failures are reported on the returned run.
// Concurrent calls with the same entity set, scope and since share a single
// run. A call for an entity set that is already running with other
// parameters gets ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*syncrun.SyncRun, error) {
	types, err := Normalize(req.Entities)
	if err != nil {
		return nil, err
	}
	if req.Scope != nil && strings.TrimSpace(*req.Scope) == "" {
		req.Scope = nil
	}
	key := strings.Join(entity.Names(types), ",")

	v, err, shared := o.group.Do(flightKey(key, req), func() (interface{}, error) {
		if !o.claim(key) {
			return nil, ErrRunInProgress
		}
		defer o.unclaim(key)
		return o.run(ctx, key, types, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		o.logger.Debug().Str("entities", key).Msg("joined an in-flight sync run")
	}
	return v.(*syncrun.SyncRun), nil
}

// flightKey identifies requests that can share one run.
func flightKey(entities string, req Request) string {
	var b strings.Builder
	b.WriteString(entities)
	b.WriteString("|scope=")
	if req.Scope != nil {
		b.WriteString(*req.Scope)
	}
	b.WriteString("|since=")
	if req.Since != nil {
		b.WriteString(req.Since.UTC().Format(time.RFC3339Nano))
	}
	return b.String()
}

// claim marks an entity set as running in this process.
func (o *Orchestrator) claim(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[key]; ok {
		return false
	}
	o.active[key] = struct{}{}
	return true
}

func (o *Orchestrator) unclaim(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, key)
}

func (o *Orchestrator) run(ctx context.Context, key string, types []entity.Type, req Request) (*syncrun.SyncRun, error) {
	if o.leases != nil {
		holder := uuid.New()
		ok, err := o.leases.Acquire(ctx, key, holder, o.leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire sync lease: %w", err)
		}
		if !ok {
			return nil, ErrRunInProgress
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeTimeout)
			defer cancel()
			if err := o.leases.Release(rctx, key, holder); err != nil {
				o.logger.Warn().Err(err).Str("entities", key).Msg("failed to release sync lease")
			}
		}()
	}

	if n, err := o.recorder.ReapStale(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("failed to reap stale sync runs")
	} else if n > 0 {
		o.logger.Warn().Int64("count", n).Msg("marked abandoned sync runs as failed")
	}

	run, err := o.recorder.Start(ctx, entity.Names(types), req.Scope, req.Since)
	if err != nil {
		return nil, err
	}
	log := o.logger.With().Str("sync_run_id", run.ID.String()).Logger()
	log.Info().Str("entities", key).Str("mode", string(run.Mode)).Msg("sync run started")
	o.metrics.RunStarted()
	started := time.Now()

	params := Params{Scope: req.Scope, Since: req.Since}
	results := make(map[string]syncrun.EntityResult, len(types))
	var errs []syncrun.ErrorRecord
	for _, t := range types {
		entityStarted := time.Now()
		rep := o.syncEntity(ctx, log, t, params)
		results[string(t)] = rep.Result
		errs = append(errs, rep.Errors...)
		o.observe(t, rep)

		log.Info().
			Str("entity", string(t)).
			Int("fetched", rep.Result.Fetched).
			Int("created", rep.Result.Created).
			Int("updated", rep.Result.Updated).
			Int("upserted", rep.Result.Upserted).
			Int("errored", rep.Result.Errored).
			Dur("elapsed", time.Since(entityStarted)).
			Msg("entity synced")
	}

	// The run is finalized even when the caller has gone away.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeTimeout)
	defer cancel()
	if err := o.recorder.Finish(fctx, run, results, errs); errors.Is(err, syncrun.ErrAlreadyFinalized) {
		log.Warn().Str("status", string(run.Status)).Msg("sync run was finalized elsewhere; keeping stored status")
	} else if err != nil {
		log.Error().Err(err).Msg("failed to finalize sync run")
	}
	o.metrics.RunFinished(string(run.Status), time.Since(started))
	o.notify(ctx, log, run)
	log.Info().
		Str("status", string(run.Status)).
		Int("errors", len(run.Errors)).
		Int64("duration_ms", durationOf(run)).
		Msg("sync run finished")
	return run, nil
}

// syncEntity runs one strategy. Returned errors and panics become a single
// error entry so the remaining entity types still run.
func (o *Orchestrator) syncEntity(ctx context.Context, log zerolog.Logger, t entity.Type, p Params) (rep Report) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("entity", string(t)).Interface("panic", r).Msg("sync strategy panicked")
			rep = Report{}
			rep.fail(t, "", fmt.Errorf("strategy panicked: %v", r))
		}
	}()

	s, ok := o.strategies[t]
	if !ok {
		rep.fail(t, "", errors.New("no sync strategy registered"))
		return rep
	}
	rep, err := s.Sync(ctx, p)
	if err != nil {
		log.Error().Err(err).Str("entity", string(t)).Msg("sync strategy aborted")
		rep.fail(t, "", err)
	}
	return rep
}

func (o *Orchestrator) notify(ctx context.Context, log zerolog.Logger, run *syncrun.SyncRun) {
	if o.notifier == nil {
		return
	}
	resp := NewResponse(run)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := o.notifier.Send(nctx, EventRunFinished, resp); err != nil {
			log.Warn().Err(err).Msg("failed to deliver sync run notification")
		}
	}()
}

func (o *Orchestrator) observe(t entity.Type, rep Report) {
	name := string(t)
	o.metrics.RecordsProcessed(name, "fetched", rep.Result.Fetched)
	o.metrics.RecordsProcessed(name, "created", rep.Result.Created)
	o.metrics.RecordsProcessed(name, "updated", rep.Result.Updated)
	o.metrics.RecordsProcessed(name, "upserted", rep.Result.Upserted)
	o.metrics.RecordsProcessed(name, "errored", rep.Result.Errored)
	for _, e := range rep.Errors {
		o.metrics.ErrorRecorded(e.Entity, string(e.Kind))
	}
}

func durationOf(run *syncrun.SyncRun) int64 {
	if run.DurationMS == nil {
		return 0
	}
	return *run.DurationMS
}
