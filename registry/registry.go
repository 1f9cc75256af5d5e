// Package registry is the coordinator: it connects change detection to
// composition and composition to deployment. Each environment gets its own
// worker goroutine so environments never block each other, and a generation
// counter guards against the stale-composition race: a composition result is
// promoted only if no newer recomposition request arrived while it ran.
// Stale results stay in the version ledger for audit but never reach the
// gateway.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/types"
)

// Composer produces supergraph versions for an environment
type Composer interface {
	Compose(ctx context.Context, environment string) (*types.SupergraphVersion, error)
}

// Promoter cuts an environment over to a composed version
type Promoter interface {
	Promote(ctx context.Context, environment, versionID string) (*types.DeploymentRecord, error)
}

// EventSource feeds recomposition requests; in production this is the
// change detector.
type EventSource interface {
	Start(ctx context.Context) error
	Stop()
}

// Service coordinates recomposition and deployment per environment
type Service struct {
	composer Composer
	promoter Promoter
	source   EventSource
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	envs    map[string]*envWorker
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// envWorker serializes recompositions for one environment. generation
// increments on every request; a finished composition whose generation is no
// longer current is stale and not promoted.
type envWorker struct {
	mu         sync.Mutex
	generation uint64
	wake       chan struct{}
}

// New creates a coordinator. source may be nil when requests are driven
// externally through RequestRecompose.
func New(composer Composer, promoter Promoter, source EventSource, metrics *Metrics, logger *slog.Logger) (*Service, error) {
	if composer == nil || promoter == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "New", "composer and promoter are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		composer: composer,
		promoter: promoter,
		source:   source,
		metrics:  metrics,
		logger:   logger,
		envs:     make(map[string]*envWorker),
	}, nil
}

// Start begins consuming recomposition requests
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Service", "Start", "coordinator already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.source != nil {
		if err := s.source.Start(s.ctx); err != nil {
			s.cancel()
			return err
		}
	}
	s.started = true
	s.logger.Info("Registry coordinator started")
	return nil
}

// Stop halts the event source and waits for in-flight work to finish
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if s.source != nil {
		s.source.Stop()
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Registry coordinator stopped")
}

// RequestRecompose queues a recomposition for the environment. Requests
// coalesce latest-wins: a request arriving while a composition is in flight
// marks that composition stale and triggers one more cycle.
func (s *Service) RequestRecompose(environment string) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	worker, ok := s.envs[environment]
	if !ok {
		worker = &envWorker{wake: make(chan struct{}, 1)}
		s.envs[environment] = worker
		s.wg.Add(1)
		go s.runWorker(s.ctx, environment, worker)
	}
	s.mu.Unlock()

	worker.mu.Lock()
	worker.generation++
	worker.mu.Unlock()

	select {
	case worker.wake <- struct{}{}:
	default: // a wakeup is already queued
	}
}

func (s *Service) runWorker(ctx context.Context, environment string, worker *envWorker) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-worker.wake:
			s.cycle(ctx, environment, worker)
		}
	}
}

// cycle runs one compose → promote pass for the environment
func (s *Service) cycle(ctx context.Context, environment string, worker *envWorker) {
	worker.mu.Lock()
	generation := worker.generation
	worker.mu.Unlock()

	start := time.Now()
	version, err := s.composer.Compose(ctx, environment)
	if err != nil {
		s.logger.Error("Composition failed", "environment", environment, "error", err)
		s.metrics.recordComposition(environment, "error")
		return
	}

	worker.mu.Lock()
	stale := worker.generation != generation
	worker.mu.Unlock()
	if stale {
		// A newer request arrived mid-composition; the result is recorded
		// in the ledger but must not be deployed
		s.logger.Info("Discarding stale composition",
			"environment", environment, "version_id", version.VersionID)
		s.metrics.recordStaleComposition(environment)
		return
	}

	if !version.IsValid() {
		s.logger.Error("Composition produced an invalid version, serving pointer untouched",
			"environment", environment, "version_id", version.VersionID,
			"errors", len(version.ValidationErrors))
		s.metrics.recordComposition(environment, "invalid")
		return
	}
	s.metrics.recordComposition(environment, "valid")
	s.metrics.observeCompose(environment, time.Since(start))

	rec, err := s.promoter.Promote(ctx, environment, version.VersionID)
	if err != nil {
		s.logger.Error("Cutover failed", "environment", environment,
			"version_id", version.VersionID, "error", err)
		s.metrics.recordCutover(environment, "failed")
		return
	}
	s.metrics.recordCutover(environment, "success")
	s.metrics.setServingVersion(environment, rec.SupergraphVersion)
	s.logger.Info("Environment serving new supergraph",
		"environment", environment, "version_id", rec.SupergraphVersion,
		"record_id", rec.RecordID)
}
