// Package deploy cuts gateway traffic over to validated supergraph versions.
// The controller is a thin orchestration layer over a Platform supplied by
// the service orchestration substrate: it stages a revision without routing
// traffic, gates it behind a bounded health-check loop, and only then flips
// the serving pointer. A failed probe discards the revision and leaves the
// previously active record serving; no partial cutover is ever observable.
package deploy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/types"
)

// Platform is the orchestration substrate contract. Stage must start a
// gateway revision serving the given supergraph document without routing
// live traffic to it; Activate atomically flips traffic; Discard tears a
// never-activated revision down. Health performs one synthetic probe.
type Platform interface {
	Stage(ctx context.Context, environment, versionID, document string) (revisionID string, err error)
	Health(ctx context.Context, environment, revisionID string) error
	Activate(ctx context.Context, environment, revisionID string) error
	Discard(ctx context.Context, environment, revisionID string) error
}

// VersionSource reads composed versions and their documents from the ledger
type VersionSource interface {
	Get(ctx context.Context, environment, versionID string) (*types.SupergraphVersion, error)
	Document(ctx context.Context, v *types.SupergraphVersion) (string, error)
}

// Ledger records deployment attempts and owns the serving pointer
type Ledger interface {
	Append(ctx context.Context, rec *types.DeploymentRecord) error
	Update(ctx context.Context, rec *types.DeploymentRecord) error
	Get(ctx context.Context, environment, recordID string) (*types.DeploymentRecord, error)
	Serving(ctx context.Context, environment string) (*types.DeploymentRecord, error)
	SetServing(ctx context.Context, environment, recordID, expectedPrev string) error
}

// Config holds cutover settings
type Config struct {
	// ProbeInterval is the pause between health probes
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`
	// ProbeTimeout bounds each individual probe
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	// MaxProbes is the probe attempt budget before the cutover is declared
	// failed
	MaxProbes int `json:"max_probes" yaml:"max_probes"`
}

// DefaultConfig returns sensible cutover defaults
func DefaultConfig() Config {
	return Config{
		ProbeInterval: time.Second,
		ProbeTimeout:  5 * time.Second,
		MaxProbes:     5,
	}
}

// Validate checks the configuration, applying defaults for blank fields
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = def.MaxProbes
	}
	return nil
}

// Controller runs cutovers. At most one cutover is in flight per
// environment; environments proceed independently.
type Controller struct {
	platform Platform
	versions VersionSource
	ledger   Ledger
	config   Config
	logger   *slog.Logger

	mu       sync.Mutex
	envLocks map[string]*sync.Mutex
}

// New creates a deployment controller
func New(platform Platform, versions VersionSource, ledger Ledger, cfg Config, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if platform == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Controller", "New", "platform is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		platform: platform,
		versions: versions,
		ledger:   ledger,
		config:   cfg,
		logger:   logger,
		envLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (c *Controller) envLock(environment string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.envLocks[environment]
	if !ok {
		lock = &sync.Mutex{}
		c.envLocks[environment] = lock
	}
	return lock
}

// CurrentDeployment returns the record currently serving the environment
func (c *Controller) CurrentDeployment(ctx context.Context, environment string) (*types.DeploymentRecord, error) {
	return c.ledger.Serving(ctx, environment)
}

// Promote cuts the environment over to versionID. Only valid versions are
// deployable. Promoting the version already serving is a no-op returning the
// serving record.
func (c *Controller) Promote(ctx context.Context, environment, versionID string) (*types.DeploymentRecord, error) {
	lock := c.envLock(environment)
	lock.Lock()
	defer lock.Unlock()

	version, err := c.versions.Get(ctx, environment, versionID)
	if err != nil {
		return nil, err
	}
	if !version.IsValid() {
		return nil, errors.WrapInvalid(errors.ErrNoValidVersion, "Controller", "Promote",
			"version "+versionID+" is not valid")
	}

	prev := c.serving(ctx, environment)
	if prev != nil && prev.SupergraphVersion == versionID && prev.Status == types.DeploymentActive {
		c.logger.Debug("Version already serving", "environment", environment, "version_id", versionID)
		return prev, nil
	}

	return c.cutover(ctx, environment, version, prev, types.DeploymentSuperseded, "superseded by "+versionID)
}

// Rollback re-promotes the supergraph version of a prior deployment record.
// The target must have served traffic successfully at some point; the same
// health-check gate as a forward cutover applies before the pointer moves.
// The record serving before the rollback is marked rolled_back.
func (c *Controller) Rollback(ctx context.Context, environment, recordID string) (*types.DeploymentRecord, error) {
	lock := c.envLock(environment)
	lock.Lock()
	defer lock.Unlock()

	target, err := c.ledger.Get(ctx, environment, recordID)
	if err != nil {
		return nil, err
	}
	if !target.RollbackEligible() {
		return nil, errors.WrapInvalid(errors.ErrNotRollbackEligible, "Controller", "Rollback",
			"record "+recordID+" never served traffic")
	}

	version, err := c.versions.Get(ctx, environment, target.SupergraphVersion)
	if err != nil {
		return nil, err
	}

	prev := c.serving(ctx, environment)
	return c.cutover(ctx, environment, version, prev, types.DeploymentRolledBack,
		"rolled back to "+target.SupergraphVersion)
}

func (c *Controller) serving(ctx context.Context, environment string) *types.DeploymentRecord {
	prev, err := c.ledger.Serving(ctx, environment)
	if err != nil {
		return nil // first deployment for this environment
	}
	return prev
}

// cutover runs the stage → probe → activate → flip sequence. prevStatus is
// the terminal status the previously serving record receives on success.
func (c *Controller) cutover(ctx context.Context, environment string, version *types.SupergraphVersion,
	prev *types.DeploymentRecord, prevStatus types.DeploymentStatus, prevReason string) (*types.DeploymentRecord, error) {

	document, err := c.versions.Document(ctx, version)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &types.DeploymentRecord{
		RecordID:          uuid.NewString(),
		SupergraphVersion: version.VersionID,
		Environment:       environment,
		StartedAt:         now,
	}
	rec.Transition(types.DeploymentPending, now, "staging revision")
	if err := c.ledger.Append(ctx, rec); err != nil {
		return nil, err
	}

	revision, err := c.platform.Stage(ctx, environment, version.VersionID, document)
	if err != nil {
		c.fail(ctx, rec, "stage revision: "+err.Error())
		return rec, errors.WrapTransient(err, "Controller", "cutover", "stage revision")
	}
	rec.GatewayRevision = revision

	health := c.probe(ctx, environment, revision)
	rec.HealthCheck = health
	if !health.Healthy {
		c.discard(ctx, environment, revision)
		c.fail(ctx, rec, "health check failed: "+health.Detail)
		c.logger.Error("Cutover failed health checks, previous revision keeps serving",
			"environment", environment, "version_id", version.VersionID,
			"attempts", health.Attempts, "detail", health.Detail)
		return rec, errors.WrapTransient(errors.ErrHealthCheckFailed, "Controller", "cutover",
			"probe revision "+revision)
	}

	if err := c.platform.Activate(ctx, environment, revision); err != nil {
		c.discard(ctx, environment, revision)
		c.fail(ctx, rec, "activate revision: "+err.Error())
		return rec, errors.WrapTransient(err, "Controller", "cutover", "activate revision")
	}

	expectedPrev := ""
	if prev != nil {
		expectedPrev = prev.RecordID
	}
	if err := c.ledger.SetServing(ctx, environment, rec.RecordID, expectedPrev); err != nil {
		c.revertActivation(ctx, environment, revision, prev)
		c.fail(ctx, rec, "serving pointer flip failed: "+err.Error())
		return rec, err
	}

	rec.Transition(types.DeploymentActive, time.Now().UTC(), "health checks passed")
	if err := c.ledger.Update(ctx, rec); err != nil {
		return rec, err
	}

	if prev != nil && prev.RecordID != rec.RecordID {
		prev.Transition(prevStatus, time.Now().UTC(), prevReason)
		if err := c.ledger.Update(ctx, prev); err != nil {
			c.logger.Warn("Previous deployment record update failed",
				"environment", environment, "record_id", prev.RecordID, "error", err)
		}
	}

	c.logger.Info("Cutover complete",
		"environment", environment, "version_id", version.VersionID,
		"record_id", rec.RecordID, "revision", revision)
	return rec, nil
}

// probe polls the staged revision until it reports healthy or the attempt
// budget runs out.
func (c *Controller) probe(ctx context.Context, environment, revision string) *types.HealthCheckResult {
	start := time.Now()
	result := &types.HealthCheckResult{}

	for attempt := 1; attempt <= c.config.MaxProbes; attempt++ {
		result.Attempts = attempt

		probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
		err := c.platform.Health(probeCtx, environment, revision)
		cancel()

		if err == nil {
			result.Healthy = true
			result.Detail = ""
			break
		}
		result.Detail = err.Error()

		if attempt < c.config.MaxProbes {
			select {
			case <-ctx.Done():
				result.Detail = ctx.Err().Error()
				result.Duration = time.Since(start)
				return result
			case <-time.After(c.config.ProbeInterval):
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (c *Controller) fail(ctx context.Context, rec *types.DeploymentRecord, reason string) {
	rec.Transition(types.DeploymentFailed, time.Now().UTC(), reason)
	if err := c.ledger.Update(ctx, rec); err != nil {
		c.logger.Warn("Failed deployment record update failed",
			"environment", rec.Environment, "record_id", rec.RecordID, "error", err)
	}
}

func (c *Controller) discard(ctx context.Context, environment, revision string) {
	if err := c.platform.Discard(ctx, environment, revision); err != nil {
		c.logger.Warn("Revision discard failed", "environment", environment,
			"revision", revision, "error", err)
	}
}

// revertActivation puts traffic back on the previously serving revision after
// an activation whose pointer flip could not be recorded. The gateway and the
// ledger must never disagree about which revision serves; an unrecorded
// activation is torn down rather than left holding traffic.
func (c *Controller) revertActivation(ctx context.Context, environment, revision string, prev *types.DeploymentRecord) {
	if prev != nil && prev.GatewayRevision != "" {
		if err := c.platform.Activate(ctx, environment, prev.GatewayRevision); err != nil {
			// The new revision stays up as the only one serving traffic;
			// discarding it here would take the environment dark.
			c.logger.Error("Traffic restore failed after pointer flip failure, operator intervention required",
				"environment", environment, "revision", prev.GatewayRevision, "error", err)
			return
		}
	}
	c.discard(ctx, environment, revision)
	c.logger.Error("Pointer flip failed, activation reverted",
		"environment", environment, "revision", revision)
}
