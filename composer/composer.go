package composer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/schemaregistry/errors"
	"github.com/c360/schemaregistry/store"
	"github.com/c360/schemaregistry/types"
)

// SchemaSource is the read side of the schema store the composer snapshots from
type SchemaSource interface {
	ListSubgraphs(ctx context.Context, environment string) ([]string, error)
	GetCurrent(ctx context.Context, key types.SubgraphKey) (*store.CurrentSchema, error)
}

// Ledger is the write side for composition outcomes
type Ledger interface {
	Append(ctx context.Context, v *types.SupergraphVersion, document string) error
	LatestValid(ctx context.Context, environment string) (*types.SupergraphVersion, error)
	Document(ctx context.Context, v *types.SupergraphVersion) (string, error)
}

// Config holds composer tuning
type Config struct {
	// SnapshotTimeout bounds the whole snapshot fetch; a single unreachable
	// subgraph fails the composition attempt cleanly instead of hanging.
	SnapshotTimeout time.Duration `json:"snapshot_timeout" yaml:"snapshot_timeout"`
	Policy          Policy        `json:"policy" yaml:"policy"`
}

// DefaultConfig returns sensible composer defaults
func DefaultConfig() Config {
	return Config{SnapshotTimeout: 10 * time.Second, Policy: DefaultPolicy()}
}

// Composer produces SupergraphVersions from the current subgraph set of an
// environment. Compose never runs concurrently with itself for the same
// environment.
type Composer struct {
	source SchemaSource
	ledger Ledger
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	envLocks map[string]*sync.Mutex
}

// New creates a composer
func New(source SchemaSource, ledger Ledger, cfg Config, logger *slog.Logger) *Composer {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = DefaultConfig().SnapshotTimeout
	}
	if cfg.Policy.FieldRemoval == "" {
		cfg.Policy.FieldRemoval = RemovalWarn
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		source:   source,
		ledger:   ledger,
		config:   cfg,
		logger:   logger,
		envLocks: make(map[string]*sync.Mutex),
	}
}

func (c *Composer) envLock(environment string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.envLocks[environment]
	if !ok {
		lock = &sync.Mutex{}
		c.envLocks[environment] = lock
	}
	return lock
}

// Compose snapshots the environment's current subgraph documents, merges
// them, and appends the outcome to the ledger. A recorded outcome - valid or
// invalid - returns the version with a nil error; errors are reserved for
// infrastructure failures (snapshot fetch, ledger write) where no outcome
// could be recorded.
func (c *Composer) Compose(ctx context.Context, environment string) (*types.SupergraphVersion, error) {
	lock := c.envLock(environment)
	lock.Lock()
	defer lock.Unlock()

	snap, err := c.snapshot(ctx, environment)
	if err != nil {
		return nil, err
	}

	version := &types.SupergraphVersion{
		Environment:        environment,
		MemberFingerprints: snap.MemberFingerprints(),
		ComposedAt:         time.Now().UTC(),
	}

	result := Merge(*snap)

	var warnings []string
	if result.OK() {
		warnings, result.Errors = c.checkPolicy(ctx, environment, result.Document)
	}

	if !result.OK() {
		version.Status = types.VersionInvalid
		version.ValidationErrors = result.Errors
		version.VersionID = deriveVersionID(snap, version.Status)
		if err := c.ledger.Append(ctx, version, ""); err != nil {
			return nil, err
		}
		c.logger.Error("Composition failed",
			"environment", environment, "version_id", version.VersionID,
			"conflicts", len(result.Errors), "first", result.Errors[0].Error())
		return version, nil
	}

	version.Status = types.VersionValid
	version.Warnings = warnings
	version.VersionID = deriveVersionID(snap, version.Status)
	if err := c.ledger.Append(ctx, version, result.Document); err != nil {
		return nil, err
	}

	c.logger.Info("Composition succeeded",
		"environment", environment, "version_id", version.VersionID,
		"members", len(version.MemberFingerprints), "warnings", len(warnings))
	return version, nil
}

// snapshot reads every registered subgraph's current document. All reads
// complete before composing begins, so the member set is internally
// consistent; no subgraph is read twice at different points in time.
func (c *Composer) snapshot(ctx context.Context, environment string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.SnapshotTimeout)
	defer cancel()

	names, err := c.source.ListSubgraphs(ctx, environment)
	if err != nil {
		return nil, errors.WrapTransient(err, "Composer", "snapshot", "list subgraphs")
	}
	if len(names) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no subgraphs registered in %s", environment),
			"Composer", "snapshot", "empty environment")
	}
	sort.Strings(names)

	docs := make([]SubgraphDocument, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			current, err := c.source.GetCurrent(gctx, types.SubgraphKey{Environment: environment, Subgraph: name})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", name, err)
			}
			docs[i] = SubgraphDocument{
				Name:        name,
				Fingerprint: current.Record.ContentFingerprint,
				Schema:      current.Text,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Partial snapshots are never valid
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSnapshotIncomplete, err),
			"Composer", "snapshot", "fetch subgraph documents")
	}

	return &Snapshot{Environment: environment, Subgraphs: docs}, nil
}

// checkPolicy compares the candidate document against the previous valid
// supergraph and applies the removal policy.
func (c *Composer) checkPolicy(ctx context.Context, environment, document string) ([]string, []types.ValidationError) {
	prev, err := c.ledger.LatestValid(ctx, environment)
	if err != nil {
		if stderrors.Is(err, errors.ErrNoValidVersion) {
			return nil, nil // first composition, nothing to compare
		}
		c.logger.Warn("Removal policy skipped, previous version unreadable",
			"environment", environment, "error", err)
		return nil, nil
	}

	prevDoc, err := c.ledger.Document(ctx, prev)
	if err != nil {
		c.logger.Warn("Removal policy skipped, previous document unreadable",
			"environment", environment, "version_id", prev.VersionID, "error", err)
		return nil, nil
	}

	return c.config.Policy.apply(findRemovals(prevDoc, document))
}

// deriveVersionID derives a version id from the member fingerprint set and
// the composition outcome, so identical snapshots with the same outcome
// compose to identical versions. The outcome participates because the same
// snapshot can be judged differently under another removal policy; colliding
// with the earlier record would strand the ledger on the stale outcome.
func deriveVersionID(snap *Snapshot, status types.VersionStatus) string {
	h := sha256.New()
	fps := snap.MemberFingerprints()
	for _, name := range sortedKeys(fps) {
		fmt.Fprintf(h, "%s:%s\n", name, fps[name])
	}
	fmt.Fprintf(h, "status:%s\n", status)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
