package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/schemaregistry/errors"
)

// GatewayStream is the JetStream stream carrying deployment commands
const GatewayStream = "GATEWAY_DEPLOY"

// GatewaySubjectPrefix is the subject prefix for deployment commands
const GatewaySubjectPrefix = "gateway.deploy"

// Transport is the slice of the NATS client the platform uses
type Transport interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// stageCommand tells gateway agents to start a revision without traffic
type stageCommand struct {
	Revision  string `json:"revision"`
	VersionID string `json:"version_id"`
	Document  string `json:"document"`
}

// revisionCommand addresses an already-staged revision
type revisionCommand struct {
	Revision string `json:"revision"`
}

// healthReply is a gateway agent's answer to a probe
type healthReply struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// NATSPlatform drives gateway agents over NATS. Stage, activate, and discard
// commands go through JetStream so agents that restart mid-deploy still see
// them; health probes use request-reply against the agent responsible for
// the staged revision.
type NATSPlatform struct {
	transport Transport
	logger    *slog.Logger
}

// NewNATSPlatform creates a platform over the given transport
func NewNATSPlatform(transport Transport, logger *slog.Logger) *NATSPlatform {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPlatform{transport: transport, logger: logger}
}

func subject(environment string, parts ...string) string {
	return GatewaySubjectPrefix + "." + environment + "." + strings.Join(parts, ".")
}

// Stage publishes the supergraph document to gateway agents as a new
// revision with no traffic routed to it.
func (p *NATSPlatform) Stage(ctx context.Context, environment, versionID, document string) (string, error) {
	revision := "rev-" + uuid.NewString()
	data, err := json.Marshal(stageCommand{Revision: revision, VersionID: versionID, Document: document})
	if err != nil {
		return "", errors.WrapInvalid(err, "NATSPlatform", "Stage", "encode stage command")
	}
	if err := p.transport.PublishToStream(ctx, subject(environment, "stage"), data); err != nil {
		return "", err
	}
	p.logger.Info("Revision staged", "environment", environment, "revision", revision, "version_id", versionID)
	return revision, nil
}

// Health probes the staged revision once via request-reply
func (p *NATSPlatform) Health(ctx context.Context, environment, revision string) error {
	data, err := json.Marshal(revisionCommand{Revision: revision})
	if err != nil {
		return errors.WrapInvalid(err, "NATSPlatform", "Health", "encode probe")
	}

	reply, err := p.transport.Request(ctx, subject(environment, "health", revision), data)
	if err != nil {
		return errors.WrapTransient(err, "NATSPlatform", "Health", "probe revision "+revision)
	}

	var result healthReply
	if err := json.Unmarshal(reply, &result); err != nil {
		return errors.WrapInvalid(err, "NATSPlatform", "Health", "decode probe reply")
	}
	if !result.Healthy {
		return errors.WrapTransient(
			fmt.Errorf("revision %s unhealthy: %s", revision, result.Detail),
			"NATSPlatform", "Health", "probe revision")
	}
	return nil
}

// Activate flips gateway traffic to the revision
func (p *NATSPlatform) Activate(ctx context.Context, environment, revision string) error {
	data, err := json.Marshal(revisionCommand{Revision: revision})
	if err != nil {
		return errors.WrapInvalid(err, "NATSPlatform", "Activate", "encode activate command")
	}
	return p.transport.PublishToStream(ctx, subject(environment, "activate"), data)
}

// Discard tears a never-activated revision down
func (p *NATSPlatform) Discard(ctx context.Context, environment, revision string) error {
	data, err := json.Marshal(revisionCommand{Revision: revision})
	if err != nil {
		return errors.WrapInvalid(err, "NATSPlatform", "Discard", "encode discard command")
	}
	return p.transport.PublishToStream(ctx, subject(environment, "discard"), data)
}
