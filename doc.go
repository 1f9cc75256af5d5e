// Package schemaregistry provides a federated GraphQL schema registry:
// subgraph services register their schemas, the registry composes them into
// one supergraph per environment, and validated supergraphs are cut over to
// gateway processes with health verification and rollback.
//
// # Architecture
//
// The registry is an event-driven pipeline over NATS JetStream:
//
//	┌─────────────────────────────────────┐
//	│           Emitter                   │  Runs inside each subgraph
//	│   (fingerprint, store, announce)    │  service
//	└──────────────────┬──────────────────┘
//	                   ↓ ChangeEvent
//	┌─────────────────────────────────────┐
//	│           Detector                  │  Re-reads store state,
//	│   (dedup, per-env debounce)         │  coalesces bursts
//	└──────────────────┬──────────────────┘
//	                   ↓ recompose request
//	┌─────────────────────────────────────┐
//	│           Composer                  │  Snapshot → pure merge →
//	│   (merge, validate, version)        │  SupergraphVersion
//	└──────────────────┬──────────────────┘
//	                   ↓ valid version
//	┌─────────────────────────────────────┐
//	│     Deployment Controller           │  Stage, probe, atomic
//	│   (cutover, health gate, rollback)  │  pointer flip
//	└─────────────────────────────────────┘
//
// State lives in JetStream key-value buckets (current pointers, version and
// deployment ledgers, the serving pointer) and an object store of immutable,
// fingerprint-addressed schema documents. Every component re-reads current
// state rather than trusting event payloads, so at-least-once, reordered
// delivery is safe everywhere.
//
// # Package Layout
//
//   - emitter: service-side registration library and schema fetch endpoint
//   - sdl: schema canonicalization and content fingerprints
//   - store: schema store, version ledger, deployment ledger
//   - detector: change detection and per-environment debounce
//   - composer: snapshot, federated merge, validation
//   - deploy: cutover state machine over a pluggable Platform
//   - registry: the coordinator wiring detection to deployment
//   - natsclient: NATS connection, JetStream, KV, and object store access
//   - config, errors, metric, pkg/retry: shared infrastructure
//
// The registry service binary lives in cmd/registry.
package schemaregistry
