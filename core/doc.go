// Package core provides the foundational domain types and contracts used by
// ConvoMesh. It defines the core abstractions for:
//
//   - Sessions (bounded-lifetime conversation records per subject/channel)
//   - Messages (ordered role-based entries with optional structured calls)
//   - Action results (outcomes of side-effecting dialogue actions)
//   - Triggers (ephemeral named automation events)
//   - SessionStore (pluggable persistence for sessions)
//
// The package intentionally keeps implementation concerns (persistence,
// dialogue orchestration, provider adapters) out of scope, exposing small
// interfaces to enable custom backends and extensions.
package core
