// Package bob is the core of a single-user, always-on assistant daemon.
// It bridges a chat transport (Telegram) to pluggable streaming AI engines
// and keeps everything durable on the local filesystem: a persistent job
// scheduler with natural-language schedules, a claim-token event queue with
// at-least-once delivery, a streaming reply engine that edits messages in
// place as tokens arrive, and a hybrid (keyword + vector) recall index over
// the user's markdown notes.
//
// The package defines the domain types and interfaces; concrete pieces
// live in subpackages: store/sqlite (persistence), frontend/telegram
// (transport), engine/cli (subprocess engines), recall (chunking, indexing,
// search), embedder (vector embeddings), observer (telemetry), and cmd/bob
// (the daemon and its CLI).
package bob
