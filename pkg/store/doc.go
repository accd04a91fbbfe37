package store

// Package store persists calendar occurrences and their lifecycle state.
//
// It currently supports:
//   - SQLite (single-writer, WAL, embedded migrations)
//   - An in-memory backend with identical semantics, used in tests and by
//     embedders that do not want a file on disk
