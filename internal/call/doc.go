// Package call provides the per-call lifecycle registry: status transitions,
// transcript accumulation, completion signalling, and cleanup of finished
// calls. The registry is an explicit object injected at construction time and
// is the only state shared across concurrent calls.
package call
