// Package cambium is an incremental computation engine for source-code
// intelligence: a key/value cache with dynamic dependency tracking,
// fingerprint-based invalidation, and early cutoff.
//
// The engine knows nothing about modules or types. Callers register rules —
// one per key kind — and request keys; the engine decides, per request,
// whether the cached artifact is still valid or the rule must run again.
//
// # Model
//
// A [Key] names one unit of derived work ("parse of file F", "dependency
// closure of file F"). A [Rule] computes the value for a key, issuing nested
// requests for its inputs through [Env.Get]; every such access is recorded
// as a dependency edge together with the fingerprint observed at that
// moment. A cached entry is valid iff re-requesting each recorded dependency
// yields the same fingerprint — checked lazily and transitively, never
// trusted from an older round.
//
// Because validity compares fingerprints rather than values, a dependency
// may recompute without invalidating its dependents: a rule that
// fingerprints a parse by AST shape shields everything downstream from
// whitespace-only edits (early cutoff).
//
// # Usage
//
//	eng := cambium.New(cambium.WithPublisher(publish))
//	eng.Register(kindParse, parseRule)
//
//	val, diags, err := eng.Request(ctx, cambium.Key{Kind: kindParse, File: "main.go"})
//
//	// An editor buffer supersedes the on-disk content:
//	eng.SetOverlay("main.go", newContent)
//
// Concurrent requests for the same key collapse into a single rule
// invocation; requests for different keys proceed independently. Dependency
// cycles are detected against the active call path and reported as
// diagnostics on every file in the cycle instead of deadlocking.
//
// Rule failures are cached like successes: dependents observe a well-typed
// error value, repeated requests do not re-run the failed rule, and the
// entry stays subject to normal fingerprint invalidation. Errors reach users
// only as diagnostics, published per file as an atomically replaced set with
// a configurable debounce for provisional-only rounds.
package cambium
