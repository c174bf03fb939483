package cambium

import (
	"context"
	"errors"
)

// Result is what a rule hands back on success. Fingerprint must be
// deterministic up to the answers the rule observed through Env.Get: given
// identical dependency answers, a rule must produce a fingerprint-equal
// result. The entire cutoff mechanism rests on that contract.
type Result struct {
	Value       Value
	Fingerprint Fingerprint
	Diagnostics []Diagnostic
}

// Rule computes the value for one key kind. Returning an error degrades the
// entry to a cached, diagnosed failure; it never unwinds sibling
// computations. Rules run outside all engine locks and may block on I/O.
type Rule func(ctx context.Context, key Key, env *Env) (*Result, error)

// Env is the dependency accessor handed to a rule for the duration of one
// computation. It records every access as a dependency edge before control
// returns to the rule body, and carries the active call path used for cycle
// detection. An Env must not outlive its rule invocation.
type Env struct {
	ctx   context.Context
	eng   *Engine
	path  []Key
	round *round

	deps  []Dep
	extra []Diagnostic
	fatal error
}

// Get requests a dependency, recording the edge. The returned error is the
// dependency's own cached failure (missing file, cycle, analysis error) —
// data the rule must handle, not control flow. Infrastructure failures
// (cancellation, unknown kind) abort the computation instead and are
// reported from the enclosing Request.
func (env *Env) Get(key Key) (Value, error) {
	ent, err := env.eng.request(env.ctx, key, env.path, env.round)
	if err != nil {
		var unknown *UnknownKindError
		if errors.As(err, &unknown) {
			// Registry wiring failure: the enclosing compute aborts
			// uncached whether or not the rule handles this error.
			env.fatal = err
			return nil, err
		}
		var cyc *CycleError
		if errors.As(err, &cyc) {
			// Record the back edge with no fingerprint: the entry that
			// observed a cycle can never validate and will be re-examined
			// on the next request.
			env.deps = append(env.deps, Dep{Key: key})
			return nil, err
		}
		return nil, err
	}
	env.deps = append(env.deps, Dep{Key: key, Fingerprint: ent.Fingerprint})
	return ent.Value, ent.Err
}

// Report attaches an extra diagnostic to the computation in progress,
// merged with whatever the rule's Result carries. Used by accessor helpers
// whose reporting behavior is per-call-site configuration that must stay
// out of cache identity.
func (env *Env) Report(d Diagnostic) {
	env.extra = append(env.extra, d)
}

// FileVersion fetches the current version of a file through the engine's
// fingerprint oracle. When the file is missing and reportMissing is set, a
// diagnostic is attached to the requesting computation; the flag does not
// participate in cache identity — both flag values hit the same entry.
func (env *Env) FileVersion(path string, reportMissing bool) (FileVersion, error) {
	v, err := env.Get(Key{Kind: KindFileVersion, File: path})
	if err != nil {
		return FileVersion{}, err
	}
	fv := v.(FileVersion)
	if fv.Missing {
		if reportMissing {
			env.Report(Diagnostic{
				File:     env.path[len(env.path)-1].File,
				Severity: SeverityError,
				Message:  (&MissingFileError{Path: path}).Error(),
				Source:   "cambium",
			})
		}
		return fv, &MissingFileError{Path: path}
	}
	return fv, nil
}

// FileContent fetches a file's bytes, overlay-backed when the file is of
// interest. A missing file surfaces as *MissingFileError with nil content.
func (env *Env) FileContent(path string) ([]byte, error) {
	v, err := env.Get(Key{Kind: KindFileContent, File: path})
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	return b, nil
}

// ClientConfig fetches the latest configuration blob set via
// SetClientConfig, recording the dependency so config changes invalidate
// the requesting rule.
func (env *Env) ClientConfig() (Value, error) {
	return env.Get(Key{Kind: KindClientConfig})
}
