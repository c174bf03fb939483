package cambium

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine is the scheduler: it owns the artifact store, the rule registry,
// the file tracker, and the diagnostics publisher, and decides per request
// whether a cached entry is still valid or its rule must run again.
type Engine struct {
	rules  map[Kind]Rule
	store  *artifactStore
	files  *fileTracker
	pub    *publisher
	logger *zap.Logger

	// flights holds the single in-flight computation per key. A second
	// request for a computing key waits on the flight instead of
	// duplicating work.
	mu      sync.Mutex
	flights map[Key]*flight

	// Client configuration blob and its identity counter. The counter
	// bumps only when the new blob differs by deep equality — the config
	// key's fingerprint is "which distinct blob", never a hash of it.
	cfgMu      sync.Mutex
	cfg        Value
	cfgVersion int64
}

// flight is one in-progress computation. done is closed after entry/err
// are set.
type flight struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// round collects the set of files whose diagnostics contributions changed
// during one top-level request chain, so the publisher can replace each
// file's set atomically once the chain settles.
type round struct {
	mu    sync.Mutex
	files map[string]struct{}
}

func newRound() *round {
	return &round{files: make(map[string]struct{})}
}

func (r *round) touch(file string) {
	if file == "" {
		return
	}
	r.mu.Lock()
	r.files[file] = struct{}{}
	r.mu.Unlock()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's structured logger. Defaults to a no-op.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithPublisher sets the callback that receives each file's published
// diagnostics set. Without it, diagnostics are aggregated but never
// delivered.
func WithPublisher(fn PublishFunc) Option {
	return func(e *Engine) {
		e.pub.publish = fn
	}
}

// WithDebounce sets how long a provisional-only round is held before being
// published anyway. The window is policy, tuned by the embedder.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		e.pub.debounce = d
	}
}

// WithProvisionalSources names the diagnostic source tags whose rounds are
// considered provisional: a publication containing only these tags is held
// for the debounce window, since a more complete set is expected to follow.
func WithProvisionalSources(sources ...string) Option {
	return func(e *Engine) {
		for _, s := range sources {
			e.pub.provisional[s] = true
		}
	}
}

// New creates an Engine with the built-in file and configuration rules
// registered.
func New(opts ...Option) *Engine {
	e := &Engine{
		rules:   make(map[Kind]Rule),
		store:   newArtifactStore(),
		files:   newFileTracker(),
		pub:     newPublisher(),
		logger:  zap.NewNop(),
		flights: make(map[Key]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pub.logger = e.logger

	e.rules[KindFileVersion] = e.fileVersionRule
	e.rules[KindFileContent] = e.fileContentRule
	e.rules[KindClientConfig] = e.clientConfigRule
	return e
}

// Register adds the rule for a key kind. Registering a kind twice is a
// wiring bug and panics, as does registering after requests started racing
// would be; keep registration to setup.
func (e *Engine) Register(kind Kind, rule Rule) {
	if _, dup := e.rules[kind]; dup {
		panic(fmt.Sprintf("cambium: duplicate rule for kind %q", kind))
	}
	e.rules[kind] = rule
}

// Close stops pending publisher timers. In-flight computations are allowed
// to finish; correctness never depends on preemption.
func (e *Engine) Close() {
	e.pub.stop()
}

// CachedEntries reports the number of committed artifacts, for tests and
// stats output.
func (e *Engine) CachedEntries() int {
	return e.store.len()
}

// Request computes or revalidates the artifact for key and returns its
// value and diagnostics. The returned error is the entry's own cached
// failure, if any; infrastructure problems (unknown kind, cancellation)
// are also returned as errors but are never cached. Diagnostics produced
// by the chain are handed to the publisher per file once the chain
// settles; keys that committed before an abort still get their
// contributions published.
func (e *Engine) Request(ctx context.Context, key Key) (Value, []Diagnostic, error) {
	rd := newRound()
	ent, err := e.request(ctx, key, nil, rd)
	e.pub.flush(rd)
	if err != nil {
		return nil, nil, err
	}
	return ent.Value, ent.Diagnostics, ent.Err
}

// request is the scheduler core. path is the active call chain of the
// enclosing computations, carried explicitly so cycle detection is a
// membership check local to this chain — independent top-level requests
// may legitimately traverse overlapping keys in parallel.
func (e *Engine) request(ctx context.Context, key Key, path []Key, rd *round) (*Entry, error) {
	for i, k := range path {
		if k == key {
			cycle := append(append([]Key{}, path[i:]...), key)
			e.logger.Debug("cycle detected",
				zap.String("kind", string(key.Kind)),
				zap.String("file", key.File))
			return nil, &CycleError{Path: cycle}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.mu.Lock()
		if fl, ok := e.flights[key]; ok {
			e.mu.Unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if fl.err != nil {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				// The owning chain failed without committing an entry
				// (cancelled or aborted on its side). This chain is still
				// live; loop and claim the flight itself.
				continue
			}
			return fl.entry, nil
		}
		ent, cached := e.store.lookup(key)
		e.mu.Unlock()

		if cached {
			valid, err := e.validate(ctx, ent, path, rd)
			if err != nil {
				return nil, err
			}
			if valid {
				return ent, nil
			}
		}

		// Claim the flight. Another chain may have claimed it between the
		// validity check and here; if so, loop and wait on theirs.
		e.mu.Lock()
		if _, busy := e.flights[key]; busy {
			e.mu.Unlock()
			continue
		}
		fl := &flight{done: make(chan struct{})}
		e.flights[key] = fl
		e.mu.Unlock()

		ent, err := e.compute(ctx, key, path, rd)

		e.mu.Lock()
		delete(e.flights, key)
		e.mu.Unlock()
		fl.entry, fl.err = ent, err
		close(fl.done)
		return ent, err
	}
}

// validate checks an entry's recorded dependency snapshot. Each dependency
// is re-requested first — revalidated or recomputed, never trusted from an
// older round — then its current fingerprint is compared to the snapshot.
// Short-circuits invalid on the first mismatch.
func (e *Engine) validate(ctx context.Context, ent *Entry, path []Key, rd *round) (bool, error) {
	for _, dep := range ent.Deps {
		if dep.Fingerprint.IsZero() {
			return false, nil
		}
		cur, err := e.request(ctx, dep.Key, path, rd)
		if err != nil {
			var cyc *CycleError
			if errors.As(err, &cyc) {
				return false, nil
			}
			return false, err
		}
		if cur.Fingerprint != dep.Fingerprint {
			e.logger.Debug("dependency changed",
				zap.String("kind", string(ent.Key.Kind)),
				zap.String("file", ent.Key.File),
				zap.String("dep", string(dep.Key.Kind)),
				zap.String("depFile", dep.Key.File))
			return false, nil
		}
	}
	return true, nil
}

// compute runs the rule for key with a fresh dependency-recording Env and
// commits the result. Rule errors and panics degrade to cached, diagnosed
// entries; only an unknown kind is fatal.
func (e *Engine) compute(ctx context.Context, key Key, path []Key, rd *round) (*Entry, error) {
	rule, ok := e.rules[key.Kind]
	if !ok {
		return nil, &UnknownKindError{Kind: key.Kind}
	}

	env := &Env{
		ctx:   ctx,
		eng:   e,
		path:  append(append([]Key{}, path...), key),
		round: rd,
	}

	var res *Result
	var ruleErr error
	func() {
		defer func() {
			if p := recover(); p != nil {
				res = nil
				ruleErr = &AnalysisError{Key: key, Panic: p}
			}
		}()
		res, ruleErr = rule(ctx, key, env)
	}()

	if env.fatal != nil {
		// A dependency request hit an unregistered kind. Wiring failures
		// abort the computation uncached, even if the rule swallowed the
		// error.
		return nil, env.fatal
	}
	if ruleErr != nil && ctx.Err() != nil {
		// Superseded or cancelled mid-rule: discard rather than cache a
		// result computed against torn inputs.
		return nil, ctx.Err()
	}

	ent := &Entry{Key: key, Deps: env.deps}
	if ruleErr != nil {
		ent.Err = ruleErr
		ent.Fingerprint = FingerprintStrings("error", ruleErr.Error())
		ent.Diagnostics = append(diagnosticsForError(key, ruleErr), env.extra...)
	} else {
		ent.Value = res.Value
		ent.Fingerprint = res.Fingerprint
		ent.Diagnostics = append(res.Diagnostics, env.extra...)
	}
	for i := range ent.Diagnostics {
		if ent.Diagnostics[i].File == "" {
			ent.Diagnostics[i].File = key.File
		}
	}

	e.store.commit(ent)
	e.pub.setContribution(key, ent.Diagnostics, rd)
	if key.File != "" {
		rd.touch(key.File)
	}

	e.logger.Debug("computed",
		zap.String("kind", string(key.Kind)),
		zap.String("file", key.File),
		zap.Int("deps", len(ent.Deps)),
		zap.Bool("errored", ent.Err != nil))
	return ent, nil
}

// diagnosticsForError turns a cached rule failure into its user-visible
// form. Cycles are reported on the failing key's own file; as the failure
// propagates up the cyclic path, every member file ends up carrying one.
func diagnosticsForError(key Key, err error) []Diagnostic {
	var cyc *CycleError
	if errors.As(err, &cyc) {
		return []Diagnostic{{
			File:     key.File,
			Severity: SeverityError,
			Message:  cyc.Error(),
			Source:   "cambium",
		}}
	}
	var missing *MissingFileError
	if errors.As(err, &missing) {
		// Missing inputs are surfaced by the accessor's reportMissing
		// flag, not duplicated here.
		return nil
	}
	return []Diagnostic{{
		File:     key.File,
		Severity: SeverityError,
		Message:  err.Error(),
		Source:   "cambium",
	}}
}

// SetClientConfig replaces the configuration blob behind KindClientConfig.
// Identity is deep equality against the previous blob: an equal blob keeps
// the old fingerprint and nothing downstream recomputes.
func (e *Engine) SetClientConfig(cfg Value) {
	e.cfgMu.Lock()
	if !reflect.DeepEqual(cfg, e.cfg) {
		e.cfg = cfg
		e.cfgVersion++
	}
	e.cfgMu.Unlock()
	e.store.forget(Key{Kind: KindClientConfig})
}

func (e *Engine) clientConfigRule(_ context.Context, _ Key, _ *Env) (*Result, error) {
	e.cfgMu.Lock()
	cfg, version := e.cfg, e.cfgVersion
	e.cfgMu.Unlock()
	return &Result{
		Value:       cfg,
		Fingerprint: FingerprintStrings("config", fmt.Sprintf("%d", version)),
	}, nil
}
