package cambium

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	kindParse Kind = "test/parse"
	kindCheck Kind = "test/check"
	kindChain Kind = "test/chain"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(opts...)
	t.Cleanup(e.Close)
	return e
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// registerParse registers a parse-like rule that fingerprints by the
// whitespace-trimmed fields of the content, so formatting-only edits keep
// the fingerprint. Returns the invocation counter.
func registerParse(e *Engine) *atomic.Int64 {
	var calls atomic.Int64
	e.Register(kindParse, func(_ context.Context, key Key, env *Env) (*Result, error) {
		calls.Add(1)
		content, err := env.FileContent(key.File)
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(string(content))
		return &Result{
			Value:       fields,
			Fingerprint: FingerprintStrings(fields...),
		}, nil
	})
	return &calls
}

// registerCheck registers a rule depending on kindParse. Returns the
// invocation counter.
func registerCheck(e *Engine) *atomic.Int64 {
	var calls atomic.Int64
	e.Register(kindCheck, func(_ context.Context, key Key, env *Env) (*Result, error) {
		calls.Add(1)
		v, err := env.Get(Key{Kind: kindParse, File: key.File})
		if err != nil {
			return nil, err
		}
		fields := v.([]string)
		return &Result{
			Value:       len(fields),
			Fingerprint: FingerprintStrings(fmt.Sprintf("%d", len(fields))),
		}, nil
	})
	return &calls
}

func TestRequest_ComputesAndCaches(t *testing.T) {
	e := newTestEngine(t)
	parseCalls := registerParse(e)

	path := writeFile(t, t.TempDir(), "m.src", "module m")
	key := Key{Kind: kindParse, File: path}

	val, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []string{"module", "m"}, val)
	assert.EqualValues(t, 1, parseCalls.Load())

	// Second request with no intervening invalidation: zero rule
	// invocations, same value.
	val2, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, val, val2)
	assert.EqualValues(t, 1, parseCalls.Load())
}

func TestRequest_UnknownKindIsFatal(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Request(context.Background(), Key{Kind: "test/unregistered"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rule registered")
}

func TestRegister_DuplicateKindPanics(t *testing.T) {
	e := newTestEngine(t)
	registerParse(e)
	assert.Panics(t, func() { registerParse(e) })
}

func TestInvalidation_DiskChangeRecomputes(t *testing.T) {
	e := newTestEngine(t)
	parseCalls := registerParse(e)

	dir := t.TempDir()
	path := writeFile(t, dir, "m.src", "module m")
	key := Key{Kind: kindParse, File: path}

	_, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)

	// Rewrite with different content and a different mtime.
	time.Sleep(5 * time.Millisecond)
	writeFile(t, dir, "m.src", "module m2")
	e.NotifyFileChanged(path, OnDisk)

	val, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []string{"module", "m2"}, val)
	assert.EqualValues(t, 2, parseCalls.Load())
}

func TestEarlyCutoff_WhitespaceEditDoesNotReachDownstream(t *testing.T) {
	e := newTestEngine(t)
	parseCalls := registerParse(e)
	checkCalls := registerCheck(e)

	dir := t.TempDir()
	path := writeFile(t, dir, "m.src", "module m")
	key := Key{Kind: kindCheck, File: path}

	_, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, parseCalls.Load())
	assert.EqualValues(t, 1, checkCalls.Load())

	// Same tokens, different formatting: parse recomputes but its
	// fingerprint is unchanged, so check must not.
	e.SetOverlay(path, []byte("module     m\n"))

	_, _, err = e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, parseCalls.Load())
	assert.EqualValues(t, 1, checkCalls.Load())

	// A real edit propagates.
	e.SetOverlay(path, []byte("module m extra"))
	_, _, err = e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 3, parseCalls.Load())
	assert.EqualValues(t, 2, checkCalls.Load())
}

func TestSingleFlight_ConcurrentRequestsInvokeOnce(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int64
	started := make(chan struct{})
	e.Register(kindParse, func(_ context.Context, _ Key, _ *Env) (*Result, error) {
		calls.Add(1)
		<-started // hold every waiter in the flight
		return &Result{Value: "v", Fingerprint: FingerprintStrings("v")}, nil
	})

	key := Key{Kind: kindParse, File: "f"}
	const n = 16
	var wg sync.WaitGroup
	results := make([]Value, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := e.Request(context.Background(), key)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	// Give the goroutines time to pile up on the flight, then release.
	time.Sleep(20 * time.Millisecond)
	close(started)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		assert.Equal(t, "v", v)
	}
}

func TestSingleFlight_WaiterOutlivesCancelledOwner(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int64
	entered := make(chan struct{})
	e.Register(kindParse, func(ctx context.Context, _ Key, _ *Env) (*Result, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Result{Value: "v", Fingerprint: FingerprintStrings("v")}, nil
	})

	key := Key{Kind: kindParse, File: "f"}
	ctx1, cancel1 := context.WithCancel(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, _, err := e.Request(ctx1, key)
		ownerErr <- err
	}()
	<-entered

	waiterVal := make(chan Value, 1)
	waiterErr := make(chan error, 1)
	go func() {
		v, _, err := e.Request(context.Background(), key)
		waiterVal <- v
		waiterErr <- err
	}()

	// Let the second request park on the flight, then cancel the owner.
	time.Sleep(20 * time.Millisecond)
	cancel1()

	require.ErrorIs(t, <-ownerErr, context.Canceled)

	// The waiter's own context is live: it must not inherit the owner's
	// cancellation, it recomputes and gets the value.
	require.NoError(t, <-waiterErr)
	assert.Equal(t, "v", <-waiterVal)
	assert.EqualValues(t, 2, calls.Load())
}

func TestUnknownKindDependency_AbortsUncached(t *testing.T) {
	e := newTestEngine(t)

	var published atomic.Int64
	e.pub.publish = func(string, []Diagnostic) { published.Add(1) }

	var calls atomic.Int64
	e.Register(kindCheck, func(_ context.Context, key Key, env *Env) (*Result, error) {
		calls.Add(1)
		// Swallowing the error must not rescue the computation.
		_, _ = env.Get(Key{Kind: "test/not-registered", File: key.File})
		return &Result{Value: "ok", Fingerprint: FingerprintStrings("ok")}, nil
	})

	key := Key{Kind: kindCheck, File: "f"}
	_, _, err := e.Request(context.Background(), key)
	var unknown *UnknownKindError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, Kind("test/not-registered"), unknown.Kind)

	// Nothing cached, nothing published; the next request runs the rule
	// again and fails the same way.
	_, ok := e.store.lookup(key)
	assert.False(t, ok)
	assert.EqualValues(t, 0, published.Load())

	_, _, err = e.Request(context.Background(), key)
	require.ErrorAs(t, err, &unknown)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRequest_FlushesCommittedDiagnosticsOnAbort(t *testing.T) {
	e := newTestEngine(t)

	var mu sync.Mutex
	published := map[string][]Diagnostic{}
	e.pub.publish = func(file string, diags []Diagnostic) {
		mu.Lock()
		published[file] = diags
		mu.Unlock()
	}

	e.Register(kindParse, func(_ context.Context, _ Key, _ *Env) (*Result, error) {
		return &Result{
			Value:       "v",
			Fingerprint: FingerprintStrings("v"),
			Diagnostics: []Diagnostic{{
				File:     "other.src",
				Severity: SeverityWarning,
				Message:  "declared elsewhere",
				Source:   "test",
			}},
		}, nil
	})
	e.Register(kindCheck, func(_ context.Context, key Key, env *Env) (*Result, error) {
		if _, err := env.Get(Key{Kind: kindParse, File: key.File}); err != nil {
			return nil, err
		}
		_, err := env.Get(Key{Kind: "test/not-registered"})
		return nil, err
	})

	_, _, err := e.Request(context.Background(), Key{Kind: kindCheck, File: "f"})
	var unknown *UnknownKindError
	require.ErrorAs(t, err, &unknown)

	// The parse entry committed before the chain aborted; its cross-file
	// contribution goes out with the round.
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, published["other.src"])
	assert.Equal(t, "declared elsewhere", published["other.src"][0].Message)
}

func TestCycle_TerminatesAndReportsEveryMember(t *testing.T) {
	e := newTestEngine(t)

	next := map[string]string{"a": "b", "b": "c", "c": "a"}
	e.Register(kindChain, func(_ context.Context, key Key, env *Env) (*Result, error) {
		if _, err := env.Get(Key{Kind: kindChain, File: next[key.File]}); err != nil {
			return nil, err
		}
		return &Result{Value: "ok", Fingerprint: FingerprintStrings(key.File)}, nil
	})

	var mu sync.Mutex
	published := map[string][]Diagnostic{}
	e.pub.publish = func(file string, diags []Diagnostic) {
		mu.Lock()
		published[file] = diags
		mu.Unlock()
	}

	_, diags, err := e.Request(context.Background(), Key{Kind: kindChain, File: "a"})
	var cyc *CycleError
	require.ErrorAs(t, err, &cyc)

	ent, ok := e.store.lookup(Key{Kind: kindChain, File: "a"})
	require.True(t, ok)
	require.ErrorAs(t, ent.Err, &cyc)

	require.NotEmpty(t, diags)
	assert.Contains(t, diags[0].Message, "import cycle")

	// Every member of the cycle got its own degraded entry + diagnostic.
	mu.Lock()
	defer mu.Unlock()
	for _, f := range []string{"a", "b", "c"} {
		ds := published[f]
		require.NotEmpty(t, ds, "no diagnostics published for %s", f)
		assert.Contains(t, ds[0].Message, "import cycle")
	}
}

func TestRuleError_CachedNotRethrown(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int64
	e.Register(kindParse, func(_ context.Context, _ Key, _ *Env) (*Result, error) {
		calls.Add(1)
		return nil, fmt.Errorf("analysis failed: bad token")
	})

	key := Key{Kind: kindParse, File: "f"}
	_, diags, err := e.Request(context.Background(), key)
	require.Error(t, err)
	require.NotEmpty(t, diags)
	assert.Contains(t, diags[0].Message, "bad token")

	// Errored entries are valid-but-errored: no re-invocation.
	_, _, err = e.Request(context.Background(), key)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRulePanic_RecoveredAndCached(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int64
	e.Register(kindParse, func(_ context.Context, _ Key, _ *Env) (*Result, error) {
		calls.Add(1)
		panic("boom")
	})

	key := Key{Kind: kindParse, File: "f"}
	_, _, err := e.Request(context.Background(), key)
	var ae *AnalysisError
	require.ErrorAs(t, err, &ae)

	_, _, err = e.Request(context.Background(), key)
	require.ErrorAs(t, err, &ae)
	assert.EqualValues(t, 1, calls.Load())
}

func TestErroredDependency_SeenAsDataByDependents(t *testing.T) {
	e := newTestEngine(t)
	registerParse(e)

	var sawErr error
	e.Register(kindCheck, func(_ context.Context, key Key, env *Env) (*Result, error) {
		_, err := env.Get(Key{Kind: kindParse, File: key.File})
		sawErr = err
		return &Result{Value: "degraded", Fingerprint: FingerprintStrings("degraded")}, nil
	})

	// Parse of a missing file caches a MissingFileError entry.
	key := Key{Kind: kindCheck, File: filepath.Join(t.TempDir(), "absent.src")}
	val, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "degraded", val)
	var missing *MissingFileError
	require.ErrorAs(t, sawErr, &missing)
}

func TestCancellation_DiscardsInFlightComputation(t *testing.T) {
	e := newTestEngine(t)

	e.Register(kindParse, func(ctx context.Context, _ Key, _ *Env) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	key := Key{Kind: kindParse, File: "f"}
	_, _, err := e.Request(ctx, key)
	require.ErrorIs(t, err, context.Canceled)

	// Nothing was cached; the next request recomputes.
	_, ok := e.store.lookup(key)
	assert.False(t, ok)
}

func TestClientConfig_EqualBlobKeepsIdentity(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int64
	e.Register(kindCheck, func(_ context.Context, _ Key, env *Env) (*Result, error) {
		calls.Add(1)
		cfg, err := env.ClientConfig()
		if err != nil {
			return nil, err
		}
		return &Result{Value: cfg, Fingerprint: FingerprintStrings(fmt.Sprintf("%v", cfg))}, nil
	})

	e.SetClientConfig(map[string]any{"lint": true})
	key := Key{Kind: kindCheck, File: "f"}
	_, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	// Deep-equal blob: config entry recomputes but identity is unchanged,
	// so the dependent does not.
	e.SetClientConfig(map[string]any{"lint": true})
	_, _, err = e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	// Different blob invalidates.
	e.SetClientConfig(map[string]any{"lint": false})
	_, _, err = e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFileVersionFlag_DoesNotAffectCacheIdentity(t *testing.T) {
	e := newTestEngine(t)

	missingPath := filepath.Join(t.TempDir(), "absent.src")
	var reported []Diagnostic
	e.Register(kindCheck, func(_ context.Context, key Key, env *Env) (*Result, error) {
		report := key.File == "with-flag"
		_, _ = env.FileVersion(missingPath, report)
		return &Result{Value: nil, Fingerprint: FingerprintStrings(key.File)}, nil
	})

	_, diags, err := e.Request(context.Background(), Key{Kind: kindCheck, File: "with-flag"})
	require.NoError(t, err)
	reported = diags
	require.NotEmpty(t, reported)
	assert.Contains(t, reported[0].Message, "file not found")

	_, diags, err = e.Request(context.Background(), Key{Kind: kindCheck, File: "without-flag"})
	require.NoError(t, err)
	assert.Empty(t, diags)

	// Both flag values resolved through one cached version entry.
	_, ok := e.store.lookup(Key{Kind: KindFileVersion, File: missingPath})
	assert.True(t, ok)
	count := 0
	e.store.mu.RLock()
	for k := range e.store.entries {
		if k.Kind == KindFileVersion && k.File == missingPath {
			count++
		}
	}
	e.store.mu.RUnlock()
	assert.Equal(t, 1, count)
}

func TestValidate_TransitiveLazyRevalidation(t *testing.T) {
	e := newTestEngine(t)
	parseCalls := registerParse(e)
	checkCalls := registerCheck(e)

	dir := t.TempDir()
	path := writeFile(t, dir, "m.src", "module m")
	key := Key{Kind: kindCheck, File: path}

	_, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)

	// Touch without changing bytes: the version fingerprint changes but
	// the content hash does not. Parse is shielded by the content hash
	// and check by parse's fingerprint.
	time.Sleep(5 * time.Millisecond)
	writeFile(t, dir, "m.src", "module m")
	e.NotifyFileChanged(path, OnDisk)

	_, _, err = e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, parseCalls.Load())
	assert.EqualValues(t, 1, checkCalls.Load())
}
