package cambium

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PublishFunc receives one file's complete diagnostics set. The slice
// replaces everything previously published for that file; an empty slice
// clears it.
type PublishFunc func(file string, diags []Diagnostic)

// defaultDebounce is the hold window for provisional-only rounds when the
// embedder configures none.
const defaultDebounce = 500 * time.Millisecond

// publisher aggregates per-key diagnostics contributions by file and
// publishes each file's set atomically per round. A round whose set
// consists only of provisional-tagged diagnostics is held for the debounce
// window — downstream consumers should not see a transient partial
// snapshot when a more complete one is expected to follow. Empty sets and
// sets with any non-provisional diagnostic go out immediately.
type publisher struct {
	mu          sync.Mutex
	publish     PublishFunc
	debounce    time.Duration
	provisional map[string]bool
	logger      *zap.Logger

	// contributions is file → contributing key → that key's diagnostics
	// for the file. keyFiles is the reverse index so a recomputed key
	// retracts its old contributions from files it no longer reports on.
	contributions map[string]map[Key][]Diagnostic
	keyFiles      map[Key][]string

	last    map[string]Fingerprint // digest of the last published set per file
	pending map[string]*time.Timer
	stopped bool
}

func newPublisher() *publisher {
	return &publisher{
		debounce:      defaultDebounce,
		provisional:   make(map[string]bool),
		logger:        zap.NewNop(),
		contributions: make(map[string]map[Key][]Diagnostic),
		keyFiles:      make(map[Key][]string),
		last:          make(map[string]Fingerprint),
		pending:       make(map[string]*time.Timer),
	}
}

// setContribution replaces one key's diagnostics across all files it
// reports on. Files whose sets changed are added to the round so flush
// republishes them.
func (p *publisher) setContribution(key Key, diags []Diagnostic, rd *round) {
	byFile := make(map[string][]Diagnostic)
	for _, d := range diags {
		byFile[d.File] = append(byFile[d.File], d)
	}

	p.mu.Lock()
	for _, file := range p.keyFiles[key] {
		if _, still := byFile[file]; !still {
			delete(p.contributions[file], key)
			rd.touch(file)
		}
	}
	files := make([]string, 0, len(byFile))
	for file, ds := range byFile {
		m, ok := p.contributions[file]
		if !ok {
			m = make(map[Key][]Diagnostic)
			p.contributions[file] = m
		}
		m[key] = ds
		files = append(files, file)
		rd.touch(file)
	}
	p.keyFiles[key] = files
	p.mu.Unlock()
}

// flush publishes the merged set for every file the round touched,
// applying the provisional-hold and dedupe policies.
func (p *publisher) flush(rd *round) {
	rd.mu.Lock()
	files := make([]string, 0, len(rd.files))
	for f := range rd.files {
		files = append(files, f)
	}
	rd.mu.Unlock()
	sort.Strings(files)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, file := range files {
		p.flushFileLocked(file)
	}
}

func (p *publisher) flushFileLocked(file string) {
	if p.stopped || p.publish == nil {
		return
	}
	merged := p.mergedLocked(file)

	if len(merged) > 0 && p.allProvisionalLocked(merged) {
		// Hold: a fuller set is expected within the settling period. The
		// timer re-merges at expiry so it always emits the latest state.
		if t, ok := p.pending[file]; ok {
			t.Reset(p.debounce)
			return
		}
		p.pending[file] = time.AfterFunc(p.debounce, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.pending, file)
			if p.stopped || p.publish == nil {
				return
			}
			p.emitLocked(file, p.mergedLocked(file))
		})
		p.logger.Debug("held provisional round", zap.String("file", file))
		return
	}

	if t, ok := p.pending[file]; ok {
		t.Stop()
		delete(p.pending, file)
	}
	p.emitLocked(file, merged)
}

func (p *publisher) emitLocked(file string, merged []Diagnostic) {
	digest := digestDiagnostics(merged)
	if p.last[file] == digest {
		return
	}
	p.last[file] = digest
	p.logger.Debug("publish diagnostics",
		zap.String("file", file), zap.Int("count", len(merged)))
	p.publish(file, merged)
}

// mergedLocked unions all contributions for a file into one deterministic
// ordered set.
func (p *publisher) mergedLocked(file string) []Diagnostic {
	var merged []Diagnostic
	for _, ds := range p.contributions[file] {
		merged = append(merged, ds...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Range.Start != b.Range.Start {
			if a.Range.Start.Line != b.Range.Start.Line {
				return a.Range.Start.Line < b.Range.Start.Line
			}
			return a.Range.Start.Col < b.Range.Start.Col
		}
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Message < b.Message
	})
	// Drop exact duplicates from different keys.
	out := merged[:0]
	for i, d := range merged {
		if i > 0 && d == merged[i-1] {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (p *publisher) allProvisionalLocked(diags []Diagnostic) bool {
	if len(p.provisional) == 0 {
		return false
	}
	for _, d := range diags {
		if !p.provisional[d.Source] {
			return false
		}
	}
	return true
}

func (p *publisher) stop() {
	p.mu.Lock()
	p.stopped = true
	for file, t := range p.pending {
		t.Stop()
		delete(p.pending, file)
	}
	p.mu.Unlock()
}

func digestDiagnostics(diags []Diagnostic) Fingerprint {
	parts := make([]string, 0, len(diags))
	for _, d := range diags {
		parts = append(parts, fmt.Sprintf("%s|%d|%d.%d-%d.%d|%s|%s",
			d.File, d.Severity,
			d.Range.Start.Line, d.Range.Start.Col,
			d.Range.End.Line, d.Range.End.Col,
			d.Source, d.Message))
	}
	return FingerprintStrings(parts...)
}
