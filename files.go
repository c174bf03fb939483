package cambium

import (
	"context"
	"os"
	"sync"
)

// FileStatus says how a file's content identity is derived.
type FileStatus int

const (
	// OnDisk files fingerprint by composite modification time; their
	// content is read from the filesystem.
	OnDisk FileStatus = iota

	// OfInterest files are open in the client; content comes from the
	// overlay buffer and identity from its edit-version counter.
	OfInterest
)

// overlay is the buffer backing one file of interest.
type overlay struct {
	content []byte
	version int64
}

// fileTracker distinguishes files of interest from on-disk files and owns
// the overlay buffers.
type fileTracker struct {
	mu       sync.RWMutex
	overlays map[string]*overlay
}

func newFileTracker() *fileTracker {
	return &fileTracker{overlays: make(map[string]*overlay)}
}

func (t *fileTracker) get(file string) (overlay, bool) {
	t.mu.RLock()
	ov, ok := t.overlays[file]
	t.mu.RUnlock()
	if !ok {
		return overlay{}, false
	}
	return *ov, true
}

func (t *fileTracker) setOverlay(file string, content []byte) {
	t.mu.Lock()
	ov, ok := t.overlays[file]
	if !ok {
		ov = &overlay{}
		t.overlays[file] = ov
	}
	ov.content = content
	ov.version++
	t.mu.Unlock()
}

func (t *fileTracker) drop(file string) {
	t.mu.Lock()
	delete(t.overlays, file)
	t.mu.Unlock()
}

// SetOverlay installs new buffer content for a file of interest, bumping
// its edit version. The file's root entries are forgotten; dependents are
// invalidated lazily by the next request — no eager recomputation.
func (e *Engine) SetOverlay(file string, content []byte) {
	e.files.setOverlay(file, content)
	e.invalidateFile(file)
}

// NotifyFileChanged is the external invalidation entry point: the protocol
// layer calls it on open/close/save or when a watcher reports a disk
// change. Transitioning to OfInterest without content snapshots the current
// disk bytes as the initial buffer.
func (e *Engine) NotifyFileChanged(file string, status FileStatus) {
	switch status {
	case OfInterest:
		if _, ok := e.files.get(file); !ok {
			content, err := os.ReadFile(file)
			if err != nil {
				content = nil
			}
			e.files.setOverlay(file, content)
		}
	case OnDisk:
		e.files.drop(file)
	}
	e.invalidateFile(file)
}

// invalidateFile forgets the file's root entries. Everything derived from
// them revalidates against the new fingerprints on its next request.
func (e *Engine) invalidateFile(file string) {
	e.store.forget(Key{Kind: KindFileVersion, File: file})
	e.store.forget(Key{Kind: KindFileContent, File: file})
}

// fileVersionRule is the fingerprint oracle. It has no dependencies; its
// entries change only through invalidateFile.
func (e *Engine) fileVersionRule(_ context.Context, key Key, _ *Env) (*Result, error) {
	if ov, ok := e.files.get(key.File); ok {
		v := FileVersion{Overlay: true, Version: ov.version}
		return &Result{Value: v, Fingerprint: v.Fingerprint()}, nil
	}

	info, err := os.Stat(key.File)
	if err != nil {
		// Missing is data, not an error: the version caches like any
		// other result so dependents can react to absence.
		v := FileVersion{Missing: true}
		return &Result{Value: v, Fingerprint: v.Fingerprint()}, nil
	}
	mt := info.ModTime()
	v := FileVersion{ModSec: mt.Unix(), ModNsec: int64(mt.Nanosecond()), Size: info.Size()}
	return &Result{Value: v, Fingerprint: v.Fingerprint()}, nil
}

// fileContentRule yields the file's bytes, fingerprinted by content hash so
// a touch that rewrites identical bytes cuts off downstream work.
func (e *Engine) fileContentRule(_ context.Context, key Key, env *Env) (*Result, error) {
	v, err := env.Get(Key{Kind: KindFileVersion, File: key.File})
	if err != nil {
		return nil, err
	}
	fv := v.(FileVersion)

	if fv.Missing {
		return nil, &MissingFileError{Path: key.File}
	}
	if fv.Overlay {
		ov, ok := e.files.get(key.File)
		if !ok {
			// Closed between the version read and here; next request
			// sees the new version and recomputes.
			return nil, &MissingFileError{Path: key.File}
		}
		return &Result{Value: ov.content, Fingerprint: FingerprintBytes(ov.content)}, nil
	}

	content, err := os.ReadFile(key.File)
	if err != nil {
		return nil, &MissingFileError{Path: key.File}
	}
	return &Result{Value: content, Fingerprint: FingerprintBytes(content)}, nil
}
