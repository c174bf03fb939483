package cambium

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestVersion(t *testing.T, e *Engine, path string) FileVersion {
	t.Helper()
	v, _, err := e.Request(context.Background(), Key{Kind: KindFileVersion, File: path})
	require.NoError(t, err)
	return v.(FileVersion)
}

func TestFileVersion_OnDiskCompositeMtime(t *testing.T) {
	e := newTestEngine(t)
	path := writeFile(t, t.TempDir(), "m.src", "module m")

	v := requestVersion(t, e, path)
	assert.False(t, v.Overlay)
	assert.False(t, v.Missing)
	assert.EqualValues(t, len("module m"), v.Size)
	assert.False(t, v.Fingerprint().IsZero())
}

func TestFileVersion_MissingIsCacheableData(t *testing.T) {
	e := newTestEngine(t)
	path := t.TempDir() + "/absent.src"

	v := requestVersion(t, e, path)
	assert.True(t, v.Missing)

	// Cached: a second request hits the entry, same fingerprint.
	v2 := requestVersion(t, e, path)
	assert.Equal(t, v.Fingerprint(), v2.Fingerprint())
	assert.Equal(t, 1, e.CachedEntries())
}

func TestSetOverlay_SupersedesDiskAndBumpsVersion(t *testing.T) {
	e := newTestEngine(t)
	path := writeFile(t, t.TempDir(), "m.src", "module disk")

	e.SetOverlay(path, []byte("module overlay"))
	v := requestVersion(t, e, path)
	assert.True(t, v.Overlay)
	assert.EqualValues(t, 1, v.Version)

	content, _, err := e.Request(context.Background(), Key{Kind: KindFileContent, File: path})
	require.NoError(t, err)
	assert.Equal(t, []byte("module overlay"), content)

	e.SetOverlay(path, []byte("module overlay 2"))
	v2 := requestVersion(t, e, path)
	assert.EqualValues(t, 2, v2.Version)
	assert.NotEqual(t, v.Fingerprint(), v2.Fingerprint())
}

func TestNotifyFileChanged_OnDiskDropsOverlay(t *testing.T) {
	e := newTestEngine(t)
	path := writeFile(t, t.TempDir(), "m.src", "module disk")

	e.SetOverlay(path, []byte("module overlay"))
	require.True(t, requestVersion(t, e, path).Overlay)

	// Save: buffer content now lives on disk, identity reverts to mtime.
	e.NotifyFileChanged(path, OnDisk)
	v := requestVersion(t, e, path)
	assert.False(t, v.Overlay)

	content, _, err := e.Request(context.Background(), Key{Kind: KindFileContent, File: path})
	require.NoError(t, err)
	assert.Equal(t, []byte("module disk"), content)
}

func TestNotifyFileChanged_OfInterestSnapshotsDisk(t *testing.T) {
	e := newTestEngine(t)
	path := writeFile(t, t.TempDir(), "m.src", "module disk")

	e.NotifyFileChanged(path, OfInterest)
	v := requestVersion(t, e, path)
	assert.True(t, v.Overlay)

	content, _, err := e.Request(context.Background(), Key{Kind: KindFileContent, File: path})
	require.NoError(t, err)
	assert.Equal(t, []byte("module disk"), content)
}

func TestFileContent_MissingFileError(t *testing.T) {
	e := newTestEngine(t)
	path := t.TempDir() + "/absent.src"

	_, _, err := e.Request(context.Background(), Key{Kind: KindFileContent, File: path})
	var missing *MissingFileError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, path, missing.Path)
}

func TestInvalidation_IsPullBased(t *testing.T) {
	e := newTestEngine(t)
	parseCalls := registerParse(e)

	path := writeFile(t, t.TempDir(), "m.src", "module m")
	key := Key{Kind: kindParse, File: path}

	_, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)
	require.EqualValues(t, 1, parseCalls.Load())

	// Edits only invalidate; no recomputation happens until the next
	// request pulls it.
	e.SetOverlay(path, []byte("module edited"))
	e.SetOverlay(path, []byte("module edited twice"))
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, parseCalls.Load())

	val, _, err := e.Request(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []string{"module", "edited", "twice"}, val)
	assert.EqualValues(t, 2, parseCalls.Load())
}
