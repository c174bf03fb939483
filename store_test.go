package cambium

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactStore_CommitLookupForget(t *testing.T) {
	s := newArtifactStore()
	key := Key{Kind: "k", File: "f"}

	_, ok := s.lookup(key)
	assert.False(t, ok)

	s.commit(&Entry{Key: key, Fingerprint: FingerprintStrings("v1")})
	ent, ok := s.lookup(key)
	require.True(t, ok)
	assert.Equal(t, FingerprintStrings("v1"), ent.Fingerprint)

	// Commit replaces; the dependency snapshot is whatever the new entry
	// carries, never a merge.
	s.commit(&Entry{Key: key, Fingerprint: FingerprintStrings("v2"), Deps: []Dep{{Key: Key{Kind: "d"}}}})
	ent, _ = s.lookup(key)
	assert.Equal(t, FingerprintStrings("v2"), ent.Fingerprint)
	assert.Len(t, ent.Deps, 1)

	s.forget(key)
	_, ok = s.lookup(key)
	assert.False(t, ok)
}

func TestArtifactStore_ConcurrentReadersAndWriters(t *testing.T) {
	s := newArtifactStore()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		key := Key{Kind: "k", File: string(rune('a' + i))}
		go func() {
			defer wg.Done()
			for range 100 {
				s.commit(&Entry{Key: key})
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				s.lookup(key)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, s.len())
}

func TestFingerprintStrings_LengthFramed(t *testing.T) {
	assert.NotEqual(t, FingerprintStrings("ab", "c"), FingerprintStrings("a", "bc"))
	assert.Equal(t, FingerprintStrings("a", "b"), FingerprintStrings("a", "b"))
}

func TestFingerprintRoundTrip(t *testing.T) {
	f := FingerprintBytes([]byte("content"))
	parsed, err := ParseFingerprint(f.String())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)

	_, err = ParseFingerprint("zz")
	assert.Error(t, err)
}
