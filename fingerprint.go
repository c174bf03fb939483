package cambium

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Fingerprint is a cheap comparison token standing in for a computed
// value's identity. Equality is the only defined operation; the bytes are
// never interpreted. The zero Fingerprint is "no identity" and compares
// unequal to every computed fingerprint, so dependency edges recorded
// against it (cycle back edges) are permanently stale.
type Fingerprint [32]byte

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// String returns the hex form, for logs and the persisted index.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint decodes the hex form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("parse fingerprint: got %d bytes, want %d", len(b), len(f))
	}
	copy(f[:], b)
	return f, nil
}

// FingerprintBytes fingerprints raw content.
func FingerprintBytes(b []byte) Fingerprint {
	return sha256.Sum256(b)
}

// FingerprintStrings fingerprints a sequence of field-tagged strings. Each
// part is written with its length so ("ab","c") and ("a","bc") differ.
func FingerprintStrings(parts ...string) Fingerprint {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// FileVersion is the value of a KindFileVersion entry: the content identity
// of one file. For a file of interest it carries the overlay version
// counter; for an on-disk file a composite of modification-time units and
// size, compared but never interpreted as wall clock. A missing file is a
// valid, cacheable version — not an error — so rules can react to absence
// as data.
type FileVersion struct {
	Overlay bool
	Version int64 // overlay edit counter, meaningful when Overlay

	ModSec  int64 // on-disk composite, meaningful when !Overlay && !Missing
	ModNsec int64
	Size    int64

	Missing bool
}

// Fingerprint derives the comparison token for this version.
func (v FileVersion) Fingerprint() Fingerprint {
	switch {
	case v.Missing:
		return FingerprintStrings("missing")
	case v.Overlay:
		return FingerprintStrings("overlay", fmt.Sprintf("%d", v.Version))
	default:
		return FingerprintStrings("disk",
			fmt.Sprintf("%d.%d.%d", v.ModSec, v.ModNsec, v.Size))
	}
}
