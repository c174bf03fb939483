package cambium

// Kind tags one rule in the registry. Each kind fixes the shape of the
// value its rule produces; dispatch is by tag, never by reflection.
type Kind string

// Built-in kinds owned by the engine itself. Everything else is registered
// by the embedding application.
const (
	// KindFileVersion is the root input of every derived computation: the
	// identity of a file's current content, either an overlay version
	// counter (file of interest) or a composite modification time (on
	// disk). Its value is a FileVersion.
	KindFileVersion Kind = "file/version"

	// KindFileContent is the file's bytes, fingerprinted by content hash.
	// Depends on KindFileVersion.
	KindFileContent Kind = "file/content"

	// KindClientConfig is the always-equal-identity configuration key. Its
	// value is whatever blob was last passed to SetClientConfig; identity
	// is deep equality against that blob, not a hash of it.
	KindClientConfig Kind = "client/config"
)

// Key identifies one unit of derived, cacheable work. Keys are comparable
// and used directly as map keys; two keys are the same cache entry iff the
// struct values are equal. Per-request concerns (such as whether a missing
// file should surface a diagnostic) never appear here.
type Key struct {
	Kind Kind
	File string
}

// Value is an opaque rule result. The engine never inspects it; identity
// lives in the fingerprint.
type Value any

// Severity of a diagnostic.
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
	SeverityInfo
	SeverityHint
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityHint:
		return "hint"
	}
	return "unknown"
}

// Position is a zero-based line/column pair.
type Position struct {
	Line int
	Col  int
}

// Range is a half-open [Start, End) span in a file.
type Range struct {
	Start Position
	End   Position
}

// Diagnostic is one finding attached to a file. File may differ from the
// principal file of the key that produced it (a cycle rule reports on every
// member of the cycle). Source tags the producer and is what the publisher's
// provisional-tag policy matches against.
type Diagnostic struct {
	File     string
	Severity Severity
	Range    Range
	Message  string
	Source   string
}
