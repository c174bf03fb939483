// Package lang is the demonstration frontend for the cambium engine: a
// tree-sitter rule set computing parse, import-resolution, dependency
// closure, and per-file check artifacts. The engine stays a generic
// substrate; this package is what a real deployment registers into it.
package lang

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jward/cambium"
)

// Key kinds registered by the frontend. KindLint's rule lives in
// internal/script; the constant lives here so the check rule can depend on
// it without importing the script runtime.
const (
	KindParse   cambium.Kind = "lang/parse"
	KindImports cambium.Kind = "lang/imports"
	KindClosure cambium.Kind = "lang/closure"
	KindCheck   cambium.Kind = "lang/check"
	KindLint    cambium.Kind = "lang/lint"
)

// ResolvedImport pairs an import with the workspace file it names, or ""
// for external packages and resolution failures.
type ResolvedImport struct {
	Import
	File string
}

// CheckSummary is the value of a check artifact; the findings themselves
// travel as diagnostics.
type CheckSummary struct {
	Imports   int
	Closure   int
	HasErrors bool
}

// Frontend registers the language rule set against a workspace root.
type Frontend struct {
	root      string
	languages map[string]bool // nil means all supported languages
	lint      bool
}

// Option configures a Frontend.
type Option func(*Frontend)

// WithLanguages restricts which languages the Frontend will analyze.
func WithLanguages(languages ...string) Option {
	return func(f *Frontend) {
		f.languages = make(map[string]bool, len(languages))
		for _, l := range languages {
			f.languages[l] = true
		}
	}
}

// WithLint makes the check rule pull the KindLint artifact as well. The
// lint rule itself must be registered separately (see internal/script).
func WithLint(enabled bool) Option {
	return func(f *Frontend) {
		f.lint = enabled
	}
}

// New creates a Frontend for the given workspace root.
func New(root string, opts ...Option) *Frontend {
	f := &Frontend{root: root}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register installs the frontend's rules into the engine.
func (f *Frontend) Register(e *cambium.Engine) {
	e.Register(KindParse, f.parseRule)
	e.Register(KindImports, f.importsRule)
	e.Register(KindClosure, f.closureRule)
	e.Register(KindCheck, f.checkRule)
}

func (f *Frontend) supported(path string) (string, error) {
	language, ok := LanguageForFile(path)
	if !ok {
		return "", fmt.Errorf("unsupported file type: %s", path)
	}
	if f.languages != nil && !f.languages[language] {
		return "", fmt.Errorf("language %s filtered out", language)
	}
	return language, nil
}

// parseRule computes the Module artifact. Identity is the AST shape
// fingerprint, so whitespace and comment edits stop propagating here.
func (f *Frontend) parseRule(ctx context.Context, key cambium.Key, env *cambium.Env) (*cambium.Result, error) {
	language, err := f.supported(key.File)
	if err != nil {
		return nil, err
	}

	content, err := env.FileContent(key.File)
	if err != nil {
		return nil, err
	}

	m, err := parseModule(ctx, key.File, language, content)
	if err != nil {
		return nil, err
	}
	return &cambium.Result{Value: m, Fingerprint: m.Shape}, nil
}

// importsRule resolves each import to a workspace file, probing candidates
// through the engine so candidate creation or deletion invalidates the
// resolution. Identity covers (path, resolved file) pairs only; positions
// are carried in the value but stay out of the fingerprint.
func (f *Frontend) importsRule(_ context.Context, key cambium.Key, env *cambium.Env) (*cambium.Result, error) {
	v, err := env.Get(cambium.Key{Kind: KindParse, File: key.File})
	if err != nil {
		return nil, err
	}
	m := v.(*Module)

	resolved := make([]ResolvedImport, 0, len(m.Imports))
	parts := make([]string, 0, 2*len(m.Imports))
	for _, imp := range m.Imports {
		ri := ResolvedImport{Import: imp}
		for _, candidate := range importCandidates(f.root, key.File, m.Language, imp.Path) {
			if _, err := env.FileVersion(candidate, false); err == nil {
				ri.File = candidate
				break
			}
		}
		resolved = append(resolved, ri)
		parts = append(parts, imp.Path, ri.File)
	}

	return &cambium.Result{
		Value:       resolved,
		Fingerprint: cambium.FingerprintStrings(parts...),
	}, nil
}

// closureRule computes the transitive dependency closure. The recursion
// through Env.Get is where import cycles surface; the engine's call-path
// check turns them into CycleError instead of unbounded recursion.
func (f *Frontend) closureRule(_ context.Context, key cambium.Key, env *cambium.Env) (*cambium.Result, error) {
	v, err := env.Get(cambium.Key{Kind: KindImports, File: key.File})
	if err != nil {
		return nil, err
	}
	imports := v.([]ResolvedImport)

	set := map[string]bool{key.File: true}
	for _, ri := range imports {
		if ri.File == "" {
			continue
		}
		sub, err := env.Get(cambium.Key{Kind: KindClosure, File: ri.File})
		if err != nil {
			return nil, err
		}
		for _, file := range sub.([]string) {
			set[file] = true
		}
	}

	files := make([]string, 0, len(set))
	for file := range set {
		files = append(files, file)
	}
	sort.Strings(files)

	return &cambium.Result{
		Value:       files,
		Fingerprint: cambium.FingerprintStrings(files...),
	}, nil
}

// checkRule is the per-file diagnostics round: syntax errors, unresolved
// local imports, missing file, and (through the closure dependency) cycle
// membership. It degrades instead of failing: errored dependencies become
// findings, so the check artifact itself stays well-typed.
func (f *Frontend) checkRule(_ context.Context, key cambium.Key, env *cambium.Env) (*cambium.Result, error) {
	summary := CheckSummary{}
	var diags []cambium.Diagnostic

	v, err := env.Get(cambium.Key{Kind: KindParse, File: key.File})
	if err != nil {
		var missing *cambium.MissingFileError
		if errors.As(err, &missing) {
			diags = append(diags, cambium.Diagnostic{
				Severity: cambium.SeverityError,
				Message:  err.Error(),
				Source:   "check",
			})
			return f.checkResult(summary, diags)
		}
		return nil, err
	}
	m := v.(*Module)

	for _, r := range m.SyntaxErrors {
		diags = append(diags, cambium.Diagnostic{
			Severity: cambium.SeverityError,
			Range:    r,
			Message:  "syntax error",
			Source:   "check",
		})
	}
	summary.HasErrors = len(m.SyntaxErrors) > 0

	iv, err := env.Get(cambium.Key{Kind: KindImports, File: key.File})
	if err != nil {
		return nil, err
	}
	imports := iv.([]ResolvedImport)
	summary.Imports = len(imports)
	for _, ri := range imports {
		if ri.File == "" && localImport(ri.Path) {
			diags = append(diags, cambium.Diagnostic{
				Severity: cambium.SeverityWarning,
				Range:    ri.Range,
				Message:  fmt.Sprintf("unresolved import %q", ri.Path),
				Source:   "check",
			})
		}
	}

	cv, err := env.Get(cambium.Key{Kind: KindClosure, File: key.File})
	switch {
	case err == nil:
		summary.Closure = len(cv.([]string))
	default:
		var cyc *cambium.CycleError
		if !errors.As(err, &cyc) {
			return nil, err
		}
		// The closure entry already carries the cycle diagnostic for this
		// file; the summary just records the degradation.
		summary.HasErrors = true
	}

	if f.lint {
		// Lint findings and lint failures travel on the lint entry's own
		// contribution; the dependency only ties the rounds together.
		_, _ = env.Get(cambium.Key{Kind: KindLint, File: key.File})
	}

	return f.checkResult(summary, diags)
}

func (f *Frontend) checkResult(summary CheckSummary, diags []cambium.Diagnostic) (*cambium.Result, error) {
	parts := []string{
		fmt.Sprintf("%d/%d/%v", summary.Imports, summary.Closure, summary.HasErrors),
	}
	for _, d := range diags {
		parts = append(parts, fmt.Sprintf("%d:%s:%s", d.Severity, d.Message, rangeKey(d.Range)))
	}
	return &cambium.Result{
		Value:       summary,
		Fingerprint: cambium.FingerprintStrings(parts...),
		Diagnostics: diags,
	}, nil
}

func rangeKey(r cambium.Range) string {
	return strings.Join([]string{
		fmt.Sprint(r.Start.Line), fmt.Sprint(r.Start.Col),
		fmt.Sprint(r.End.Line), fmt.Sprint(r.End.Col),
	}, ".")
}
