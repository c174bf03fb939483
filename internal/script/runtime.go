// Package script runs user-provided Risor lint scripts as an engine rule.
// Scripts receive the file's source and a tree-sitter surface (parse_src,
// query, node_text) plus a report function; everything a script reports
// becomes a diagnostic with the "lint" source tag.
package script

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
	"go.uber.org/zap"

	"github.com/jward/cambium"
	"github.com/jward/cambium/internal/lang"
)

// Runtime embeds a Risor VM with tree-sitter host functions for lint
// scripts. A Runtime is safe for concurrent rule invocations; per-run state
// lives in the globals built for each evaluation.
type Runtime struct {
	scriptsDir string
	fsys       fs.FS
	scripts    []string
	sources    *sourceStore
	logger     *zap.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeFS loads scripts from an fs.FS instead of from disk. Also
// configures the Risor importer so script import statements resolve inside
// the same FS.
func WithRuntimeFS(fsys fs.FS) RuntimeOption {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// WithScripts names the lint scripts to run per file, relative to the
// scripts directory or FS root.
func WithScripts(paths ...string) RuntimeOption {
	return func(r *Runtime) {
		r.scripts = append(r.scripts, paths...)
	}
}

// WithRuntimeLogger sets the runtime's logger. Defaults to a no-op.
func WithRuntimeLogger(l *zap.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = l
	}
}

// NewRuntime creates a Runtime loading scripts from scriptsDir.
func NewRuntime(scriptsDir string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		scriptsDir: scriptsDir,
		sources:    newSourceStore(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DiscoverScripts lists the .risor files under the scripts directory, in
// sorted order, so deployments can drop scripts in without listing them.
func (r *Runtime) DiscoverScripts() ([]string, error) {
	var names []string
	collect := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".risor") {
			names = append(names, path)
		}
		return nil
	}

	if r.fsys != nil {
		if err := fs.WalkDir(r.fsys, ".", collect); err != nil {
			return nil, fmt.Errorf("script: discovering scripts: %w", err)
		}
	} else {
		err := filepath.WalkDir(r.scriptsDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, relErr := filepath.Rel(r.scriptsDir, path)
			if relErr != nil {
				return relErr
			}
			return collect(rel, d, nil)
		})
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("script: discovering scripts: %w", err)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Rule returns the lint rule: it runs every configured script against the
// file's content and collects reported findings as diagnostics. Identity is
// the finding set, so a content edit that changes no finding cuts off
// downstream consumers.
func (r *Runtime) Rule() cambium.Rule {
	return func(ctx context.Context, key cambium.Key, env *cambium.Env) (*cambium.Result, error) {
		content, err := env.FileContent(key.File)
		if err != nil {
			return nil, err
		}
		language, ok := lang.LanguageForFile(key.File)
		if !ok {
			return &cambium.Result{Fingerprint: cambium.FingerprintStrings("lint", "unsupported")}, nil
		}

		var findings []cambium.Diagnostic
		report := makeReportFn(key.File, &findings)

		for _, name := range r.scripts {
			src, err := r.LoadScript(name)
			if err != nil {
				return nil, err
			}
			globals := map[string]any{
				"src":      string(content),
				"path":     key.File,
				"language": language,
				"report":   report,
			}
			if err := r.eval(ctx, src, name, globals); err != nil {
				return nil, err
			}
		}

		parts := make([]string, 0, len(findings))
		for _, d := range findings {
			parts = append(parts, fmt.Sprintf("%d:%d:%d:%s", d.Severity, d.Range.Start.Line, d.Range.Start.Col, d.Message))
		}
		return &cambium.Result{
			Value:       len(findings),
			Fingerprint: cambium.FingerprintStrings(append([]string{"lint"}, parts...)...),
			Diagnostics: findings,
		}, nil
	}
}

// RunSource executes Risor source directly with the standard globals plus
// extras. Used by tests and one-off script debugging.
func (r *Runtime) RunSource(ctx context.Context, source string, extraGlobals map[string]any) error {
	return r.eval(ctx, source, "<inline>", extraGlobals)
}

func (r *Runtime) eval(ctx context.Context, source, label string, extraGlobals map[string]any) error {
	globals := r.buildGlobals(extraGlobals)

	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	if _, err := risor.Eval(ctx, source, opts...); err != nil {
		return fmt.Errorf("script: %s: %w", label, err)
	}
	return nil
}

func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{".risor"},
		})
	}
	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// LoadScript reads a .risor file. When an fs.FS is configured, the path is
// resolved inside it; otherwise relative paths resolve under scriptsDir.
func (r *Runtime) LoadScript(path string) (string, error) {
	if r.fsys != nil {
		fsPath := strings.TrimPrefix(filepath.ToSlash(path), "/")
		data, err := fs.ReadFile(r.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("script: loading %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(r.scriptsDir, path)
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("script: loading %s: %w", fullPath, err)
	}
	return string(data), nil
}

// buildGlobals constructs the globals exposed to every script evaluation.
func (r *Runtime) buildGlobals(extra map[string]any) map[string]any {
	globals := map[string]any{
		"parse_src":  makeParseSrcFn(r.sources),
		"node_text":  makeNodeTextFn(r.sources),
		"node_child": makeNodeChildFn(),
		"query":      makeQueryFn(r.sources),
		"log":        mustProxy(&logObject{logger: r.logger}),
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("script: proxy error: %v", err))
	}
	return p
}
