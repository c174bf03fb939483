package lang

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/cambium"
)

// Module is the parse artifact for one source file. Positions inside it
// describe the content the module was parsed from; its identity for cache
// purposes is the shape fingerprint, which ignores positions entirely.
type Module struct {
	Path     string
	Language string
	Missing  bool

	Imports      []Import
	SyntaxErrors []cambium.Range

	// Shape fingerprints the AST by named node types and leaf text,
	// skipping comments, so formatting-only edits keep the identity and
	// cut off everything downstream.
	Shape cambium.Fingerprint
}

// Import is one import declaration with the source range of its path.
type Import struct {
	Path  string
	Range cambium.Range
}

// parseModule parses src and extracts the Module artifact.
func parseModule(ctx context.Context, path, language string, src []byte) (*Module, error) {
	grammar, ok := ParserForLanguage(language)
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", language)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	root := tree.RootNode()

	m := &Module{
		Path:     path,
		Language: language,
		Shape:    shapeFingerprint(root, src),
	}
	m.Imports = extractImports(language, root, src)
	if root.HasError() {
		m.SyntaxErrors = collectSyntaxErrors(root)
	}
	return m, nil
}

// shapeFingerprint hashes the named AST structure: node types plus the text
// of leaf nodes, comments excluded. Whitespace and comment edits do not
// change it; any token-level change does.
func shapeFingerprint(root *sitter.Node, src []byte) cambium.Fingerprint {
	h := sha256.New()
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		t := n.Type()
		if t == "comment" || strings.HasSuffix(t, "_comment") {
			return
		}
		io.WriteString(h, t)
		io.WriteString(h, "(")
		if n.NamedChildCount() == 0 {
			io.WriteString(h, n.Content(src))
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
		io.WriteString(h, ")")
	}
	walk(root)

	var f cambium.Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// extractImports runs the language's import query over the tree.
func extractImports(language string, root *sitter.Node, src []byte) []Import {
	pattern, ok := importQueries[language]
	if !ok {
		return nil
	}
	grammar, _ := ParserForLanguage(language)

	q, err := sitter.NewQuery([]byte(pattern), grammar)
	if err != nil {
		// Query patterns are compiled-in; a failure here is a grammar
		// mismatch worth surfacing loudly during development.
		panic(fmt.Sprintf("lang: bad import query for %s: %v", language, err))
	}
	defer q.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q, root)

	var imports []Import
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		match = cursor.FilterPredicates(match, src)
		for _, capture := range match.Captures {
			node := capture.Node
			imports = append(imports, Import{
				Path:  strings.Trim(node.Content(src), `"'`),
				Range: rangeOf(node),
			})
		}
	}
	return imports
}

// collectSyntaxErrors walks the tree for ERROR and missing nodes.
func collectSyntaxErrors(root *sitter.Node) []cambium.Range {
	var errs []cambium.Range
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "ERROR" || n.IsMissing() {
			errs = append(errs, rangeOf(n))
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	return errs
}

func rangeOf(n *sitter.Node) cambium.Range {
	start, end := n.StartPoint(), n.EndPoint()
	return cambium.Range{
		Start: cambium.Position{Line: int(start.Row), Col: int(start.Column)},
		End:   cambium.Position{Line: int(end.Row), Col: int(end.Column)},
	}
}

// importCandidates lists the workspace files an import path could name,
// following language conventions relative to the importing file and the
// workspace root. Existence is not checked here: the imports rule probes
// each candidate through the engine so that creating a candidate later
// invalidates the resolution.
func importCandidates(root, fromFile, language, imp string) []string {
	var candidates []string
	dir := filepath.Dir(fromFile)

	switch language {
	case "javascript", "typescript":
		if !strings.HasPrefix(imp, ".") {
			return nil
		}
		base := filepath.Join(dir, imp)
		if filepath.Ext(base) != "" {
			candidates = append(candidates, base)
		} else {
			for _, ext := range []string{".ts", ".tsx", ".js", ".jsx"} {
				candidates = append(candidates, base+ext)
			}
		}
	case "python":
		rel := strings.TrimLeft(imp, ".")
		relPath := strings.ReplaceAll(rel, ".", string(filepath.Separator)) + ".py"
		if strings.HasPrefix(imp, ".") {
			candidates = append(candidates, filepath.Join(dir, relPath))
		} else {
			candidates = append(candidates, filepath.Join(root, relPath), filepath.Join(dir, relPath))
		}
	case "go":
		candidates = append(candidates,
			filepath.Join(root, imp+".go"),
			filepath.Join(root, imp, filepath.Base(imp)+".go"))
	}
	return candidates
}

// localImport reports whether an unresolved import should be diagnosed:
// relative imports name workspace files, so failing to resolve one is a
// finding; bare paths are assumed external.
func localImport(imp string) bool {
	return strings.HasPrefix(imp, ".")
}
