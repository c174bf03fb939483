package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jward/cambium"
	"github.com/jward/cambium/internal/index"
	"github.com/jward/cambium/internal/lang"
	"github.com/jward/cambium/internal/script"
)

var (
	flagDB      string
	flagFormat  string
	flagVerbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "cambium",
	Short:         "Incremental source analysis with dependency-tracked caching",
	Long:          "Cambium checks source files through an incremental rule engine: parse and import artifacts are cached with recorded dependencies, so repeated runs and watch sessions recompute only what an edit actually reaches.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
	// No Run — prints help by default.
}

var (
	flagLanguages  string
	flagLint       bool
	flagScriptsDir string
	flagJobs       int
)

func addAnalysisFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagLanguages, "languages", "", "comma-separated language filter (e.g. go,typescript)")
	cmd.Flags().BoolVar(&flagLint, "lint", false, "run Risor lint scripts as part of each check")
	cmd.Flags().StringVar(&flagScriptsDir, "scripts-dir", "", "lint scripts directory (default from config)")
	cmd.Flags().IntVar(&flagJobs, "jobs", 0, "max concurrent checks (default: number of CPUs)")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "index database path (default: .cambium/index.db relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: text|json")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	addAnalysisFlags(checkCmd)
	addAnalysisFlags(watchCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(watchCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Check a directory once and persist results",
	Long:  "Runs the check rule over every supported file, prints diagnostics, and records each file's result fingerprint in the index database so the next run can report what changed.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch a directory and re-check files as they change",
	Long:  "Performs an initial check, then watches the filesystem and re-runs the check rule for changed files. Only computations reached by an edit are redone.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

// session wires the engine, frontend, lint runtime, and index together for
// one command invocation.
type session struct {
	repoRoot  string
	cfg       Config
	languages map[string]bool
	jobs      int

	engine *cambium.Engine
	index  *index.Index
	logger *zap.Logger

	mu        sync.Mutex
	published map[string][]cambium.Diagnostic
	onPublish func(file string, diags []cambium.Diagnostic)
}

// newSession builds the analysis stack for repoRoot. Interactive sessions
// keep the provisional-hold policy for lint-only rounds; batch runs publish
// everything immediately since no fuller round is coming.
func newSession(targetDir string, interactive bool) (*session, error) {
	repoRoot := findRepoRoot(targetDir)
	cfg, err := loadConfig(repoRoot)
	if err != nil {
		return nil, err
	}

	s := &session{
		repoRoot:  repoRoot,
		cfg:       cfg,
		jobs:      flagJobs,
		published: make(map[string][]cambium.Diagnostic),
	}
	if s.jobs <= 0 {
		s.jobs = runtime.NumCPU()
	}

	languages := cfg.Languages
	if flagLanguages != "" {
		languages = nil
		for _, l := range strings.Split(flagLanguages, ",") {
			languages = append(languages, strings.TrimSpace(l))
		}
	}
	if len(languages) > 0 {
		s.languages = make(map[string]bool, len(languages))
		for _, l := range languages {
			s.languages[l] = true
		}
	}

	s.logger = zap.NewNop()
	if flagVerbose {
		s.logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
	}

	opts := []cambium.Option{
		cambium.WithLogger(s.logger),
		cambium.WithDebounce(time.Duration(cfg.DebounceMS) * time.Millisecond),
		cambium.WithPublisher(s.recordPublish),
	}
	if interactive {
		opts = append(opts, cambium.WithProvisionalSources(cfg.ProvisionalSources...))
	}
	s.engine = cambium.New(opts...)

	langOpts := []lang.Option{lang.WithLint(flagLint)}
	if len(languages) > 0 {
		langOpts = append(langOpts, lang.WithLanguages(languages...))
	}
	lang.New(repoRoot, langOpts...).Register(s.engine)

	if flagLint {
		if err := s.registerLint(); err != nil {
			s.engine.Close()
			return nil, err
		}
	}

	dbPath := flagDB
	if dbPath == "" {
		dbPath = cfg.DB
	}
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(repoRoot, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		s.engine.Close()
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(dbPath), err)
	}
	s.index, err = index.New(dbPath)
	if err != nil {
		s.engine.Close()
		return nil, err
	}
	if err := s.index.Migrate(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) registerLint() error {
	scriptsDir := flagScriptsDir
	if scriptsDir == "" {
		scriptsDir = s.cfg.ScriptsDir
	}
	if !filepath.IsAbs(scriptsDir) {
		scriptsDir = filepath.Join(s.repoRoot, scriptsDir)
	}

	names := s.cfg.LintScripts
	if len(names) == 0 {
		var err error
		names, err = script.NewRuntime(scriptsDir).DiscoverScripts()
		if err != nil {
			return err
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("lint enabled but no scripts found in %s", scriptsDir)
	}

	rt := script.NewRuntime(scriptsDir,
		script.WithScripts(names...),
		script.WithRuntimeLogger(s.logger))
	s.engine.Register(lang.KindLint, rt.Rule())
	return nil
}

func (s *session) recordPublish(file string, diags []cambium.Diagnostic) {
	s.mu.Lock()
	s.published[file] = diags
	hook := s.onPublish
	s.mu.Unlock()
	if hook != nil {
		hook(file, diags)
	}
}

func (s *session) close() {
	s.engine.Close()
	if s.index != nil {
		s.index.Close()
	}
	s.logger.Sync()
}

// checkAll requests the check artifact for every path with bounded
// concurrency. Request errors are logged, not fatal: one broken file must
// not abort the run.
func (s *session) checkAll(ctx context.Context, paths []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.jobs)
	for _, path := range paths {
		g.Go(func() error {
			_, _, err := s.engine.Request(ctx, cambium.Key{Kind: lang.KindCheck, File: path})
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("check failed",
					zap.String("file", path),
					zap.Error(err))
			}
			return ctx.Err()
		})
	}
	return g.Wait()
}

// snapshotFingerprint is the persisted identity of a file's published
// diagnostics set.
func snapshotFingerprint(diags []cambium.Diagnostic) cambium.Fingerprint {
	parts := make([]string, 0, len(diags))
	for _, d := range diags {
		parts = append(parts, fmt.Sprintf("%d:%d:%d:%s:%s",
			d.Severity, d.Range.Start.Line, d.Range.Start.Col, d.Message, d.Source))
	}
	return cambium.FingerprintStrings(append([]string{"snapshot"}, parts...)...)
}

// prune drops index records under targetDir for files this run no longer
// discovered, so deleted files don't report stale findings forever.
func (s *session) prune(targetDir string, paths []string) error {
	known := make(map[string]bool, len(paths))
	for _, p := range paths {
		known[p] = true
	}
	records, err := s.index.AllFiles()
	if err != nil {
		return err
	}
	prefix := targetDir + string(filepath.Separator)
	for _, r := range records {
		if !known[r.Path] && strings.HasPrefix(r.Path, prefix) {
			if err := s.index.DeleteFile(r.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// persist writes each checked file's snapshot to the index and reports how
// many were unchanged since the previous run.
func (s *session) persist(paths []string) (unchanged int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range paths {
		diags := s.published[path]
		fp := snapshotFingerprint(diags)
		prev, ok, err := s.index.FileFingerprint(path)
		if err != nil {
			return unchanged, err
		}
		if ok && prev == fp {
			unchanged++
		}
		language, _ := lang.LanguageForFile(path)
		if err := s.index.ReplaceFile(path, language, fp, diags); err != nil {
			return unchanged, err
		}
	}
	return unchanged, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	start := time.Now()

	targetDir, err := resolveTargetDir(args)
	if err != nil {
		return err
	}
	s, err := newSession(targetDir, false)
	if err != nil {
		return err
	}
	defer s.close()

	paths, err := listFiles(targetDir, s.languages)
	if err != nil {
		return err
	}

	if err := s.checkAll(cmd.Context(), paths); err != nil {
		return err
	}
	unchanged, err := s.persist(paths)
	if err != nil {
		return err
	}
	if err := s.prune(targetDir, paths); err != nil {
		return err
	}

	s.mu.Lock()
	out := checkOutput{
		Files:     buildReports(s.published),
		Checked:   len(paths),
		Unchanged: unchanged,
	}
	s.mu.Unlock()
	for _, r := range out.Files {
		out.Findings += len(r.Diagnostics)
		for _, d := range r.Diagnostics {
			if d.Severity == "error" {
				out.Errors++
			}
		}
	}

	switch flagFormat {
	case "json":
		if err := outputJSON(os.Stdout, out); err != nil {
			return err
		}
	default:
		outputText(os.Stdout, out)
	}
	fmt.Fprintf(os.Stderr, "Checked %s in %s\n", targetDir, time.Since(start).Round(time.Millisecond))

	if out.Errors > 0 {
		return fmt.Errorf("%d error findings", out.Errors)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	targetDir, err := resolveTargetDir(args)
	if err != nil {
		return err
	}
	s, err := newSession(targetDir, true)
	if err != nil {
		return err
	}
	defer s.close()

	// Live output: print each file's set as it is published.
	s.onPublish = func(file string, diags []cambium.Diagnostic) {
		if len(diags) == 0 {
			fmt.Printf("%s: clean\n", file)
			return
		}
		for _, d := range diags {
			r := renderDiagnostic(d)
			fmt.Printf("%s:%d:%d: %s: %s [%s]\n", file, r.Line, r.Col, r.Severity, r.Message, r.Source)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dirs, err := listDirs(targetDir)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	paths, err := listFiles(targetDir, s.languages)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Watching %s (%d files)\n", targetDir, len(paths))
	if err := s.checkAll(ctx, paths); err != nil && ctx.Err() == nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(s.jobs)
	recheck := func(path string) {
		g.Go(func() error {
			_, _, err := s.engine.Request(ctx, cambium.Key{Kind: lang.KindCheck, File: path})
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("check failed",
					zap.String("file", path),
					zap.Error(err))
			}
			return nil
		})
	}

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				g.Wait()
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					watcher.Add(ev.Name)
					continue
				}
			}
			if !wantFile(ev.Name, s.languages) {
				continue
			}
			s.engine.NotifyFileChanged(ev.Name, cambium.OnDisk)
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := s.index.DeleteFile(ev.Name); err != nil {
					s.logger.Warn("index delete failed",
						zap.String("file", ev.Name),
						zap.Error(err))
				}
				continue
			}
			recheck(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				g.Wait()
				return nil
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// resolveTargetDir returns the absolute path of the directory to check.
func resolveTargetDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding .git.
			return startDir
		}
		dir = parent
	}
}
