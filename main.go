// Command doctranslate translates Markdown documentation with an LLM, caching
// results between runs so unchanged content is never sent twice.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/minios-linux/doctranslate/cache"
	"github.com/minios-linux/doctranslate/config"
	"github.com/minios-linux/doctranslate/credential"
	"github.com/minios-linux/doctranslate/langmeta"
	"github.com/minios-linux/doctranslate/provider"
	"github.com/minios-linux/doctranslate/runner"
	"github.com/minios-linux/doctranslate/scan"
	"github.com/minios-linux/doctranslate/translate"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	rootDir    string
	configPath string
	verbose    bool
	logFormat  string
)

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "doctranslate",
		Short: "Translate Markdown documentation using AI",
		Long: `doctranslate translates a tree of Markdown documents into several
languages using a hosted LLM.

Only documents changed in the git working tree are translated, and every
translation is cached by content so unchanged text is never sent twice.
Several API keys can be used at once: requests rotate away from keys that
hit their quota.

Commands:
  translate   Translate changed documents
  status      Show configuration and what a run would do
  cache       Inspect or prune the translation cache
  keys        Manage stored API keys

Environment:
  GEMINI_API_KEY     Single API key
  GEMINI_API_KEYS    Comma-separated API keys
  TARGET_LANGUAGES   Comma-separated languages, overrides the config file
  FORCE_TRANSLATE    "true" to translate everything and ignore the cache`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(os.Stderr, verbose, logFormat)
		},
	}

	// Global persistent flags, inherited by all subcommands
	root.PersistentFlags().StringVar(&rootDir, "root", ".", "Project root directory")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <root>/"+config.DefaultPath+")")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	root.AddCommand(
		newTranslateCmd(),
		newStatusCmd(),
		newCacheCmd(),
		newKeysCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" %v\n", err)
		os.Exit(1)
	}
}

// setupLogging configures the standard logrus logger.
func setupLogging(w io.Writer, debug bool, format string) error {
	log.SetOutput(w)
	switch strings.ToLower(format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q (supported: text, json)", format)
	}
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	return nil
}

// ---------------------------------------------------------------------------
// version (display version information)
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("doctranslate version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

func newTranslateCmd() *cobra.Command {
	var (
		force        bool
		refreshCache bool
		dryRun       bool
		langs        string
		apiKey       string
		report       string
	)

	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate changed documents",
		Long: `Translate every changed Markdown document under the content directory
into each target language.

A document is translated when git reports it as modified (or git is not
available) and its output file is missing or older than the source. Each
translation is looked up in the cache first.

Examples:
  # Translate changed documents into the configured languages
  doctranslate translate

  # Only Japanese and Korean, with two keys
  GEMINI_API_KEYS=key1,key2 doctranslate translate --lang ja,ko

  # Retranslate everything and ignore cached results
  doctranslate translate --force

  # Show what would be translated
  doctranslate translate --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runTranslate(ctx, translateArgs{
				force: force, refreshCache: refreshCache, dryRun: dryRun,
				langs: langs, apiKey: apiKey, report: report,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Translate all documents, ignoring git status, output timestamps and the cache")
	cmd.Flags().BoolVar(&refreshCache, "refresh-cache", false, "Ignore cached translations (results are still stored)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be translated without calling the API")
	cmd.Flags().StringVar(&langs, "lang", "", "Languages to translate (comma-separated, default: from config)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key(s), comma-separated (or GEMINI_API_KEY / GEMINI_API_KEYS)")
	cmd.Flags().StringVar(&report, "report", "", "Write a YAML run report to this file")

	_ = cmd.RegisterFlagCompletionFunc("lang", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return langmeta.Codes(), cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

type translateArgs struct {
	force, refreshCache, dryRun bool
	langs, apiKey, report       string
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Warn("Interrupted, saving progress...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// project is the resolved state shared by every command.
type project struct {
	env   config.Env
	cfg   *config.Config
	cache *cache.Cache
}

// loadProject reads the environment and the config file and opens the cache.
// langs, when non-empty, overrides the target languages after
// TARGET_LANGUAGES.
func loadProject(langs string) (*project, error) {
	env, err := config.LoadEnv(rootDir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.SetLanguages(env.TargetLanguages)
	cfg.SetLanguages(langs)

	c := cache.Open(cache.OpenStore(projectPath(cfg.CacheFile)), log.WithField("component", "cache"))
	return &project{env: env, cfg: cfg, cache: c}, nil
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(rootDir, config.DefaultPath)
}

// projectPath resolves path against the project root.
func projectPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func (p *project) newRunner(tr runner.Translator, pool *credential.Pool, force bool) *runner.Runner {
	var detector scan.ChangeDetector = scan.AllModified{}
	if !force {
		detector = scan.NewChangeDetector(rootDir, log.WithField("component", "git"))
	}
	return runner.New(runner.Deps{
		Config:     p.cfg,
		Root:       rootDir,
		Translator: tr,
		Cache:      p.cache,
		Pool:       pool,
		Detector:   detector,
		Force:      force,
		Logger:     log.WithField("component", "runner"),
	})
}

func runTranslate(ctx context.Context, a translateArgs) error {
	proj, err := loadProject(a.langs)
	if err != nil {
		return err
	}
	cfg := proj.cfg

	force := a.force || proj.env.Force()
	proj.cache.SetRefresh(force || a.refreshCache)

	log.Infof("Target languages: %s", strings.Join(cfg.TargetLanguages, ", "))
	if force {
		log.Info("Force mode: translating all documents")
	}

	if a.dryRun {
		items, err := proj.newRunner(nil, nil, force).Plan()
		if err != nil {
			return err
		}
		printPlan(os.Stdout, items)
		return nil
	}

	keys := credential.Resolve(a.apiKey, proj.env.APIKey, proj.env.APIKeys)
	pool, err := credential.NewPool(keys)
	if err != nil {
		return fmt.Errorf("%w: set GEMINI_API_KEY or GEMINI_API_KEYS, pass --api-key, or run 'doctranslate keys add'", err)
	}
	log.Infof("Using %d API key(s)", pool.Len())

	prov, err := provider.New(provider.Config{Name: cfg.Provider, BaseURL: cfg.BaseURL})
	if err != nil {
		return err
	}
	prov = provider.WithBreaker(prov, cfg.BreakerFailureThreshold, log.WithField("component", "breaker"))
	prov = provider.WithRateLimit(prov, cfg.RequestsPerMinute)

	tr := translate.New(prov, pool, proj.cache, translate.Options{
		PrimaryModel:   cfg.PrimaryModel,
		FallbackModel:  cfg.FallbackModel,
		SourceLanguage: cfg.SourceLanguage,
		Subject:        cfg.Subject,
		RetryAttempts:  cfg.RetryAttempts,
		RequestDelay:   cfg.RequestDelay(),
	}, log.WithField("component", "translate"))

	sum, runErr := proj.newRunner(tr, pool, force).Run(ctx)
	if sum != nil {
		sum.Print(os.Stdout)
		if a.report != "" {
			if err := runner.WriteReport(a.report, sum); err != nil {
				log.WithError(err).Error("Failed to write report")
			} else {
				log.Infof("Report written to %s", a.report)
			}
		}
	}
	if runErr != nil {
		return fmt.Errorf("translation run: %w", runErr)
	}
	if sum.Failed() {
		return runner.ErrAllFailed
	}
	return nil
}

func printPlan(w io.Writer, items []runner.PlanItem) {
	counts := map[runner.Action]int{}
	for _, it := range items {
		counts[it.Action]++
		switch it.Action {
		case runner.ActionTranslate:
			fmt.Fprintf(w, "  %s→%s %s [%s] -> %s\n", colorYellow, colorReset, it.Document, it.Language, it.Output)
		case runner.ActionCached:
			fmt.Fprintf(w, "  %s✓%s %s [%s] (cached)\n", colorGreen, colorReset, it.Document, it.Language)
		}
	}
	fmt.Fprintf(w, "\nWould translate %d, from cache %d, up to date %d, unchanged documents %d\n",
		counts[runner.ActionTranslate], counts[runner.ActionCached],
		counts[runner.ActionUpToDate], counts[runner.ActionUnchanged])
}

// ---------------------------------------------------------------------------
// status (read-only: configuration + pending work)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and what a run would do",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(os.Stdout)
		},
	}
}

func runStatus(w io.Writer) error {
	proj, err := loadProject("")
	if err != nil {
		return err
	}
	cfg := proj.cfg
	force := proj.env.Force()
	r := proj.newRunner(nil, nil, force)

	source := cfg.Path()
	if source == "" {
		source = "(defaults, no " + config.DefaultPath + ")"
	}

	fmt.Fprintf(w, "\n%sProject%s\n", colorBlue, colorReset)
	fmt.Fprintln(w, strings.Repeat("─", 60))
	fmt.Fprintf(w, "  %-14s %s\n", "Config:", source)
	fmt.Fprintf(w, "  %-14s %s\n", "Content:", r.ContentRoot())
	fmt.Fprintf(w, "  %-14s %s (%s)\n", "Source:", cfg.SourceLanguage, langmeta.Name(cfg.SourceLanguage))
	fmt.Fprintf(w, "  %-14s %s\n", "Targets:", formatLanguages(cfg.TargetLanguages))
	fmt.Fprintf(w, "  %-14s %s (primary %s, fallback %s)\n", "Provider:", cfg.Provider, cfg.PrimaryModel, orNone(cfg.FallbackModel))
	fmt.Fprintf(w, "  %-14s %s\n", "Cache:", proj.cache.Summary())

	keys := credential.Resolve("", proj.env.APIKey, proj.env.APIKeys)
	if len(keys) == 0 {
		fmt.Fprintf(w, "  %-14s %snone configured%s\n", "API keys:", colorRed, colorReset)
	} else {
		fmt.Fprintf(w, "  %-14s %s%d%s\n", "API keys:", colorGreen, len(keys), colorReset)
	}

	items, err := r.Plan()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%sPending%s\n", colorBlue, colorReset)
	fmt.Fprintln(w, strings.Repeat("─", 60))
	printPlan(w, items)
	return nil
}

func formatLanguages(langs []string) string {
	parts := make([]string, len(langs))
	for i, l := range langs {
		parts[i] = fmt.Sprintf("%s (%s)", l, langmeta.Name(l))
	}
	return strings.Join(parts, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// ---------------------------------------------------------------------------
// cache
// ---------------------------------------------------------------------------

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or prune the translation cache",
	}
	cmd.AddCommand(newCacheStatsCmd(), newCachePruneCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cached translations per language",
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := loadProject("")
			if err != nil {
				return err
			}
			printCacheStats(os.Stdout, proj.cache)
			return nil
		},
	}
}

func printCacheStats(w io.Writer, c *cache.Cache) {
	stats := c.Stats()
	langs := make([]string, 0, len(stats))
	for l := range stats {
		langs = append(langs, l)
	}
	slices.Sort(langs)

	fmt.Fprintf(w, "Cache: %s\n", c.Summary())
	for _, l := range langs {
		fmt.Fprintf(w, "  %-8s %-20s %d\n", l, langmeta.Name(l), stats[l])
	}
}

func newCachePruneCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cached translations of content that no longer exists",
		Long: `Remove cache entries that do not match the current content of any
document in any configured target language.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := loadProject("")
			if err != nil {
				return err
			}
			live, err := proj.newRunner(nil, nil, true).LiveCacheKeys()
			if err != nil {
				return err
			}
			before := proj.cache.Len()
			if dryRun {
				fmt.Printf("Would remove %d of %d entries\n", before-countLive(proj.cache, live), before)
				return nil
			}
			removed := proj.cache.Prune(live)
			if removed > 0 {
				if err := proj.cache.Flush(); err != nil {
					return fmt.Errorf("saving cache: %w", err)
				}
			}
			fmt.Printf("Removed %d of %d entries\n", removed, before)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report how many entries would be removed")
	return cmd
}

// countLive returns how many entries of c have a key in live.
func countLive(c *cache.Cache, live map[string]bool) int {
	n := 0
	for k := range live {
		if c.Has(k) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// keys (stored API keys)
// ---------------------------------------------------------------------------

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys",
		Long: `Manage API keys stored in ` + "`$XDG_DATA_HOME/doctranslate/keys.json`" + `.

Stored keys are used when neither --api-key nor GEMINI_API_KEY /
GEMINI_API_KEYS is set.`,
	}
	cmd.AddCommand(newKeysAddCmd(), newKeysListCmd(), newKeysRemoveCmd())
	return cmd
}

func newKeysAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [key...]",
		Short: "Store API keys (read from stdin when no arguments are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := args
			if len(keys) == 0 {
				fmt.Fprint(os.Stderr, "Enter API key(s), comma-separated: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("reading key: %w", err)
				}
				keys = credential.ParseKeys(line)
			}
			if len(keys) == 0 {
				return errors.New("no key given")
			}
			added, err := credential.AddStored(keys...)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" Added %d key(s) to %s\n", added, credential.FilePath())
			return nil
		},
	}
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show stored keys and environment overrides",
		Run: func(cmd *cobra.Command, args []string) {
			printKeys(os.Stderr, credential.LoadStored(), os.Getenv("GEMINI_API_KEY"), os.Getenv("GEMINI_API_KEYS"))
		},
	}
}

func printKeys(w io.Writer, stored []string, envKey, envKeys string) {
	fmt.Fprintf(w, "\n%sStored Keys%s (%s)\n", colorBlue, colorReset, credential.FilePath())
	fmt.Fprintln(w, strings.Repeat("─", 60))
	if len(stored) == 0 {
		fmt.Fprintf(w, "  %snone%s\n", colorRed, colorReset)
	}
	for i, k := range stored {
		fmt.Fprintf(w, "  %2d  %s\n", i+1, credential.MaskKey(k))
	}

	fmt.Fprintf(w, "\n  %sEnvironment Variables%s\n", colorYellow, colorReset)
	for _, env := range []struct{ name, value string }{
		{"GEMINI_API_KEY", envKey},
		{"GEMINI_API_KEYS", envKeys},
	} {
		keys := credential.ParseKeys(env.value)
		if len(keys) == 0 {
			fmt.Fprintf(w, "  %-16s %snot set%s\n", env.name+":", colorRed, colorReset)
			continue
		}
		masked := make([]string, len(keys))
		for i, k := range keys {
			masked[i] = credential.MaskKey(k)
		}
		fmt.Fprintf(w, "  %-16s %s%s%s (overrides stored keys)\n", env.name+":", colorGreen, strings.Join(masked, ", "), colorReset)
	}
	fmt.Fprintln(w)
}

func newKeysRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <n>",
		Aliases: []string{"rm"},
		Short:   "Remove the stored key at position n (see 'keys list')",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid key number %q", args[0])
			}
			if err := credential.RemoveStored(n); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" Removed key #%d\n", n)
			return nil
		},
	}
}
