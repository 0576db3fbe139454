package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/minios-linux/doctranslate/cache"
	"github.com/minios-linux/doctranslate/credential"
	"github.com/minios-linux/doctranslate/runner"
)

// withRoot points the global --root at dir for the duration of the test.
func withRoot(t *testing.T, dir string) {
	t.Helper()
	prevRoot, prevConfig := rootDir, configPath
	rootDir, configPath = dir, ""
	t.Cleanup(func() { rootDir, configPath = prevRoot, prevConfig })
}

// isolateEnv clears the key environment and redirects stored keys.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	for _, name := range []string{"GEMINI_API_KEY", "GEMINI_API_KEYS", "TARGET_LANGUAGES", "FORCE_TRANSLATE"} {
		t.Setenv(name, "")
	}
}

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, "docs", rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestSetupLogging(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer log.SetLevel(log.InfoLevel)

	var buf bytes.Buffer
	if err := setupLogging(&buf, true, "json"); err != nil {
		t.Fatalf("setupLogging(json) error: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("level = %v, want debug", log.GetLevel())
	}
	log.WithField("lang", "ja").Debug("hello")
	if !strings.Contains(buf.String(), `"lang":"ja"`) {
		t.Fatalf("json output = %q", buf.String())
	}

	if err := setupLogging(&buf, false, "text"); err != nil {
		t.Fatalf("setupLogging(text) error: %v", err)
	}
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("level = %v, want info", log.GetLevel())
	}

	if err := setupLogging(&buf, false, "xml"); err == nil {
		t.Fatalf("setupLogging(xml) error = nil, want error")
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"translate": true, "status": true, "cache": true, "keys": true, "version": true}
	for _, c := range root.Commands() {
		delete(want, c.Name())
	}
	if len(want) != 0 {
		t.Fatalf("missing commands: %v", want)
	}

	for _, flag := range []string{"force", "refresh-cache", "lang", "api-key", "report", "dry-run"} {
		cmd, _, err := root.Find([]string{"translate"})
		if err != nil {
			t.Fatalf("Find(translate): %v", err)
		}
		if cmd.Flags().Lookup(flag) == nil {
			t.Fatalf("translate is missing --%s", flag)
		}
	}
	for _, flag := range []string{"root", "config", "verbose", "log-format"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Fatalf("root is missing --%s", flag)
		}
	}
}

func TestProjectPaths(t *testing.T) {
	withRoot(t, "/srv/project")

	if got := resolveConfigPath(); got != filepath.Join("/srv/project", ".github", "translation-config.json") {
		t.Fatalf("resolveConfigPath() = %q", got)
	}
	configPath = "custom.yaml"
	if got := resolveConfigPath(); got != "custom.yaml" {
		t.Fatalf("resolveConfigPath() with --config = %q", got)
	}

	if got := projectPath("cache.json"); got != filepath.Join("/srv/project", "cache.json") {
		t.Fatalf("projectPath(relative) = %q", got)
	}
	if got := projectPath("/var/cache.db"); got != "/var/cache.db" {
		t.Fatalf("projectPath(absolute) = %q", got)
	}
}

func TestLoadProjectLanguageOverrides(t *testing.T) {
	isolateEnv(t)
	withRoot(t, t.TempDir())

	proj, err := loadProject("")
	if err != nil {
		t.Fatalf("loadProject() error: %v", err)
	}
	if len(proj.cfg.TargetLanguages) != 6 {
		t.Fatalf("TargetLanguages = %v, want defaults", proj.cfg.TargetLanguages)
	}

	t.Setenv("TARGET_LANGUAGES", "fr,de")
	proj, err = loadProject("")
	if err != nil {
		t.Fatalf("loadProject() error: %v", err)
	}
	if !reflect.DeepEqual(proj.cfg.TargetLanguages, []string{"fr", "de"}) {
		t.Fatalf("TargetLanguages = %v, want env override", proj.cfg.TargetLanguages)
	}

	proj, err = loadProject("ja")
	if err != nil {
		t.Fatalf("loadProject() error: %v", err)
	}
	if !reflect.DeepEqual(proj.cfg.TargetLanguages, []string{"ja"}) {
		t.Fatalf("TargetLanguages = %v, want flag override", proj.cfg.TargetLanguages)
	}
}

func TestRunTranslateWithoutKeysFails(t *testing.T) {
	isolateEnv(t)
	root := t.TempDir()
	withRoot(t, root)
	writeDoc(t, root, "a.md", "你好")

	err := runTranslate(context.Background(), translateArgs{})
	if !errors.Is(err, credential.ErrNoCredentials) {
		t.Fatalf("runTranslate() error = %v, want ErrNoCredentials", err)
	}
}

func TestRunTranslateDryRunNeedsNoKeys(t *testing.T) {
	isolateEnv(t)
	root := t.TempDir()
	withRoot(t, root)
	writeDoc(t, root, "a.md", "你好")

	if err := runTranslate(context.Background(), translateArgs{dryRun: true, force: true, langs: "en"}); err != nil {
		t.Fatalf("runTranslate(dry-run) error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "docs", "i18n")); !os.IsNotExist(err) {
		t.Fatalf("dry run created the output directory")
	}
}

func TestPrintPlan(t *testing.T) {
	var buf bytes.Buffer
	printPlan(&buf, []runner.PlanItem{
		{Document: "a.md", Language: "en", Output: "docs/i18n/a.en.md", Action: runner.ActionTranslate},
		{Document: "a.md", Language: "ja", Action: runner.ActionCached},
		{Document: "a.md", Language: "ko", Action: runner.ActionUpToDate},
		{Document: "b.md", Action: runner.ActionUnchanged},
	})
	out := buf.String()
	if !strings.Contains(out, "a.md [en] -> docs/i18n/a.en.md") {
		t.Fatalf("plan output missing translate line: %q", out)
	}
	if !strings.Contains(out, "Would translate 1, from cache 1, up to date 1, unchanged documents 1") {
		t.Fatalf("plan output missing totals: %q", out)
	}
}

func TestPrintKeys(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	var buf bytes.Buffer
	printKeys(&buf, []string{"AIzaSyABCDEFwxyz"}, "", "k1-aaaaaaaa,k2-bbbbbbbb")
	out := buf.String()
	for _, want := range []string{"AIza...wxyz", "k1-a...aaaa, k2-b...bbbb", "GEMINI_API_KEY:", "not set"} {
		if !strings.Contains(out, want) {
			t.Fatalf("printKeys() output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "AIzaSyABCDEFwxyz") {
		t.Fatalf("printKeys() leaked a full key")
	}
}

func TestPrintCacheStats(t *testing.T) {
	c := cache.Open(&cache.JSONStore{Path: filepath.Join(t.TempDir(), "c.json")}, nil)
	c.Put("a", "ja", "エー")
	c.Put("a", "en", "A")

	var buf bytes.Buffer
	printCacheStats(&buf, c)
	out := buf.String()
	if !strings.HasPrefix(out, "Cache: 2 entries (en: 1, ja: 1)\n") {
		t.Fatalf("printCacheStats() = %q", out)
	}
	if strings.Index(out, "English") > strings.Index(out, "Japanese") {
		t.Fatalf("languages not sorted: %q", out)
	}
}

func TestKeysCommands(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	add := newRootCmd()
	add.SetArgs([]string{"keys", "add"})
	add.SetIn(strings.NewReader("k1-aaaaaaaa, k2-bbbbbbbb\n"))
	if err := add.Execute(); err != nil {
		t.Fatalf("keys add: %v", err)
	}
	if got := credential.LoadStored(); !reflect.DeepEqual(got, []string{"k1-aaaaaaaa", "k2-bbbbbbbb"}) {
		t.Fatalf("stored keys = %v", got)
	}

	rm := newRootCmd()
	rm.SetArgs([]string{"keys", "remove", "1"})
	if err := rm.Execute(); err != nil {
		t.Fatalf("keys remove: %v", err)
	}
	if got := credential.LoadStored(); !reflect.DeepEqual(got, []string{"k2-bbbbbbbb"}) {
		t.Fatalf("stored keys after remove = %v", got)
	}

	bad := newRootCmd()
	bad.SetArgs([]string{"keys", "remove", "x"})
	if err := bad.Execute(); err == nil {
		t.Fatalf("keys remove x: error = nil, want error")
	}
}

func TestFormatLanguages(t *testing.T) {
	if got := formatLanguages([]string{"en", "xx"}); got != "en (English), xx (xx)" {
		t.Fatalf("formatLanguages() = %q", got)
	}
	if orNone("") != "none" || orNone("m") != "m" {
		t.Fatalf("orNone() mismatch")
	}
}
