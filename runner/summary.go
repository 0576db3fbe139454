package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/minios-linux/doctranslate/credential"
)

// Stats counts per-(document, language) outcomes. Skipped counts whole
// documents without changes.
type Stats struct {
	Translated int `yaml:"translated"`
	Cached     int `yaml:"cached"`
	UpToDate   int `yaml:"upToDate"`
	Skipped    int `yaml:"skipped"`
	Errors     int `yaml:"errors"`
}

// Failure records one failed unit. Language is empty when the whole
// document failed before any language was attempted.
type Failure struct {
	Document string `yaml:"document"`
	Language string `yaml:"language,omitempty"`
	Error    string `yaml:"error"`
}

// Summary is the result of a run.
type Summary struct {
	RunID     string             `yaml:"runId"`
	Started   time.Time          `yaml:"started"`
	Duration  time.Duration      `yaml:"duration"`
	Documents int                `yaml:"documents"`
	Canceled  bool               `yaml:"canceled,omitempty"`
	Stats     Stats              `yaml:"stats"`
	Failures  []Failure          `yaml:"failures,omitempty"`
	Keys      []credential.Usage `yaml:"keys,omitempty"`
}

// Attempted returns the number of units that reached the translator.
func (s *Summary) Attempted() int {
	return s.Stats.Translated + s.Stats.Cached + s.Stats.Errors
}

// Failed reports whether the run should exit non-zero: at least one unit was
// attempted, some failed, and none succeeded.
func (s *Summary) Failed() bool {
	return s.Stats.Errors > 0 && s.Stats.Translated+s.Stats.Cached == 0 && s.Attempted() > 0
}

// Print writes a human-readable summary. Per-key usage is included when more
// than one key was configured.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "\nTranslation Summary (run %s, %v)\n", s.RunID, s.Duration)
	fmt.Fprintf(w, "  Translated: %d\n", s.Stats.Translated)
	fmt.Fprintf(w, "  From cache: %d\n", s.Stats.Cached)
	fmt.Fprintf(w, "  Up to date: %d\n", s.Stats.UpToDate)
	fmt.Fprintf(w, "  Skipped:    %d\n", s.Stats.Skipped)
	fmt.Fprintf(w, "  Errors:     %d\n", s.Stats.Errors)

	if len(s.Failures) > 0 {
		fmt.Fprintf(w, "\n%d units failed:\n", len(s.Failures))
		for _, f := range s.Failures {
			if f.Language == "" {
				fmt.Fprintf(w, "  %s: %s\n", f.Document, f.Error)
			} else {
				fmt.Fprintf(w, "  %s [%s]: %s\n", f.Document, f.Language, f.Error)
			}
		}
	}

	if len(s.Keys) > 1 {
		fmt.Fprintln(w, "\nAPI Key Usage:")
		for _, k := range s.Keys {
			success := 0.0
			if k.Usage > 0 {
				success = float64(k.Usage-k.Errors) / float64(k.Usage) * 100
			}
			fmt.Fprintf(w, "  %s (%s): %d requests, %d errors (%.1f%% success)\n",
				k.Label, k.Masked, k.Usage, k.Errors, success)
		}
	}

	switch {
	case s.Failed():
		fmt.Fprintln(w, "\nAll translation attempts failed")
	case s.Stats.Errors > 0:
		fmt.Fprintln(w, "\nSome translations failed (partial success)")
	}
}

// WriteReport writes the summary as YAML to path.
func WriteReport(path string, s *Summary) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
