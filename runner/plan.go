package runner

import (
	"fmt"
	"os"

	"github.com/minios-linux/doctranslate/cache"
	"github.com/minios-linux/doctranslate/scan"
)

// Action is what a run would do for one (document, language) unit.
type Action string

const (
	ActionTranslate Action = "translate"
	ActionCached    Action = "cached"
	ActionUpToDate  Action = "up-to-date"
	ActionUnchanged Action = "unchanged"
)

// PlanItem describes one unit of a dry run.
type PlanItem struct {
	Document string
	Language string
	Output   string
	Action   Action
}

// Plan reports what Run would do without calling the provider or writing
// any file. Documents that would be skipped get one item with an empty
// Language.
func (r *Runner) Plan() ([]PlanItem, error) {
	docs, err := r.Documents()
	if err != nil {
		return nil, err
	}

	var items []PlanItem
	for _, doc := range docs {
		if !r.deps.Force && !r.deps.Detector.Modified(doc.Path) {
			items = append(items, PlanItem{Document: doc.Rel, Action: ActionUnchanged})
			continue
		}

		data, err := os.ReadFile(doc.Path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", doc.Path, err)
		}
		content := string(data)

		for _, lang := range r.deps.Config.TargetLanguages {
			item := PlanItem{
				Document: doc.Rel,
				Language: lang,
				Output:   scan.OutputPath(doc, r.deps.Config.OutputDir, lang),
				Action:   ActionTranslate,
			}
			switch {
			case !r.deps.Force && scan.IsUpToDate(doc, item.Output):
				item.Action = ActionUpToDate
			case r.deps.Cache != nil:
				if _, ok := r.deps.Cache.Get(content, lang); ok {
					item.Action = ActionCached
				}
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// LiveCacheKeys returns the cache keys derived from the current content of
// every document in every target language.
func (r *Runner) LiveCacheKeys() (map[string]bool, error) {
	docs, err := r.Documents()
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(docs)*len(r.deps.Config.TargetLanguages))
	for _, doc := range docs {
		data, err := os.ReadFile(doc.Path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", doc.Path, err)
		}
		for _, lang := range r.deps.Config.TargetLanguages {
			live[cache.Key(string(data), lang)] = true
		}
	}
	return live, nil
}
