package translate

import (
	"fmt"
	"strings"

	"github.com/minios-linux/doctranslate/langmeta"
)

// translationRules are the formatting-preservation rules included in every
// prompt.
var translationRules = []string{
	"Preserve ALL markdown formatting (headers, links, code blocks, lists, tables, etc.)",
	"Keep code blocks, file paths, and technical commands EXACTLY as they are",
	"Preserve HTML tags and markdown syntax",
	"Keep URLs and links unchanged",
	"Maintain the same structure and formatting",
	"For technical terms, use industry-standard translations",
	"Keep emoji and special characters as they are",
	"If you encounter technical terms that should remain in English (like software names, API names), keep them in English",
	"Translate naturally while maintaining technical accuracy",
}

// BuildPrompt renders the translation prompt for text into lang.
// docContext, when non-empty, names the document the text comes from.
func BuildPrompt(opts Options, text, lang, docContext string) string {
	var b strings.Builder

	b.WriteString("You are a professional technical translator")
	if opts.Subject != "" {
		fmt.Fprintf(&b, " specializing in %s", opts.Subject)
	}
	b.WriteString(".\n\n")

	fmt.Fprintf(&b, "Translate the following %s text to %s.\n\n",
		langmeta.Name(opts.effectiveSourceLanguage()), langmeta.Name(lang))

	b.WriteString("IMPORTANT RULES:\n")
	for i, rule := range translationRules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rule)
	}
	b.WriteString("\n")

	if docContext != "" {
		fmt.Fprintf(&b, "Context: This text is from %s\n\n", docContext)
	}

	b.WriteString("Text to translate:\n")
	b.WriteString(text)
	b.WriteString("\n\nTranslated text:")
	return b.String()
}
