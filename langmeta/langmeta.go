// Package langmeta provides a shared language metadata registry
// (English and native names) used by translation prompts and CLI output.
package langmeta

import (
	"slices"
	"strings"
)

// Meta describes language display metadata.
type Meta struct {
	// Name is the English name, used in prompts.
	Name string
	// Native is the name of the language in that language.
	Native string
}

// Registry contains canonical language metadata.
// Locale variants are resolved in Resolve() via normalization and base fallback.
var Registry = map[string]Meta{
	"ar":    {Name: "Arabic", Native: "العربية"},
	"bg":    {Name: "Bulgarian", Native: "Български"},
	"bn":    {Name: "Bengali", Native: "বাংলা"},
	"ca":    {Name: "Catalan", Native: "Català"},
	"cs":    {Name: "Czech", Native: "Čeština"},
	"da":    {Name: "Danish", Native: "Dansk"},
	"de":    {Name: "German", Native: "Deutsch"},
	"el":    {Name: "Greek", Native: "Ελληνικά"},
	"en":    {Name: "English", Native: "English"},
	"en-GB": {Name: "English (UK)", Native: "English (UK)"},
	"en-US": {Name: "English (US)", Native: "English (US)"},
	"es":    {Name: "Spanish", Native: "Español"},
	"es-MX": {Name: "Spanish (Mexico)", Native: "Español (México)"},
	"fa":    {Name: "Persian", Native: "فارسی"},
	"fi":    {Name: "Finnish", Native: "Suomi"},
	"fr":    {Name: "French", Native: "Français"},
	"fr-CA": {Name: "French (Canada)", Native: "Français (Canada)"},
	"he":    {Name: "Hebrew", Native: "עברית"},
	"hi":    {Name: "Hindi", Native: "हिन्दी"},
	"hu":    {Name: "Hungarian", Native: "Magyar"},
	"id":    {Name: "Indonesian", Native: "Bahasa Indonesia"},
	"it":    {Name: "Italian", Native: "Italiano"},
	"ja":    {Name: "Japanese", Native: "日本語"},
	"ko":    {Name: "Korean", Native: "한국어"},
	"ms":    {Name: "Malay", Native: "Bahasa Melayu"},
	"nl":    {Name: "Dutch", Native: "Nederlands"},
	"no":    {Name: "Norwegian", Native: "Norsk"},
	"pl":    {Name: "Polish", Native: "Polski"},
	"pt":    {Name: "Portuguese", Native: "Português"},
	"pt-BR": {Name: "Portuguese (Brazil)", Native: "Português (Brasil)"},
	"ro":    {Name: "Romanian", Native: "Română"},
	"ru":    {Name: "Russian", Native: "Русский"},
	"sk":    {Name: "Slovak", Native: "Slovenčina"},
	"sv":    {Name: "Swedish", Native: "Svenska"},
	"th":    {Name: "Thai", Native: "ไทย"},
	"tr":    {Name: "Turkish", Native: "Türkçe"},
	"uk":    {Name: "Ukrainian", Native: "Українська"},
	"vi":    {Name: "Vietnamese", Native: "Tiếng Việt"},
	"zh":    {Name: "Chinese", Native: "中文"},
	"zh-CN": {Name: "Simplified Chinese", Native: "简体中文"},
	"zh-TW": {Name: "Traditional Chinese", Native: "繁體中文"},
}

func canonicalize(lang string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(lang), "_", "-")
	if normalized == "" {
		return ""
	}
	parts := strings.Split(normalized, "-")
	parts[0] = strings.ToLower(parts[0])
	if len(parts) >= 2 {
		parts[1] = strings.ToUpper(parts[1])
	}
	return strings.Join(parts, "-")
}

// Resolve returns best-effort language metadata for language codes,
// supporting variants like pt_BR, pt-BR, and locale fallbacks.
// Unknown codes resolve to the code itself.
func Resolve(lang string) Meta {
	if m, ok := Registry[lang]; ok {
		return m
	}
	normalized := canonicalize(lang)
	if m, ok := Registry[normalized]; ok {
		return m
	}
	if parts := strings.SplitN(normalized, "-", 2); len(parts) == 2 {
		if m, ok := Registry[parts[0]]; ok {
			return m
		}
	}
	return Meta{Name: lang, Native: lang}
}

// Name returns the English name of lang, or lang itself when unknown.
func Name(lang string) string {
	return Resolve(lang).Name
}

// Codes returns the registered language codes, sorted.
func Codes() []string {
	codes := make([]string, 0, len(Registry))
	for code := range Registry {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}
