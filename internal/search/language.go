package search

import "strings"

// SimpleDictionary is the Postgres text search configuration used when a
// language has no stemming dictionary
const SimpleDictionary = "simple"

var dictionaries = map[string]string{
	"ar": "arabic",
	"ca": "catalan",
	"da": "danish",
	"de": "german",
	"el": "greek",
	"en": "english",
	"es": "spanish",
	"eu": "basque",
	"fi": "finnish",
	"fr": "french",
	"ga": "irish",
	"hi": "hindi",
	"hu": "hungarian",
	"hy": "armenian",
	"id": "indonesian",
	"it": "italian",
	"lt": "lithuanian",
	"nb": "norwegian",
	"ne": "nepali",
	"nl": "dutch",
	"no": "norwegian",
	"pt": "portuguese",
	"ro": "romanian",
	"ru": "russian",
	"sr": "serbian",
	"sv": "swedish",
	"ta": "tamil",
	"tr": "turkish",
	"yi": "yiddish",
}

// DictionaryFor maps a language code ("en", "pt-BR", "fr_CA") or a configuration
// name ("english") to a Postgres text search configuration. Unknown languages
// fall back to SimpleDictionary. The result must match the configuration that
// produced the stored token vectors or matches silently fail.
func DictionaryFor(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		return SimpleDictionary
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if dict, ok := dictionaries[lang]; ok {
		return dict
	}
	for _, dict := range dictionaries {
		if dict == lang {
			return dict
		}
	}
	return SimpleDictionary
}
