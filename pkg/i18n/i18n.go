// Package i18n provides the human-readable texts for call states, end
// reasons, error kinds and API errors, in every supported language.
//
// Locale files are nested JSON addressed by dot keys:
//
//	loc := i18n.NewLocalizer("tr")
//	loc.T("call.error.negotiation_timeout") // "Arama yanıtlanmadı"
package i18n

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
)

// SupportedLanguages lists the locale files Load requires. The first entry
// is the fallback for missing keys and unmatched languages.
var SupportedLanguages = []string{"en", "tr"}

const DefaultLanguage = "en"

var (
	supportedTags = []language.Tag{language.English, language.Turkish}
	matcher       = language.NewMatcher(supportedTags)
)

// catalog maps language → dot key → text. A loaded catalog is never mutated.
type catalog map[string]map[string]string

var active atomic.Pointer[catalog]

// Load reads <lang>.json for every supported language from localesFS and
// replaces the active catalog.
func Load(localesFS fs.FS) error {
	c := make(catalog, len(SupportedLanguages))
	for _, lang := range SupportedLanguages {
		texts, err := readLocale(localesFS, lang+".json")
		if err != nil {
			return err
		}
		c[lang] = texts
		log.Debug().Str("component", "i18n").Str("lang", lang).Int("keys", len(texts)).Msg("locale loaded")
	}
	active.Store(&c)
	return nil
}

func readLocale(localesFS fs.FS, name string) (map[string]string, error) {
	data, err := fs.ReadFile(localesFS, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read locale %s: %w", name, err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse locale %s: %w", name, err)
	}

	texts := make(map[string]string)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			switch v := v.(type) {
			case string:
				texts[prefix+k] = v
			case map[string]any:
				walk(prefix+k+".", v)
			}
		}
	}
	walk("", tree)
	return texts, nil
}

func lookup(lang, key string) (string, bool) {
	c := active.Load()
	if c == nil {
		return "", false
	}
	if msg, ok := (*c)[lang][key]; ok {
		return msg, true
	}
	msg, ok := (*c)[DefaultLanguage][key]
	return msg, ok
}

// Localizer translates keys for one language.
type Localizer struct {
	lang string
}

// NewLocalizer falls back to DefaultLanguage for unsupported languages.
func NewLocalizer(lang string) *Localizer {
	for _, l := range SupportedLanguages {
		if l == lang {
			return &Localizer{lang: lang}
		}
	}
	return &Localizer{lang: DefaultLanguage}
}

// Lang is the language the localizer settled on.
func (l *Localizer) Lang() string { return l.lang }

// T returns the text for key, falling back to English and then to the key itself.
func (l *Localizer) T(key string) string {
	if msg, ok := lookup(l.lang, key); ok {
		return msg
	}
	return key
}

// TWithParams fills {{name}} placeholders from params.
//
//	loc.TWithParams("call.end.remote-hangup", map[string]string{"peer": "Dr. Smith"})
//	// "Dr. Smith ended the call"
func (l *Localizer) TWithParams(key string, params map[string]string) string {
	msg := l.T(key)
	if len(params) == 0 || !strings.Contains(msg, "{{") {
		return msg
	}
	pairs := make([]string, 0, 2*len(params))
	for k, v := range params {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(msg)
}

// DetectLanguage picks the best supported language for an Accept-Language
// header such as "tr-TR,tr;q=0.9,en-US;q=0.8".
func DetectLanguage(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return DefaultLanguage
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return DefaultLanguage
	}
	return SupportedLanguages[idx]
}
