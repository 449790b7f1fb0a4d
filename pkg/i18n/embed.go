package i18n

import "embed"

// EmbeddedLocales holds locales/*.json. Pass fs.Sub(EmbeddedLocales, "locales") to Load.
//
//go:embed locales/*.json
var EmbeddedLocales embed.FS
