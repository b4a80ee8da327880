package stt

import "strings"

// LanguageAuto lets the engine detect the spoken language.
const LanguageAuto = "auto"

var languageCodes = map[string]string{
	"auto":  "auto",
	"zh":    "zh",
	"zh-cn": "zh",
	"en":    "en",
	"ja":    "ja",
	"ko":    "ko",
	"yue":   "yue",
}

var supportedLanguages = []string{"zh", "en", "ja", "ko", "yue", "auto"}

// MapLanguage converts a caller label such as "zh-CN" to an engine code.
// Unknown labels map to LanguageAuto and ok is false.
func MapLanguage(label string) (code string, ok bool) {
	code, ok = languageCodes[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return LanguageAuto, false
	}
	return code, true
}
