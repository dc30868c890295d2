package ledger

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const sessionLabelKey = "session_label"

var (
	supportedLocales = []language.Tag{language.English, language.Spanish, language.Portuguese}
	localeMatcher    = language.NewMatcher(supportedLocales)
	labelCatalog     = buildCatalog()
)

// buildCatalog panics on a bad message so a broken label table fails at
// startup.
func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msg := range map[language.Tag]string{
		language.English:    "%s - session %d of %d",
		language.Spanish:    "%s - sesión %d de %d",
		language.Portuguese: "%s - sessão %d de %d",
	} {
		if err := b.SetString(tag, sessionLabelKey, msg); err != nil {
			panic(fmt.Sprintf("session labels for %s: %v", tag, err))
		}
	}
	return b
}

// MatchLocale maps a client supplied locale ("es", "es-MX", "pt_BR") onto
// one of the supported label languages. Unknown locales fall back to English.
func MatchLocale(locale string) language.Tag {
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
	if err != nil {
		return language.English
	}
	_, idx, _ := localeMatcher.Match(tag)
	return supportedLocales[idx]
}

// LabelForSession is the human readable name of one appointment. Single
// session purchases keep the plain service name.
func LabelForSession(base string, purchased, session int, locale string) string {
	if purchased <= 1 {
		return base
	}
	p := message.NewPrinter(MatchLocale(locale), message.Catalog(labelCatalog))
	return p.Sprintf(sessionLabelKey, base, session, purchased)
}

// LabelFromStored rebuilds the label of a booking from the counts stored with
// it, where remaining is the counter value before that booking consumed it.
func LabelFromStored(base string, purchased, remaining int, locale string) (string, error) {
	n, err := SessionNumber(purchased, remaining)
	if err != nil {
		return "", err
	}
	return LabelForSession(base, purchased, n, locale), nil
}
