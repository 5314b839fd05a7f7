// Package utterance turns typed or transcribed input into the canonical text
// handed to the classifier.
package utterance

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrEmptyUtterance is returned when nothing remains after trimming.
var ErrEmptyUtterance = errors.New("utterance: empty utterance")

const DefaultLanguage = "en"

// Raw is the input from the utterance source. A nil Confidence means typed
// input and is recorded as 1.
type Raw struct {
	Text       string
	Language   string
	Confidence *float64
}

// Utterance is the normalized form. Confidence is advisory metadata only.
type Utterance struct {
	Text       string
	Language   string
	Confidence float64
}

type correction struct {
	pattern     *regexp.Regexp
	replacement string
}

func wholeWord(expr, replacement string) correction {
	return correction{pattern: regexp.MustCompile(`(?i)\b(?:` + expr + `)\b`), replacement: replacement}
}

// corrections fixes recurring mis-transcriptions of domain vocabulary.
var corrections = []correction{
	wholeWord(`bload|blud|blod`, "blood"),
	wholeWord(`donners|doners`, "donors"),
	wholeWord(`donner|doner`, "donor"),
	wholeWord(`elderley|eldery|elderlly`, "elderly"),
	wholeWord(`compliant`, "complaint"),
	wholeWord(`pot\s+hole|pot-hole`, "pothole"),
	wholeWord(`street\s+light|street-light`, "streetlight"),
	wholeWord(`hospitle|hospitol|hospitel`, "hospital"),
	wholeWord(`emergancy|emergincy|emergensy`, "emergency"),
	wholeWord(`urgant|urjent`, "urgent"),
	wholeWord(`volunter|voluntear|volunteeer`, "volunteer"),
	wholeWord(`a\s+b\s+(positive|negative)`, "AB ${1}"),
	wholeWord(`o\s+(positive|negative)`, "O ${1}"),
}

// Normalize trims and collapses whitespace, applies the correction table,
// capitalizes the first letter for the utterance's language and ensures
// terminal punctuation. The same input always yields the same output.
func Normalize(raw Raw) (Utterance, error) {
	text := strings.Join(strings.Fields(raw.Text), " ")
	if text == "" {
		return Utterance{}, ErrEmptyUtterance
	}

	for _, c := range corrections {
		text = c.pattern.ReplaceAllString(text, c.replacement)
	}

	tag := parseLanguage(raw.Language)
	text = capitalizeFirst(text, tag)
	text = ensureTerminal(text)

	return Utterance{
		Text:       text,
		Language:   tag.String(),
		Confidence: clampConfidence(raw.Confidence),
	}, nil
}

func parseLanguage(code string) language.Tag {
	code = strings.TrimSpace(code)
	if code == "" {
		return language.Make(DefaultLanguage)
	}
	tag, err := language.Parse(code)
	if err != nil {
		return language.Make(DefaultLanguage)
	}
	return tag
}

func capitalizeFirst(text string, tag language.Tag) string {
	r, size := utf8.DecodeRuneInString(text)
	if !unicode.IsLetter(r) || unicode.IsUpper(r) {
		return text
	}
	return cases.Upper(tag).String(text[:size]) + text[size:]
}

var terminals = []rune{'.', '!', '?', '।'}

func ensureTerminal(text string) string {
	last, _ := utf8.DecodeLastRuneInString(text)
	for _, t := range terminals {
		if last == t {
			return text
		}
	}
	return text + "."
}

func clampConfidence(c *float64) float64 {
	if c == nil {
		return 1
	}
	v := *c
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
