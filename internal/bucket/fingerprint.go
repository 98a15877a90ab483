package bucket

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Separator joins the normalized attributes of a fingerprint. It is stripped
// from attribute values before joining, so it can never appear inside a field.
const Separator = "|"

// Attributes are the shared properties that make two units fungible.
type Attributes struct {
	Brand     string `json:"brand"`
	Model     string `json:"model"`
	Variant   string `json:"variant"`
	Color     string `json:"color"`
	Year      string `json:"year"`
	Condition string `json:"condition"`
	BodyType  string `json:"body_type"`
}

// Normalize canonicalizes a single attribute value: NFKC, whitespace runs
// collapsed to one space, outer whitespace trimmed, Unicode case folded.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, Separator, " ")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return cases.Fold().String(s)
}

// Fingerprint returns the deterministic grouping key for a set of attributes.
// Missing attributes contribute empty placeholders.
func Fingerprint(a Attributes) string {
	parts := [...]string{
		Normalize(a.Brand),
		Normalize(a.Model),
		Normalize(a.Variant),
		Normalize(a.Color),
		Normalize(a.Year),
		Normalize(a.Condition),
		Normalize(a.BodyType),
	}
	return strings.Join(parts[:], Separator)
}

// Trimmed returns a display copy of the attributes with surrounding
// whitespace removed but case preserved.
func (a Attributes) Trimmed() Attributes {
	t := func(s string) string { return strings.Join(strings.Fields(norm.NFKC.String(s)), " ") }
	return Attributes{
		Brand:     t(a.Brand),
		Model:     t(a.Model),
		Variant:   t(a.Variant),
		Color:     t(a.Color),
		Year:      t(a.Year),
		Condition: t(a.Condition),
		BodyType:  t(a.BodyType),
	}
}
