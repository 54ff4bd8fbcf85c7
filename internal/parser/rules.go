package parser

import (
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	asinPattern    = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	asinURLPattern = regexp.MustCompile(`/(?:dp|gp/product|product-reviews)/([A-Z0-9]{10})`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// CleanText collapses runs of whitespace and trims.
func CleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// Text accepts any text of at least minLen runes after cleaning.
func Text(minLen int) Rule {
	return NewRule("text",
		func(s string) (any, error) { return CleanText(s), nil },
		func(v any) bool { return utf8.RuneCountInString(v.(string)) >= minLen },
	)
}

// TextWithout removes the first match of strip before applying Text.
func TextWithout(minLen int, strip *regexp.Regexp) Rule {
	return NewRule("text",
		func(s string) (any, error) {
			return CleanText(strip.ReplaceAllString(CleanText(s), "")), nil
		},
		func(v any) bool { return utf8.RuneCountInString(v.(string)) >= minLen },
	)
}

func Number() Rule {
	return NewRule("number",
		func(s string) (any, error) { return ParseNumber(s) },
		func(v any) bool { return v.(float64) >= 0 },
	)
}

// Price requires a strictly positive amount.
func Price() Rule {
	return NewRule("price",
		func(s string) (any, error) { return ParseNumber(s) },
		func(v any) bool { return v.(float64) > 0 },
	)
}

// Rating accepts values on a five point scale.
func Rating() Rule {
	return NewRule("rating",
		func(s string) (any, error) { return ParseRating(s) },
		validRating,
	)
}

// StarClass reads the rating from an icon class list.
func StarClass() Rule {
	return NewRule("star-class",
		func(s string) (any, error) { return ParseStarClass(s) },
		validRating,
	)
}

func validRating(v any) bool {
	f := v.(float64)
	return f >= 0 && f <= 5
}

func Count() Rule {
	return NewRule("count",
		func(s string) (any, error) { return ParseCount(s) },
		func(v any) bool { return v.(int64) >= 0 },
	)
}

// HelpfulVotes understands "One person found this helpful" as well as
// numeric statements.
func HelpfulVotes() Rule {
	return NewRule("helpful",
		func(s string) (any, error) {
			if oneVote.MatchString(CleanText(s)) {
				return int64(1), nil
			}
			return ParseCount(s)
		},
		func(v any) bool { return v.(int64) >= 0 },
	)
}

// ASIN accepts a bare ten character product id or pulls one out of a
// product URL.
func ASIN() Rule {
	return NewRule("asin",
		func(s string) (any, error) {
			s = strings.TrimSpace(s)
			if asinPattern.MatchString(s) {
				return s, nil
			}
			if m := asinURLPattern.FindStringSubmatch(s); m != nil {
				return m[1], nil
			}
			return nil, ErrNoMatch
		},
		func(v any) bool { return asinPattern.MatchString(v.(string)) },
	)
}

// Identifier accepts any non-blank token without whitespace.
func Identifier() Rule {
	return NewRule("identifier",
		func(s string) (any, error) { return strings.TrimSpace(s), nil },
		func(v any) bool {
			id := v.(string)
			return id != "" && !strings.ContainsAny(id, " \t\n")
		},
	)
}

// CanonicalURL resolves href against base and drops query and fragment.
func CanonicalURL(base string) Rule {
	baseURL, _ := url.Parse(base)
	return NewRule("url",
		func(s string) (any, error) {
			u, err := url.Parse(strings.TrimSpace(s))
			if err != nil {
				return nil, err
			}
			if baseURL != nil {
				u = baseURL.ResolveReference(u)
			}
			u.RawQuery = ""
			u.Fragment = ""
			return u.String(), nil
		},
		validHTTPURL,
	)
}

// AbsoluteURL resolves href against base and keeps the query.
func AbsoluteURL(base string) Rule {
	baseURL, _ := url.Parse(base)
	return NewRule("absolute-url",
		func(s string) (any, error) {
			u, err := url.Parse(strings.TrimSpace(s))
			if err != nil {
				return nil, err
			}
			if baseURL != nil {
				u = baseURL.ResolveReference(u)
			}
			return u.String(), nil
		},
		validHTTPURL,
	)
}

func validHTTPURL(v any) bool {
	u, err := url.Parse(v.(string))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func Date() Rule {
	return NewRule("date",
		func(s string) (any, error) { return ParseDate(s) },
		func(v any) bool { return !v.(time.Time).IsZero() },
	)
}

// Flag yields true when the text contains any keyword. A located node
// without a keyword is not a valid match, so the field falls back to its
// default.
func Flag(keywords ...string) Rule {
	return NewRule("flag",
		func(s string) (any, error) {
			lower := strings.ToLower(s)
			for _, k := range keywords {
				if strings.Contains(lower, strings.ToLower(k)) {
					return true, nil
				}
			}
			return false, nil
		},
		func(v any) bool { return v.(bool) },
	)
}

// Present yields true for any non-blank node content.
func Present() Rule {
	return NewRule("present",
		func(string) (any, error) { return true, nil },
		nil,
	)
}
