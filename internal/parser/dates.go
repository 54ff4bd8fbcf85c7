package parser

import (
	"regexp"
	"strings"
	"time"
)

var (
	datePrefixes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bon\s+(.+)$`),
		regexp.MustCompile(`(?i)\bvom\s+(.+)$`),
		regexp.MustCompile(`(\w+\s+\d{1,2},\s+\d{4})`),
	}

	dateLayouts = []string{
		"January 2, 2006",
		"Jan 2, 2006",
		"2 January 2006",
		"2. January 2006",
		"January 2006",
		time.DateOnly,
		"02.01.2006",
		"2.1.2006",
		"01/02/2006",
		time.RFC3339,
	}

	germanMonths = strings.NewReplacer(
		"Januar", "January", "Februar", "February", "März", "March",
		"Mai", "May", "Juni", "June", "Juli", "July",
		"Oktober", "October", "Dezember", "December",
	)
)

// ParseDate accepts the review/listing date formats seen on English and
// German storefronts, including "Reviewed in the United States on March 3, 2024".
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	candidates := []string{s}
	for _, re := range datePrefixes {
		if m := re.FindStringSubmatch(s); m != nil {
			candidates = append([]string{strings.TrimSpace(m[1])}, candidates...)
		}
	}

	for _, c := range candidates {
		c = germanMonths.Replace(c)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, ErrNoMatch
}
