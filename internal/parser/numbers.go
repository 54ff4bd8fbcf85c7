package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// digit groups joined by single separators: 1,234.56 / 1.234,56 / 4.5
	numberPattern  = regexp.MustCompile(`\d(?:[.,'\x{00a0}\x{202f}]?\d)*`)
	compactPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*([KkMm])\b`)
	outOfPattern   = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(?:out of|von|sur|de|su|/)\s*(\d+)`)
	starClass      = regexp.MustCompile(`a-star(?:-small|-mini|-medium|-large)?-(\d)(?:-(\d))?\b`)
	oneVote        = regexp.MustCompile(`(?i)^(one|a|eine?)\s+(person|people|kunde|kundin)`)
)

// ParseNumber extracts the first number from free text such as "$1,299.99",
// "1.299,99 €" or "4,5 von 5 Sternen". Thousands separators are stripped;
// negative, NaN and infinite results are rejected.
func ParseNumber(s string) (float64, error) {
	loc := numberPattern.FindStringIndex(s)
	if loc == nil {
		return 0, ErrNoMatch
	}
	if loc[0] > 0 && s[loc[0]-1] == '-' {
		return 0, fmt.Errorf("negative number in %q", s)
	}

	f, err := strconv.ParseFloat(normalizeSeparators(s[loc[0]:loc[1]]), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse number: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("number out of range: %v", f)
	}
	return f, nil
}

// ParseCount extracts a non-negative integer count, honouring compact
// suffixes like "12K". Ratings such as "4.5 out of 5 stars" and other
// fractional values are not counts and are rejected.
func ParseCount(s string) (int64, error) {
	if outOfPattern.MatchString(s) {
		return 0, fmt.Errorf("%w: %q is a rating", ErrNoMatch, s)
	}
	if m := compactPattern.FindStringSubmatch(s); m != nil {
		base, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
		if err == nil {
			mult := 1e3
			if strings.EqualFold(m[2], "m") {
				mult = 1e6
			}
			return int64(math.Round(base * mult)), nil
		}
	}

	f, err := ParseNumber(s)
	if err != nil {
		return 0, err
	}
	if f > math.MaxInt64 {
		return 0, fmt.Errorf("count out of range: %v", f)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q is fractional", ErrNoMatch, s)
	}
	return int64(f), nil
}

// ParseRating reads "4.5 out of 5 stars" style text and rescales to a five
// point scale when the denominator differs.
func ParseRating(s string) (float64, error) {
	if m := outOfPattern.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse rating: %w", err)
		}
		scale, _ := strconv.ParseFloat(m[2], 64)
		if scale > 0 && scale != 5 {
			v = v / scale * 5
		}
		return v, nil
	}
	return ParseNumber(s)
}

// ParseStarClass reads ratings encoded in icon classes, e.g. a-star-small-4-5.
func ParseStarClass(s string) (float64, error) {
	m := starClass.FindStringSubmatch(s)
	if m == nil {
		return 0, ErrNoMatch
	}
	v, _ := strconv.ParseFloat(m[1], 64)
	if m[2] != "" {
		frac, _ := strconv.ParseFloat(m[2], 64)
		v += frac / 10
	}
	return v, nil
}

func normalizeSeparators(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\'', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, s)

	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case commas == 1:
		// 1,234 is a thousands group, 19,99 a decimal comma
		if len(s)-strings.Index(s, ",")-1 == 3 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	case dots == 1 && len(s)-strings.Index(s, ".")-1 == 3:
		// 1.234 on German storefronts
		s = strings.ReplaceAll(s, ".", "")
	}
	return s
}
