// Package analysis summarizes session rows.
package analysis

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/maltedev/listing-scraper/internal/models"
)

// DefaultTop is the length of each ranking.
const DefaultTop = 5

type Entry struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Rating      float64 `json:"rating"`
	ReviewCount int64   `json:"review_count"`
	Price       float64 `json:"price"`
	// Score is rating per price unit, set for best value entries only.
	Score float64 `json:"score,omitempty"`
}

type PriceStats struct {
	Priced  int     `json:"priced"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

// Summary aggregates one schema's rows. Ratings, prices and counts of zero
// are treated as missing since they are the defaults for absent fields.
type Summary struct {
	Schema         string     `json:"schema"`
	Total          int        `json:"total"`
	Rated          int        `json:"rated"`
	AverageRating  float64    `json:"average_rating"`
	AverageReviews float64    `json:"average_review_count,omitempty"`
	Price          PriceStats `json:"price"`
	TopRated       []Entry    `json:"top_rated"`
	MostReviewed   []Entry    `json:"most_reviewed,omitempty"`
	BestValue      []Entry    `json:"best_value,omitempty"`

	Verified       int             `json:"verified,omitempty"`
	AverageHelpful float64         `json:"average_helpful,omitempty"`
	Sentiment      *SentimentStats `json:"sentiment,omitempty"`
}

// Summarize computes the summary with DefaultTop entries per ranking.
func Summarize(rows []models.OutputRow) Summary {
	return SummarizeTop(rows, DefaultTop)
}

func SummarizeTop(rows []models.OutputRow, top int) Summary {
	s := Summary{Total: len(rows)}
	if len(rows) == 0 {
		return s
	}
	s.Schema = rows[0].Schema().Name

	entries := make([]Entry, 0, len(rows))
	var ratingSum, priceSum float64
	var reviewSum, helpfulSum int64
	var polaritySum float64
	isProduct := rows[0].Schema() == models.ProductSchema
	if !isProduct {
		s.Sentiment = &SentimentStats{}
	}
	for _, row := range rows {
		e := Entry{
			ID:          row.ID(),
			Title:       row.String(models.FieldTitle),
			Rating:      row.Float(models.FieldRating),
			ReviewCount: row.Int(models.FieldReviewCount),
			Price:       row.Float(models.FieldPrice),
		}
		entries = append(entries, e)

		if e.Rating > 0 {
			s.Rated++
			ratingSum += e.Rating
		}
		reviewSum += e.ReviewCount
		if e.Price > 0 {
			if s.Price.Priced == 0 || e.Price < s.Price.Min {
				s.Price.Min = e.Price
			}
			if e.Price > s.Price.Max {
				s.Price.Max = e.Price
			}
			s.Price.Priced++
			priceSum += e.Price
		}
		if row.Bool(models.FieldVerified) {
			s.Verified++
		}
		helpfulSum += row.Int(models.FieldHelpful)
		if s.Sentiment != nil {
			p := Polarity(row.String(models.FieldBody))
			s.Sentiment.add(p)
			polaritySum += p
		}
	}

	if s.Rated > 0 {
		s.AverageRating = ratingSum / float64(s.Rated)
	}
	if s.Price.Priced > 0 {
		s.Price.Average = priceSum / float64(s.Price.Priced)
	}

	if isProduct {
		s.AverageReviews = float64(reviewSum) / float64(s.Total)
	} else {
		s.AverageHelpful = float64(helpfulSum) / float64(s.Total)
		s.Sentiment.AveragePolarity = polaritySum / float64(s.Total)
	}

	s.TopRated = rank(entries, top, func(e Entry) bool { return e.Rating > 0 }, func(a, b Entry) bool {
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.ReviewCount > b.ReviewCount
	})
	if isProduct {
		s.MostReviewed = rank(entries, top, func(e Entry) bool { return e.ReviewCount > 0 }, func(a, b Entry) bool {
			return a.ReviewCount > b.ReviewCount
		})

		value := make([]Entry, 0, len(entries))
		for _, e := range entries {
			if e.Rating > 0 && e.Price > 0 {
				e.Score = e.Rating / e.Price
				value = append(value, e)
			}
		}
		s.BestValue = rank(value, top, nil, func(a, b Entry) bool { return a.Score > b.Score })
	}

	return s
}

// rank returns the first n entries passing keep, ordered by less. Ties keep
// the input order.
func rank(entries []Entry, n int, keep func(Entry) bool, less func(a, b Entry) bool) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// RenderTable writes the summary as rounded go-pretty tables.
func RenderTable(w io.Writer, s Summary) {
	t := newTable(w)
	t.SetTitle("Summary")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"Rows", s.Total})
	t.AppendRow(table.Row{"Rated", s.Rated})
	t.AppendRow(table.Row{"Average rating", fmt.Sprintf("%.2f", s.AverageRating)})
	if s.Schema == models.ProductSchema.Name {
		t.AppendRow(table.Row{"Average reviews", fmt.Sprintf("%.1f", s.AverageReviews)})
		t.AppendRow(table.Row{"Priced", s.Price.Priced})
		if s.Price.Priced > 0 {
			t.AppendRow(table.Row{"Price min / avg / max",
				fmt.Sprintf("%.2f / %.2f / %.2f", s.Price.Min, s.Price.Average, s.Price.Max)})
		}
	} else if s.Total > 0 {
		t.AppendRow(table.Row{"Verified purchases", s.Verified})
		t.AppendRow(table.Row{"Average helpful votes", fmt.Sprintf("%.1f", s.AverageHelpful)})
		if s.Sentiment != nil {
			t.AppendRow(table.Row{"Average polarity", fmt.Sprintf("%.2f", s.Sentiment.AveragePolarity)})
			t.AppendRow(table.Row{"Positive / neutral / negative",
				fmt.Sprintf("%d / %d / %d", s.Sentiment.Positive, s.Sentiment.Neutral, s.Sentiment.Negative)})
		}
	}
	t.Render()

	renderRanking(w, "Top rated", s.TopRated, false)
	renderRanking(w, "Most reviewed", s.MostReviewed, false)
	renderRanking(w, "Best value", s.BestValue, true)
}

func renderRanking(w io.Writer, title string, entries []Entry, score bool) {
	if len(entries) == 0 {
		return
	}
	t := newTable(w)
	t.SetTitle(title)
	header := table.Row{"#", "ID", "Title", "Rating", "Reviews", "Price"}
	if score {
		header = append(header, "Rating/Price")
	}
	t.AppendHeader(header)
	for i, e := range entries {
		row := table.Row{i + 1, e.ID, text.Trim(e.Title, 48), fmt.Sprintf("%.1f", e.Rating), e.ReviewCount, fmt.Sprintf("%.2f", e.Price)}
		if score {
			row = append(row, fmt.Sprintf("%.3f", e.Score))
		}
		t.AppendRow(row)
	}
	t.Render()
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}
