package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/maltedev/listing-scraper/internal/extract"
	"github.com/maltedev/listing-scraper/internal/models"
)

const DefaultBaseURL = "https://www.amazon.com"

const (
	ProfileProducts = "products"
	ProfileReviews  = "reviews"
)

// Profile describes one kind of listing: where it starts, how items are
// found and extracted, and how the next page is reached.
type Profile struct {
	Name     string
	Subject  string
	StartURL string
	Schema   *models.Schema
	Chains   []extract.Chain

	// ItemSelectors are tried in order; the first one matching any node
	// defines the items of a page.
	ItemSelectors     []string
	ContentSelector   string
	NextSelectors     []string
	DisabledSelectors []string
	PageParam         string

	// PopupSelectors are dismissed once after landing.
	PopupSelectors []string
	// ExpanderSelector is clicked on every page before extraction. Failure
	// is not fatal.
	ExpanderSelector string
}

// ProductSearchProfile scrapes the search result listing for query.
func ProductSearchProfile(base, query string) Profile {
	base = normalizeBase(base)
	return Profile{
		Name:     ProfileProducts,
		Subject:  query,
		StartURL: fmt.Sprintf("%s/s?k=%s", base, url.QueryEscape(query)),
		Schema:   models.ProductSchema,
		Chains:   extract.ProductChains(base),
		ItemSelectors: []string{
			"div[data-component-type='s-search-result']",
			".s-result-item[data-asin]",
			".sg-col-inner .a-section.a-spacing-base",
			".s-main-slot > div",
		},
		ContentSelector: ".s-main-slot, #search, div[data-component-type='s-search-result']",
		NextSelectors: []string{
			"a.s-pagination-next",
			".s-pagination-strip a.s-pagination-next",
			".a-pagination .a-last a",
		},
		DisabledSelectors: []string{
			".s-pagination-next.s-pagination-disabled",
			".a-pagination .a-last.a-disabled",
		},
		PageParam: "page",
		PopupSelectors: []string{
			".a-popover-header-close",
			"#nav-main-close",
			".a-button-close",
			".a-closebutton",
			".a-close-button",
		},
	}
}

// ReviewProfile scrapes the review list of one product.
func ReviewProfile(base, asin string) Profile {
	base = normalizeBase(base)
	return Profile{
		Name:     ProfileReviews,
		Subject:  asin,
		StartURL: fmt.Sprintf("%s/product-reviews/%s?pageNumber=1", base, url.PathEscape(asin)),
		Schema:   models.ReviewSchema,
		Chains:   extract.ReviewChains(asin),
		ItemSelectors: []string{
			"[data-hook='review']",
			"div.review",
			"#cm_cr-review_list .a-section.celwidget",
		},
		ContentSelector: "#cm_cr-review_list, [data-hook='review']",
		NextSelectors: []string{
			"li.a-last a",
			"[data-hook='pagination-next']",
			".a-pagination .a-last a",
		},
		DisabledSelectors: []string{
			"li.a-last.a-disabled",
			".a-pagination .a-last.a-disabled",
		},
		PageParam: "pageNumber",
		PopupSelectors: []string{
			".a-popover-header-close",
			".a-button-close",
		},
		ExpanderSelector: ".a-expander-prompt",
	}
}

// ProfileFor resolves a profile by name. subject is the query for product
// searches and the ASIN for reviews.
func ProfileFor(name, base, subject string) (Profile, error) {
	if strings.TrimSpace(subject) == "" {
		return Profile{}, ErrEmptySubject
	}
	switch name {
	case "", ProfileProducts:
		return ProductSearchProfile(base, subject), nil
	case ProfileReviews:
		return ReviewProfile(base, subject), nil
	default:
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
}

func normalizeBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return DefaultBaseURL
	}
	return base
}
