package extract

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/parser"
)

var starPrefix = regexp.MustCompile(`^\d+(?:[.,]\d+)?\s*(?:out of|von)\s*\d+\s*(?:stars|Sternen)\.?\s*`)

// ProductChains returns the listing chains for search result cards. base is
// the storefront root used to resolve relative links.
func ProductChains(base string) []Chain {
	base = strings.TrimRight(base, "/")
	stars := "i.a-icon-star-small, .a-icon-star, .a-icon-star-mini"

	return []Chain{
		MustChain(models.FieldID, nil,
			Try(Attr("", "data-asin"), parser.ASIN()),
			Try(Attr("[data-asin]", "data-asin"), parser.ASIN()),
			Try(Attr("a[href*='/dp/']", "href"), parser.ASIN()),
		),
		MustChain(models.FieldTitle, productTitleDefault,
			Try(Text("h2 a span"), parser.Text(4)),
			Try(Text("h2 span"), parser.Text(4)),
			Try(Text(".a-text-normal"), parser.Text(4)),
			Try(Text("h2 a"), parser.Text(4)),
			Try(Attr("h2", "aria-label"), parser.Text(4)),
		),
		MustChain(models.FieldPrice, nil,
			Try(Content(".a-price .a-offscreen"), parser.Price()),
			Try(Text(".a-price"), parser.Price()),
			Try(Text(".a-color-price"), parser.Price()),
		),
		MustChain(models.FieldRating, nil,
			Try(Attr(stars, "class"), parser.StarClass()),
			Try(Attr(stars, "aria-label"), parser.Rating()),
			Try(Content(".a-icon-alt"), parser.Rating()),
			Try(Attr("span[aria-label*='out of 5']", "aria-label"), parser.Rating()),
			Try(Text(stars), parser.Rating()),
		),
		MustChain(models.FieldReviewCount, Constant(int64(0)),
			Try(Attr("span[aria-label$='ratings'], span[aria-label$='rating'], span[aria-label$='reviews']", "aria-label"), parser.Count()),
			Try(Text("a[href*='customerReviews']"), parser.Count()),
			Try(Text("span.s-underline-text"), parser.Count()),
		),
		MustChain(models.FieldURL, productURLDefault(base),
			Try(Attr("a[href*='/dp/']", "href"), parser.CanonicalURL(base)),
			Try(Attr("h2 a", "href"), parser.CanonicalURL(base)),
		),
	}
}

func productTitleDefault(r *models.Record) any {
	if id := stringField(r, models.FieldID); id != "" {
		return "Product " + id
	}
	return nil
}

func productURLDefault(base string) DefaultFunc {
	return func(r *models.Record) any {
		if id := stringField(r, models.FieldID); id != "" {
			return fmt.Sprintf("%s/dp/%s", base, id)
		}
		return nil
	}
}

// ReviewChains returns chains for one review card on a product review list.
// productID is used when the page URL does not carry it.
func ReviewChains(productID string) []Chain {
	verified := parser.Flag("Verified Purchase", "Verifizierter Kauf")

	return []Chain{
		MustChain(models.FieldProductID, Constant(productID),
			Try(PageURL(), parser.ASIN()),
		),
		MustChain(models.FieldReviewer, Constant("Anonymous"),
			Try(Text(".a-profile-name"), parser.Text(1)),
			Try(Text("[data-hook='review-author']"), parser.Text(1)),
			Try(Text(".a-profile a"), parser.Text(1)),
			Try(Text(".a-profile"), parser.Text(1)),
		),
		MustChain(models.FieldDate, nil,
			Try(Text("[data-hook='review-date']"), parser.Date()),
			Try(Text(".review-date"), parser.Date()),
			Try(Text(".review-timestamp"), parser.Date()),
		),
		MustChain(models.FieldVerified, Constant(false),
			Try(Text("[data-hook='avp-badge']"), verified),
			Try(Text(".a-color-success"), verified),
		),
		MustChain(models.FieldRating, nil,
			Try(Content("[data-hook='review-star-rating'] .a-icon-alt"), parser.Rating()),
			Try(Content("[data-hook='cmps-review-star-rating'] .a-icon-alt"), parser.Rating()),
			Try(Text(".review-rating"), parser.Rating()),
			Try(Attr("[class*='a-star']", "class"), parser.StarClass()),
		),
		MustChain(models.FieldHelpful, Constant(int64(0)),
			Try(Text("[data-hook='helpful-vote-statement']"), parser.HelpfulVotes()),
			Try(Text(".cr-vote-text"), parser.HelpfulVotes()),
			Try(Text(".review-votes"), parser.HelpfulVotes()),
		),
		MustChain(models.FieldTitle, Constant("No Title"),
			Try(Text("[data-hook='review-title']"), parser.TextWithout(1, starPrefix)),
			Try(Text(".review-title"), parser.TextWithout(1, starPrefix)),
			Try(Text(".review-heading"), parser.TextWithout(1, starPrefix)),
		),
		MustChain(models.FieldBody, Constant("No review text available"),
			Try(Text("[data-hook='review-body']"), parser.Text(1)),
			Try(Text(".review-text"), parser.Text(1)),
			Try(Text(".review-text-content"), parser.Text(1)),
			Try(Text(".a-expander-partial-collapse-content"), parser.Text(1)),
		),
		// last, so the synthesized default can hash the fields above
		MustChain(models.FieldReviewID, reviewIDDefault,
			Try(Attr("", "id"), parser.Identifier()),
			Try(Attr("", "data-review-id"), parser.Identifier()),
		),
	}
}

// reviewIDDefault derives a stable id from the review content so that the
// same review seen twice deduplicates.
func reviewIDDefault(r *models.Record) any {
	h := sha1.New()
	for _, f := range []string{models.FieldProductID, models.FieldReviewer, models.FieldTitle, models.FieldBody} {
		h.Write([]byte(stringField(r, f)))
		h.Write([]byte{0})
	}
	if v, ok := r.Get(models.FieldDate); ok && v.Value != nil {
		h.Write([]byte(fmt.Sprint(v.Value)))
	}
	return "review_" + hex.EncodeToString(h.Sum(nil))[:16]
}

func stringField(r *models.Record, name string) string {
	v, ok := r.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.Value.(string)
	return s
}
