package models

const (
	FieldReviewID  = "review_id"
	FieldProductID = "product_id"
	FieldReviewer  = "name"
	FieldVerified  = "verified_purchase"
	FieldHelpful   = "helpful"
	FieldBody      = "body"
)

// ReviewSchema is the fixed output of review-list sessions.
var ReviewSchema = &Schema{
	Name:     "review",
	Identity: "review_id",
	Columns: []Column{
		{Name: "review_id", Field: FieldReviewID, Type: TypeString},
		{Name: "product_id", Field: FieldProductID, Type: TypeString},
		{Name: "name", Field: FieldReviewer, Type: TypeString},
		{Name: "date", Field: FieldDate, Type: TypeTimestamp},
		{Name: "verified_purchase", Field: FieldVerified, Type: TypeBoolean},
		{Name: "rating", Field: FieldRating, Type: TypeNumber, Bounded: true, Min: 0, Max: 5},
		{Name: "helpful", Field: FieldHelpful, Type: TypeInteger, Bounded: true, Min: 0, Max: 1e12},
		{Name: "title", Field: FieldTitle, Type: TypeString},
		{Name: "body", Field: FieldBody, Type: TypeString},
	},
}
