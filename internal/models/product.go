package models

// Field names shared by the product listing chains and ProductSchema.
const (
	FieldID          = "id"
	FieldTitle       = "title"
	FieldPrice       = "price"
	FieldRating      = "rating"
	FieldReviewCount = "review_count"
	FieldURL         = "url"
	FieldDate        = "date"
)

// ProductSchema is the fixed listing output. Column count and order never
// change; CSV consumers read it positionally.
var ProductSchema = &Schema{
	Name:     "product",
	Identity: "id",
	Columns: []Column{
		{Name: "id", Field: FieldID, Type: TypeString},
		{Name: "title", Field: FieldTitle, Type: TypeString},
		{Name: "price", Field: FieldPrice, Type: TypeNumber, Bounded: true, Min: 0, Max: 1e9},
		{Name: "rating", Field: FieldRating, Type: TypeNumber, Bounded: true, Min: 0, Max: 5},
		{Name: "review_count", Field: FieldReviewCount, Type: TypeInteger, Bounded: true, Min: 0, Max: 1e12},
		{Name: "url", Field: FieldURL, Type: TypeString},
		{Name: "date", Field: FieldDate, Type: TypeTimestamp},
	},
}
