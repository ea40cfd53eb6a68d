package receipt

import "strings"

// Category is one of a closed set of spending categories.
type Category string

const (
	Groceries     Category = "Groceries"
	Electronics   Category = "Electronics"
	Clothing      Category = "Clothing"
	Restaurant    Category = "Restaurant"
	Pharmacy      Category = "Pharmacy"
	Entertainment Category = "Entertainment"
	Travel        Category = "Travel"
	Utilities     Category = "Utilities"
	Other         Category = "Other"
	// Uncategorized is assigned when the model gave no usable category.
	Uncategorized Category = "Uncategorized"
)

var allCategories = []Category{
	Groceries,
	Electronics,
	Clothing,
	Restaurant,
	Pharmacy,
	Entertainment,
	Travel,
	Utilities,
	Other,
	Uncategorized,
}

var categorySynonyms = map[string]Category{
	"grocery":     Groceries,
	"food":        Groceries,
	"produce":     Groceries,
	"dairy":       Groceries,
	"bakery":      Groceries,
	"meat":        Groceries,
	"beverages":   Groceries,
	"drinks":      Groceries,
	"tech":        Electronics,
	"electronic":  Electronics,
	"apparel":     Clothing,
	"clothes":     Clothing,
	"dining":      Restaurant,
	"meals":       Restaurant,
	"restaurants": Restaurant,
	"takeout":     Restaurant,
	"health":      Pharmacy,
	"medicine":    Pharmacy,
	"drugstore":   Pharmacy,
	"pharmacy":    Pharmacy,
	"fun":         Entertainment,
	"movies":      Entertainment,
	"transport":   Travel,
	"fuel":        Travel,
	"gas":         Travel,
	"hotel":       Travel,
	"utility":     Utilities,
	"bills":       Utilities,
	"misc":        Other,
	"household":   Other,
}

// Categories lists the closed category set.
func Categories() []Category {
	return append([]Category(nil), allCategories...)
}

// ParseCategory maps free-form model output onto the closed set. Empty or
// unknown input yields Uncategorized and false.
func ParseCategory(input string) (Category, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return Uncategorized, false
	}
	for _, c := range allCategories {
		if normalized == strings.ToLower(string(c)) {
			return c, true
		}
	}
	if c, ok := categorySynonyms[normalized]; ok {
		return c, true
	}
	return Uncategorized, false
}
