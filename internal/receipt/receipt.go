package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the outcome of validating a record.
type Status string

const (
	// StatusDraft marks a record whose items are still being structured.
	StatusDraft        Status = "draft"
	StatusValid        Status = "valid"
	StatusInconsistent Status = "inconsistent"
	StatusUnverifiable Status = "unverifiable"
)

// LineItem is one purchased item on a receipt.
type LineItem struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Category  Category        `json:"category"`
	// Confidence is the model's or OCR's certainty in [0,1].
	Confidence float64 `json:"confidence"`
}

// Subtotal is unit price times quantity.
func (i LineItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Record is the structured result of processing one receipt image.
type Record struct {
	ID               string              `json:"id"`
	Filename         string              `json:"filename,omitempty"`
	Items            []LineItem          `json:"items"`
	DetectedSubtotal decimal.NullDecimal `json:"detected_subtotal"`
	DetectedTotal    decimal.NullDecimal `json:"detected_total"`
	Currency         string              `json:"currency"`
	Status           Status              `json:"validation_status"`
	// Issues are human readable notes attached by the validator.
	Issues []string `json:"issues,omitempty"`
	// Tier and Model identify the backend that structured the items.
	Tier      string    `json:"tier"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// ItemsTotal sums the item subtotals.
func (r *Record) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range r.Items {
		sum = sum.Add(item.Subtotal())
	}
	return sum
}

// clone returns a deep copy so a validated record never shares item storage with its draft
func (r *Record) clone() *Record {
	c := *r
	c.Items = append([]LineItem(nil), r.Items...)
	c.Issues = append([]string(nil), r.Issues...)
	return &c
}
