package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-assistant/internal/llm"
	"github.com/zombor/receipt-assistant/internal/ocr"
)

// ErrNoTextDetected is returned when there is nothing to structure.
var ErrNoTextDetected = ocr.ErrNoTextDetected

// Submitter is the part of the model router the structurer and chat need.
type Submitter interface {
	Submit(ctx context.Context, req llm.Request) (*llm.Response, error)
}

const structuringSystemPrompt = `You convert OCR text from shopping receipts into structured data. You never invent items that are not in the text.`

// structuringPrompt is the shared prompt used for every tier when structuring receipts
const structuringPrompt = `Extract every purchased item from the receipt text below.

Return ONLY valid JSON in this exact format:
{
  "items": [
    {"name": "Item name", "unit_price": 0.00, "quantity": 1, "category": "Groceries"}
  ],
  "subtotal": 0.00,
  "total": 0.00,
  "currency": "USD"
}

Important:
- unit_price is the price of a single unit as a number, without currency symbols
- quantity is a whole number; use 1 when the receipt does not say
- category must be one of: %s
- Use null for subtotal or total when they are not printed on the receipt
- Do not list tax, change, payment or total lines as items
- Lines starting with [?] were read with low confidence and may contain OCR mistakes
- Do not include any text before or after the JSON

Receipt text:
%s`

var (
	reTotalLine    = regexp.MustCompile(`(?i)\b(grand\s+total|total|amount\s+due|balance\s+due)\b`)
	reSubtotalLine = regexp.MustCompile(`(?i)\bsub\s*-?\s*total\b`)
	rePriceToken   = regexp.MustCompile(`[$€£]?\s*\d{1,3}(?:[.,]\d{3})*[.,]\d{2}\b|[$€£]?\s*\d+[.,]\d{2}\b`)
)

// Structurer turns recognized receipt text into draft records with the help of a model.
type Structurer struct {
	router    Submitter
	preferred llm.Tier
}

// StructurerOption configures a Structurer.
type StructurerOption func(*Structurer)

// WithPreferredTier asks the router for a specific tier first.
func WithPreferredTier(t llm.Tier) StructurerOption {
	return func(s *Structurer) {
		s.preferred = t
	}
}

// NewStructurer creates a Structurer that calls models through router.
func NewStructurer(router Submitter, opts ...StructurerOption) *Structurer {
	s := &Structurer{router: router}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Structure asks a model to itemize text. An answer that yields no items is
// retried once on the tiers after the one that produced it. Empty input
// returns ErrNoTextDetected without a billable call.
func (s *Structurer) Structure(ctx context.Context, text *ocr.RecognizedText) (*Record, error) {
	if text == nil || len(text.Lines) == 0 {
		return nil, ErrNoTextDetected
	}

	prompt := buildStructuringPrompt(text)

	resp, err := s.router.Submit(ctx, llm.Request{Prompt: prompt, Preferred: s.preferred})
	if err != nil {
		return nil, fmt.Errorf("structuring receipt: %w", err)
	}

	parsed, parseErr := parseResponse(resp.Text)
	if parseErr != nil {
		slog.Warn("Unusable structuring answer, retrying on next tier", "tier", resp.Tier, "model", resp.Model, "error", parseErr)

		retry, err := s.router.Submit(ctx, llm.Request{Prompt: prompt, Exclude: llm.Through(resp.Tier)})
		if err != nil {
			return nil, errors.Join(parseErr, err)
		}
		parsed, err = parseResponse(retry.Text)
		if err != nil {
			return nil, err
		}
		resp = retry
	}

	if parsed.Dropped > 0 {
		slog.Info("Dropped unparseable items", "dropped", parsed.Dropped, "kept", len(parsed.Items))
	}
	return draftRecord(text, parsed, resp), nil
}

func buildStructuringPrompt(text *ocr.RecognizedText) llm.Prompt {
	names := make([]string, 0, len(allCategories))
	for _, c := range allCategories {
		if c != Uncategorized {
			names = append(names, string(c))
		}
	}

	var lines strings.Builder
	for _, l := range text.Lines {
		if l.LowConfidence {
			lines.WriteString("[?] ")
		}
		lines.WriteString(l.Text)
		lines.WriteByte('\n')
	}

	return llm.Prompt{
		System:      structuringSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(structuringPrompt, strings.Join(names, ", "), lines.String())}},
		Temperature: 0.1,
	}
}

func draftRecord(text *ocr.RecognizedText, parsed *parsedReceipt, resp *llm.Response) *Record {
	r := &Record{
		Items:            parsed.Items,
		DetectedSubtotal: parsed.Subtotal,
		DetectedTotal:    parsed.Total,
		Currency:         detectCurrency(text.Text(), parsed.Currency),
		Status:           StatusDraft,
		Tier:             resp.Tier.String(),
		Model:            resp.Model,
	}

	if !r.DetectedTotal.Valid {
		r.DetectedTotal = findAmount(text, reTotalLine, reSubtotalLine)
	}
	if !r.DetectedSubtotal.Valid {
		r.DetectedSubtotal = findAmount(text, reSubtotalLine, nil)
	}

	for i := range r.Items {
		if r.Items[i].Confidence == 0 {
			r.Items[i].Confidence = lineConfidence(text, r.Items[i].Name)
		}
	}
	return r
}

// findAmount returns the last price printed on the last line matching want
func findAmount(text *ocr.RecognizedText, want, skip *regexp.Regexp) decimal.NullDecimal {
	for i := len(text.Lines) - 1; i >= 0; i-- {
		line := text.Lines[i].Text
		if !want.MatchString(line) || (skip != nil && skip.MatchString(line)) {
			continue
		}
		tokens := rePriceToken.FindAllString(line, -1)
		if len(tokens) == 0 {
			continue
		}
		if d, err := ParsePrice(tokens[len(tokens)-1]); err == nil {
			return decimal.NewNullDecimal(d)
		}
	}
	return decimal.NullDecimal{}
}

// lineConfidence uses the OCR confidence of the line naming the item, or the
// mean over all lines
func lineConfidence(text *ocr.RecognizedText, name string) float64 {
	lower := strings.ToLower(name)
	var sum float64
	for _, l := range text.Lines {
		if lower != "" && strings.Contains(strings.ToLower(l.Text), lower) {
			return l.Confidence
		}
		sum += l.Confidence
	}
	return sum / float64(len(text.Lines))
}

func detectCurrency(text, fromModel string) string {
	switch {
	case strings.Contains(text, "€"):
		return "EUR"
	case strings.Contains(text, "£"):
		return "GBP"
	case strings.Contains(text, "$"):
		return "USD"
	case fromModel != "":
		return fromModel
	}
	return "USD"
}
