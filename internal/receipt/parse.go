package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

// ErrStructuringParse is returned when a model answer holds no usable line items.
var ErrStructuringParse = errors.New("could not parse line items from model response")

// itemSchema is the minimum shape an item object must have before we try to decode it
const itemSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"item": {"type": "string", "minLength": 1},
		"unit_price": {"type": ["number", "string"]},
		"price": {"type": ["number", "string"]},
		"quantity": {"type": ["number", "string", "null"]},
		"category": {"type": ["string", "null"]},
		"confidence": {"type": ["number", "null"]}
	},
	"allOf": [
		{"anyOf": [{"required": ["name"]}, {"required": ["item"]}]},
		{"anyOf": [{"required": ["unit_price"]}, {"required": ["price"]}]}
	]
}`

var compiledItemSchema = jsonschema.MustCompileString("item.json", itemSchema)

var (
	reFence        = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	reLineComment  = regexp.MustCompile(`(?m)(^|[\s,\[{])//[^\n]*`)
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reNone         = regexp.MustCompile(`\bNone\b`)
	reTrue         = regexp.MustCompile(`\bTrue\b`)
	reFalse        = regexp.MustCompile(`\bFalse\b`)
	reSingleQuoted = regexp.MustCompile(`'([^']*)'`)
	reTrailing     = regexp.MustCompile(`,\s*([}\]])`)
	rePriceNoise   = regexp.MustCompile(`[^0-9.,]`)
	reDigits       = regexp.MustCompile(`\d+`)
)

// parsedReceipt is the tolerant decoding of one model answer
type parsedReceipt struct {
	Items    []LineItem
	Subtotal decimal.NullDecimal
	Total    decimal.NullDecimal
	Currency string
	Dropped  int
}

// ParsePrice turns a printed price into a decimal. Currency symbols and codes
// are dropped and both "3.50" and "3,50" read as three fifty. A comma followed
// by exactly three digits is a thousands separator.
func ParsePrice(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	negative := strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") ||
		(strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"))
	s = strings.TrimPrefix(s, "-")
	s = rePriceNoise.ReplaceAllString(s, "")
	s = strings.TrimLeft(strings.TrimRight(s, ".,"), ",")
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	if s == "" {
		return decimal.Zero, fmt.Errorf("no digits in price %q", raw)
	}

	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		if len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		} else {
			s = strings.ReplaceAll(s[:lastDot], ".", "") + s[lastDot:]
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing price %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// repairJSON cleans up the almost-JSON models tend to produce and cuts out
// the outermost object or array.
func repairJSON(text string) string {
	text = strings.TrimSpace(text)
	if m := reFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	text = reBlockComment.ReplaceAllString(text, "")
	text = reLineComment.ReplaceAllString(text, "$1")
	text = reNone.ReplaceAllString(text, "null")
	text = reTrue.ReplaceAllString(text, "true")
	text = reFalse.ReplaceAllString(text, "false")
	if !strings.Contains(text, `"`) {
		text = reSingleQuoted.ReplaceAllString(text, `"$1"`)
	}
	text = reTrailing.ReplaceAllString(text, "$1")

	obj, arr := strings.Index(text, "{"), strings.Index(text, "[")
	switch {
	case obj >= 0 && (arr < 0 || obj < arr):
		if end := strings.LastIndex(text, "}"); end > obj {
			return text[obj : end+1]
		}
	case arr >= 0:
		if end := strings.LastIndex(text, "]"); end > arr {
			return text[arr : end+1]
		}
	}
	return ""
}

// ParseItems extracts line items from a model answer, dropping items that
// cannot be decoded. It fails with ErrStructuringParse when none survive.
func ParseItems(text string) ([]LineItem, error) {
	parsed, err := parseResponse(text)
	if err != nil {
		return nil, err
	}
	return parsed.Items, nil
}

// parseResponse decodes a model answer. It accepts an object with an "items"
// array, a bare array of items, or a single item object.
func parseResponse(text string) (*parsedReceipt, error) {
	cleaned := repairJSON(text)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: no JSON found", ErrStructuringParse)
	}

	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructuringParse, err)
	}

	out := &parsedReceipt{}
	var rawItems []any
	switch v := doc.(type) {
	case []any:
		rawItems = v
	case map[string]any:
		switch {
		case isArray(v["items"]):
			rawItems = v["items"].([]any)
		case isArray(v["line_items"]):
			rawItems = v["line_items"].([]any)
		case v["name"] != nil || v["item"] != nil:
			rawItems = []any{v}
		}
		out.Subtotal = nullPrice(v["subtotal"])
		out.Total = nullPrice(v["total"])
		if c, ok := v["currency"].(string); ok {
			out.Currency = strings.ToUpper(strings.TrimSpace(c))
		}
	}

	for _, raw := range rawItems {
		item, err := decodeItem(raw)
		if err != nil {
			slog.Debug("Dropping unparseable item", "item", raw, "error", err)
			out.Dropped++
			continue
		}
		out.Items = append(out.Items, item)
	}

	if len(out.Items) == 0 {
		return nil, fmt.Errorf("%w: %d candidate items, none usable", ErrStructuringParse, len(rawItems))
	}
	return out, nil
}

func decodeItem(raw any) (LineItem, error) {
	if err := compiledItemSchema.Validate(raw); err != nil {
		return LineItem{}, err
	}
	m := raw.(map[string]any)

	item := LineItem{
		Name:     strings.TrimSpace(firstString(m, "name", "item")),
		Quantity: parseQuantity(m["quantity"]),
	}
	if item.Name == "" {
		return LineItem{}, errors.New("item has no name")
	}

	priceField := m["unit_price"]
	if priceField == nil {
		priceField = m["price"]
	}
	price, err := toDecimal(priceField)
	if err != nil {
		return LineItem{}, err
	}
	if price.IsNegative() {
		return LineItem{}, fmt.Errorf("negative price %s", price)
	}
	item.UnitPrice = price

	category, _ := m["category"].(string)
	item.Category, _ = ParseCategory(category)

	if c, ok := m["confidence"].(float64); ok && c >= 0 && c <= 1 {
		item.Confidence = c
	}
	return item, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch p := v.(type) {
	case float64:
		return decimal.NewFromFloat(p), nil
	case string:
		return ParsePrice(p)
	}
	return decimal.Zero, fmt.Errorf("unsupported price %v", v)
}

func nullPrice(v any) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	d, err := toDecimal(v)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// parseQuantity defaults to 1 for anything missing, fractional below one, or unreadable
func parseQuantity(v any) int {
	switch q := v.(type) {
	case float64:
		if n := int(math.Round(q)); n >= 1 {
			return n
		}
	case string:
		if d := reDigits.FindString(q); d != "" {
			if n, err := strconv.Atoi(d); err == nil && n >= 1 {
				return n
			}
		}
	}
	return 1
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}
