package receipt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Records holds the records processed in this session, in arrival order.
type Records struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Record
}

func NewRecords() *Records {
	return &Records{byID: make(map[string]*Record)}
}

// Add stores r. Adding an ID twice replaces the earlier record in place.
func (s *Records) Add(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.byID[r.ID] = r.clone()
}

// Get returns a copy of the record with id.
func (s *Records) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return r.clone(), nil
}

// List returns copies of all records, oldest first.
func (s *Records) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].clone())
	}
	return out
}

func (s *Records) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Summarize renders records as plain text for a chat model.
func Summarize(records []*Record) string {
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Processed Receipts:\n")
	for _, r := range records {
		name := r.Filename
		if name == "" {
			name = r.ID
		}
		fmt.Fprintf(&b, "- %s (%s, %s", name, r.Currency, r.Status)
		if r.DetectedTotal.Valid {
			fmt.Fprintf(&b, ", total %s", r.DetectedTotal.Decimal.StringFixed(2))
		}
		b.WriteString("):\n")
		for _, item := range r.Items {
			fmt.Fprintf(&b, "  - %s x%d @ %s [%s]\n", item.Name, item.Quantity, item.UnitPrice.StringFixed(2), item.Category)
		}
	}

	type key struct {
		currency string
		category Category
	}
	totals := map[key]decimal.Decimal{}
	var keys []key
	for _, r := range records {
		for _, item := range r.Items {
			k := key{r.Currency, item.Category}
			if _, ok := totals[k]; !ok {
				keys = append(keys, k)
			}
			totals[k] = totals[k].Add(item.Subtotal())
		}
	}
	if len(keys) > 0 {
		b.WriteString("\nSpending by Category:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s %s\n", k.category, totals[k].StringFixed(2), k.currency)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
