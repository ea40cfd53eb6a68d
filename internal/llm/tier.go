package llm

import (
	"fmt"
	"strings"
	"time"
)

// Tier identifies a configured model backend.
type Tier int

const (
	// AnyTier means the caller has no preference.
	AnyTier Tier = iota
	Fast
	CloudHosted
	Local
)

// Precedence is the order tiers are tried in when the caller has no preference.
var Precedence = []Tier{Fast, CloudHosted, Local}

func (t Tier) String() string {
	switch t {
	case Fast:
		return "fast"
	case CloudHosted:
		return "cloud"
	case Local:
		return "local"
	}
	return "any"
}

// MarshalText lets tiers appear by name in JSON.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier accepts the tier names used in configuration and on the wire.
// The empty string means AnyTier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "auto":
		return AnyTier, nil
	case "fast", "expert":
		return Fast, nil
	case "cloud", "cloudhosted", "cloud-hosted", "advanced":
		return CloudHosted, nil
	case "local", "basic":
		return Local, nil
	}
	return AnyTier, fmt.Errorf("unknown tier %q", s)
}

// Availability is the health of a tier as seen by the router.
type Availability string

const (
	Available Availability = "available"
	Degraded  Availability = "degraded"
)

// TierConfig describes one tier handed to the router.
type TierConfig struct {
	Tier    Tier
	Invoker Invoker
	// Cost is debited from the ledger for every successful call.
	Cost          int64
	MaxConcurrent int
	// Timeout bounds a single call. Zero uses the router default.
	Timeout time.Duration
	// RequestsPerSecond throttles calls when positive.
	RequestsPerSecond float64
}

// TierStatus is a point-in-time snapshot of a tier.
type TierStatus struct {
	Tier          Tier         `json:"tier"`
	Provider      string       `json:"provider"`
	Model         string       `json:"model"`
	Cost          int64        `json:"cost"`
	MaxConcurrent int          `json:"max_concurrent"`
	InFlight      int          `json:"in_flight"`
	Availability  Availability `json:"availability"`
	DegradedUntil *time.Time   `json:"degraded_until,omitempty"`
}

// Through returns t and every tier that precedes it.
func Through(t Tier) []Tier {
	for i, p := range Precedence {
		if p == t {
			return append([]Tier(nil), Precedence[:i+1]...)
		}
	}
	return nil
}
