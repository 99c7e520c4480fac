// Package model holds the option and instrument types shared across the
// hedging engine: vanilla options, contract/option kind enums, and helpers
// for Deribit-style instrument names.
package model

import (
	"fmt"
	"strings"
	"time"
)

// OptionType is the option kind (call or put).
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// ParseOptionType parses a serialized option type.
func ParseOptionType(s string) (OptionType, error) {
	switch OptionType(strings.ToLower(s)) {
	case Call:
		return Call, nil
	case Put:
		return Put, nil
	}
	return "", fmt.Errorf("invalid option type %q", s)
}

// ContractType is the settlement style of an option.
// Inverse contracts are settled and margined in the underlying coin, so
// their coin-denominated mark price itself contributes delta.
type ContractType string

const (
	Inverse  ContractType = "inverse"
	Standard ContractType = "standard"
)

// ParseContractType parses a serialized contract type.
func ParseContractType(s string) (ContractType, error) {
	switch ContractType(strings.ToLower(s)) {
	case Inverse:
		return Inverse, nil
	case Standard:
		return Standard, nil
	}
	return "", fmt.Errorf("invalid contract type %q", s)
}

// VanillaOption is a single option position. Quantity is signed:
// positive = long, negative = short.
type VanillaOption struct {
	InstrumentName string       `json:"instrument_name"`
	OptionType     OptionType   `json:"option_type"`
	Strike         float64      `json:"strike"`
	Expiry         time.Time    `json:"expiry"`
	Quantity       float64      `json:"quantity"`
	Underlying     string       `json:"underlying"`
	ContractType   ContractType `json:"contract_type"`
	AvgEntry       float64      `json:"avg_entry,omitempty"`

	// Runtime caches from the live ticker feed.
	MarkPrice float64 `json:"mark_price,omitempty"`
	IV        float64 `json:"iv,omitempty"`
	USDValue  float64 `json:"usd_value,omitempty"`
	Delta     float64 `json:"delta,omitempty"`
}

// Validate checks the structural invariants of the option.
func (o *VanillaOption) Validate() error {
	if o.InstrumentName == "" {
		return fmt.Errorf("option missing instrument name")
	}
	if o.Strike <= 0 {
		return fmt.Errorf("option %s: strike must be positive, got %v", o.InstrumentName, o.Strike)
	}
	if o.OptionType != Call && o.OptionType != Put {
		return fmt.Errorf("option %s: invalid option type %q", o.InstrumentName, o.OptionType)
	}
	if o.ContractType != Inverse && o.ContractType != Standard {
		return fmt.Errorf("option %s: invalid contract type %q", o.InstrumentName, o.ContractType)
	}
	if o.Expiry.IsZero() {
		return fmt.Errorf("option %s: missing expiry", o.InstrumentName)
	}
	return nil
}

// Normalize forces the expiry to UTC. Persisted portfolios from older
// versions may carry local offsets.
func (o *VanillaOption) Normalize() {
	o.Expiry = o.Expiry.UTC()
}

// YearsToExpiry returns the time to expiry in years at the given instant.
// Expired options return a non-positive value.
func (o *VanillaOption) YearsToExpiry(now time.Time) float64 {
	return o.Expiry.Sub(now).Seconds() / (365 * 24 * 3600)
}

// PerpetualInstrument returns the perpetual future symbol for an underlying,
// e.g. "BTC" -> "BTC-PERPETUAL".
func PerpetualInstrument(underlying string) string {
	return strings.ToUpper(underlying) + "-PERPETUAL"
}
