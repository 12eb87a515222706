package pricing

import (
	"context"

	"github.com/shopspring/decimal"
)

// PricingType decides how the base price scales.
type PricingType string

const (
	TypeFlat       PricingType = "FLAT"
	TypeHourly     PricingType = "HOURLY"
	TypePerSession PricingType = "PER_SESSION"
	TypeQuoteBased PricingType = "QUOTE_BASED"
)

// ModifierType is how a matching rule changes the running total.
type ModifierType string

const (
	ModifierAdd      ModifierType = "ADD"
	ModifierSubtract ModifierType = "SUBTRACT"
	ModifierMultiply ModifierType = "MULTIPLY"
)

// Condition is a conjunction of optional predicates. A nil field is not
// evaluated; an empty Condition always matches.
type Condition struct {
	LocationEquals *string `json:"locationEquals,omitempty"`
	DiasporaEquals *bool   `json:"diasporaEquals,omitempty"`
	HoursAtLeast   *int    `json:"hoursAtLeast,omitempty"`
}

// Rule adjusts a service price when its condition matches.
type Rule struct {
	ID            string          `json:"id"`
	ServiceID     string          `json:"serviceId"`
	Name          string          `json:"name"`
	Condition     Condition       `json:"condition"`
	ModifierType  ModifierType    `json:"modifierType"`
	PriceModifier decimal.Decimal `json:"priceModifier"`
	IsActive      bool            `json:"isActive"`
	Position      int             `json:"position"`
}

// Service is the catalog row consumed by pricing. BasePrice is in major units.
type Service struct {
	ID                  string
	Name                string
	PricingType         PricingType
	BasePrice           *decimal.Decimal
	Currency            string
	ExternalEventTypeID string
	Rules               []Rule
}

// Context carries the booking attributes rules can match on.
type Context struct {
	Location            *string
	Hours               *int
	Sessions            *int
	IsDiaspora          *bool
	IsFirstConsultation bool
}

// Line kinds in a quote breakdown.
const (
	LineBase  = "base"
	LineRule  = "rule"
	LineClamp = "clamp"
)

// BreakdownLine records the delta one step contributed to the price.
type BreakdownLine struct {
	Kind   string          `json:"kind"`
	RuleID string          `json:"ruleId,omitempty"`
	Label  string          `json:"label"`
	Delta  decimal.Decimal `json:"delta"`
}

// Quote is the result of pricing a service. Price is nil when a manual quote
// is required. A priced quote opens its Breakdown with the base line; the
// deltas of the lines after it sum to Price minus Base.
type Quote struct {
	ServiceID           string           `json:"serviceId"`
	ServiceName         string           `json:"serviceName"`
	Price               *decimal.Decimal `json:"price"`
	Base                decimal.Decimal  `json:"base"`
	Currency            string           `json:"currency"`
	IsQuoteRequired     bool             `json:"isQuoteRequired"`
	BasePriceConfigured bool             `json:"basePriceConfigured"`
	Breakdown           []BreakdownLine  `json:"breakdown"`
}

// Catalog is the persistence boundary for services and their rules.
type Catalog interface {
	GetService(ctx context.Context, id string) (*Service, error)
	ServiceForEventType(ctx context.Context, eventTypeID string) (*Service, error)
}

// ToMinor converts a major-unit amount to integer minor units (kobo, cents).
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinor converts integer minor units to a major-unit decimal.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// FormatMinor renders minor units with two decimals, e.g. 11000 -> "110.00".
func FormatMinor(minor int64) string {
	return FromMinor(minor).StringFixed(2)
}
