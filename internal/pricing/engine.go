package pricing

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/wolfman30/carebook/internal/apperr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var pricingTracer = otel.Tracer("carebook.internal.pricing")

// ErrPricingNotConfigured is returned for priced services without a positive base price.
var ErrPricingNotConfigured = apperr.Validation(apperr.CodePricingNotConfigured, "service has no base price configured")

// Engine prices services loaded from a Catalog.
type Engine struct {
	catalog Catalog
}

func NewEngine(catalog Catalog) *Engine {
	return &Engine{catalog: catalog}
}

// Price loads the service and computes its quote for c.
func (e *Engine) Price(ctx context.Context, serviceID string, c Context) (*Quote, error) {
	ctx, span := pricingTracer.Start(ctx, "pricing.price")
	defer span.End()
	span.SetAttributes(attribute.String("pricing.service_id", serviceID))

	svc, err := e.catalog.GetService(ctx, serviceID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	q, err := Compute(*svc, c)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("pricing.quote_required", q.IsQuoteRequired))
	return q, nil
}

// Compute is the pure pricing function.
func Compute(svc Service, c Context) (*Quote, error) {
	q := &Quote{
		ServiceID:           svc.ID,
		ServiceName:         svc.Name,
		Currency:            svc.Currency,
		BasePriceConfigured: svc.BasePrice != nil && svc.BasePrice.IsPositive(),
		Breakdown:           []BreakdownLine{},
	}
	if svc.PricingType == TypeQuoteBased {
		q.IsQuoteRequired = true
		return q, nil
	}
	// Free first visits hold even for services whose price is not set up yet.
	if c.IsFirstConsultation {
		zero := decimal.Zero
		q.Price = &zero
		return q, nil
	}
	if !q.BasePriceConfigured {
		return nil, ErrPricingNotConfigured
	}

	base := *svc.BasePrice
	switch svc.PricingType {
	case TypeHourly:
		base = base.Mul(decimal.NewFromInt(int64(unitsOrOne(c.Hours))))
	case TypePerSession:
		base = base.Mul(decimal.NewFromInt(int64(unitsOrOne(c.Sessions))))
	case TypeFlat:
	default:
		return nil, fmt.Errorf("pricing: unknown pricing type %q", svc.PricingType)
	}
	q.Base = base
	q.Breakdown = append(q.Breakdown, BreakdownLine{Kind: LineBase, Label: "base price", Delta: base})

	running := base
	for _, rule := range orderedActive(svc.Rules) {
		if !Matches(rule.Condition, c) {
			continue
		}
		var next decimal.Decimal
		switch rule.ModifierType {
		case ModifierAdd:
			next = running.Add(rule.PriceModifier)
		case ModifierSubtract:
			next = running.Sub(rule.PriceModifier)
		case ModifierMultiply:
			next = running.Mul(rule.PriceModifier).Round(2)
		default:
			return nil, fmt.Errorf("pricing: rule %s has unknown modifier %q", rule.ID, rule.ModifierType)
		}
		q.Breakdown = append(q.Breakdown, BreakdownLine{
			Kind:   LineRule,
			RuleID: rule.ID,
			Label:  rule.Name,
			Delta:  next.Sub(running),
		})
		running = next
	}

	if running.IsNegative() {
		q.Breakdown = append(q.Breakdown, BreakdownLine{
			Kind:  LineClamp,
			Label: "price floor",
			Delta: running.Neg(),
		})
		running = decimal.Zero
	}
	q.Price = &running
	return q, nil
}

// Matches reports whether every present predicate of cond holds for c.
// A missing location or hours fails its predicate; missing diaspora reads as false.
func Matches(cond Condition, c Context) bool {
	if cond.LocationEquals != nil {
		if c.Location == nil || *c.Location != *cond.LocationEquals {
			return false
		}
	}
	if cond.DiasporaEquals != nil {
		diaspora := c.IsDiaspora != nil && *c.IsDiaspora
		if diaspora != *cond.DiasporaEquals {
			return false
		}
	}
	if cond.HoursAtLeast != nil {
		if c.Hours == nil || *c.Hours < *cond.HoursAtLeast {
			return false
		}
	}
	return true
}

func orderedActive(rules []Rule) []Rule {
	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Position < active[j].Position })
	return active
}

func unitsOrOne(v *int) int {
	if v == nil || *v <= 0 {
		return 1
	}
	return *v
}
