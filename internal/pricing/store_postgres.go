package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/wolfman30/carebook/internal/apperr"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCatalog reads services and pricing rules from Postgres.
type PostgresCatalog struct {
	db DB
}

func NewPostgresCatalog(db DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

const serviceColumns = `id, name, pricing_type, base_price::text, currency, COALESCE(external_event_type_id, '')`

func (c *PostgresCatalog) GetService(ctx context.Context, id string) (*Service, error) {
	row := c.db.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("service not found")
		}
		return nil, fmt.Errorf("pricing: get service: %w", err)
	}
	if err := c.loadRules(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

func (c *PostgresCatalog) ServiceForEventType(ctx context.Context, eventTypeID string) (*Service, error) {
	row := c.db.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE external_event_type_id = $1`, eventTypeID)
	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("no service mapped to event type")
		}
		return nil, fmt.Errorf("pricing: service for event type: %w", err)
	}
	if err := c.loadRules(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

func (c *PostgresCatalog) loadRules(ctx context.Context, svc *Service) error {
	rows, err := c.db.Query(ctx, `
		SELECT id, name, location_equals, diaspora_equals, hours_at_least, modifier_type, price_modifier::text, is_active, position
		FROM pricing_rules
		WHERE service_id = $1
		ORDER BY position ASC, id ASC`, svc.ID)
	if err != nil {
		return fmt.Errorf("pricing: list rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r        Rule
			modifier string
			kind     string
		)
		if err := rows.Scan(
			&r.ID, &r.Name,
			&r.Condition.LocationEquals, &r.Condition.DiasporaEquals, &r.Condition.HoursAtLeast,
			&kind, &modifier, &r.IsActive, &r.Position,
		); err != nil {
			return fmt.Errorf("pricing: scan rule: %w", err)
		}
		r.ServiceID = svc.ID
		r.ModifierType = ModifierType(kind)
		r.PriceModifier, err = decimal.NewFromString(modifier)
		if err != nil {
			return fmt.Errorf("pricing: rule %s modifier: %w", r.ID, err)
		}
		svc.Rules = append(svc.Rules, r)
	}
	return rows.Err()
}

func scanService(row pgx.Row) (*Service, error) {
	var (
		svc       Service
		kind      string
		basePrice *string
	)
	if err := row.Scan(&svc.ID, &svc.Name, &kind, &basePrice, &svc.Currency, &svc.ExternalEventTypeID); err != nil {
		return nil, err
	}
	svc.PricingType = PricingType(kind)
	if basePrice != nil {
		d, err := decimal.NewFromString(*basePrice)
		if err != nil {
			return nil, fmt.Errorf("pricing: base price: %w", err)
		}
		svc.BasePrice = &d
	}
	return &svc, nil
}
