package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/carebook/pkg/logging"
)

// VelocityChecker limits how often a booking can start payments and how
// often refunds can be requested for one payment.
type VelocityChecker struct {
	redis  *redis.Client
	logger *logging.Logger
	config VelocityConfig
}

// VelocityConfig contains velocity check configuration.
type VelocityConfig struct {
	// Max payment initiations per booking per window
	MaxInitiationsPerBooking int
	// Max refund requests per payment per window
	MaxRefundsPerPayment     int

	Window time.Duration

	EnableInitiationCheck bool
	EnableRefundCheck     bool
}

// DefaultVelocityConfig returns default velocity limits.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		MaxInitiationsPerBooking: 5,
		MaxRefundsPerPayment:     3,
		Window:                   24 * time.Hour,
		EnableInitiationCheck:    true,
		EnableRefundCheck:        true,
	}
}

// VelocityResult contains the result of a velocity check.
type VelocityResult struct {
	Allowed      bool
	CheckType    string
	CurrentCount int
	MaxAllowed   int
	WindowExpiry time.Time
	Message      string
}

// NewVelocityChecker creates a new velocity checker. A nil client disables
// every check.
func NewVelocityChecker(redisClient *redis.Client, config VelocityConfig, logger *logging.Logger) *VelocityChecker {
	if logger == nil {
		logger = logging.Default()
	}
	if config.Window <= 0 {
		config.Window = 24 * time.Hour
	}
	return &VelocityChecker{
		redis:  redisClient,
		logger: logger,
		config: config,
	}
}

// CheckInitiation counts a payment initiation for bookingID.
func (v *VelocityChecker) CheckInitiation(ctx context.Context, bookingID string) (*VelocityResult, error) {
	if v == nil {
		return &VelocityResult{Allowed: true, CheckType: "initiation"}, nil
	}
	return v.check(ctx, "initiation", bookingID, v.config.EnableInitiationCheck, v.config.MaxInitiationsPerBooking)
}

// CheckRefund counts a refund request for paymentID.
func (v *VelocityChecker) CheckRefund(ctx context.Context, paymentID string) (*VelocityResult, error) {
	if v == nil {
		return &VelocityResult{Allowed: true, CheckType: "refund"}, nil
	}
	return v.check(ctx, "refund", paymentID, v.config.EnableRefundCheck, v.config.MaxRefundsPerPayment)
}

func (v *VelocityChecker) check(ctx context.Context, checkType, subject string, enabled bool, limit int) (*VelocityResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "velocity.check_"+checkType)
	defer span.End()
	span.SetAttributes(attribute.String("velocity.check_type", checkType))

	if !enabled || v.redis == nil || limit <= 0 {
		return &VelocityResult{Allowed: true, CheckType: checkType}, nil
	}

	key := velocityKey(checkType, subject)
	count, expiry, err := v.incrementAndGet(ctx, key, v.config.Window)
	if err != nil {
		v.logger.Error("velocity check failed", "error", err, "key", key)
		// Fail open - allow the request if Redis is down
		return &VelocityResult{Allowed: true, CheckType: checkType, Message: "velocity check unavailable"}, nil
	}

	result := &VelocityResult{
		Allowed:      count <= limit,
		CheckType:    checkType,
		CurrentCount: count,
		MaxAllowed:   limit,
		WindowExpiry: expiry,
	}
	if !result.Allowed {
		result.Message = fmt.Sprintf("exceeded %d %s attempts in %s", limit, checkType, v.config.Window)
		v.logger.FromContext(ctx).Warn("velocity exceeded",
			"check", checkType,
			"subject", subject,
			"count", count,
			"max", limit,
		)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return result, nil
}

// incrementAndGet increments a counter and returns the new value with expiry time.
func (v *VelocityChecker) incrementAndGet(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	// Set expiry only on first increment
	if count == 1 {
		v.redis.Expire(ctx, key, window)
	}

	ttl, err := v.redis.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return int(count), time.Now().Add(ttl), nil
}

// Reset clears the counter for subject (admin use).
func (v *VelocityChecker) Reset(ctx context.Context, checkType, subject string) error {
	if v == nil || v.redis == nil {
		return nil
	}
	return v.redis.Del(ctx, velocityKey(checkType, subject)).Err()
}

func velocityKey(checkType, subject string) string {
	return fmt.Sprintf("velocity:%s:%s", checkType, subject)
}
