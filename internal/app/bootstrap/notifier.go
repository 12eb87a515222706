package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	appconfig "github.com/wolfman30/carebook/internal/config"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/pkg/logging"
)

// Email providers accepted in EMAIL_PROVIDER.
const (
	EmailProviderSendGrid = "sendgrid"
	EmailProviderSES      = "ses"
	EmailProviderStub     = "stub"
)

// BuildNotifier wires the outbound email port for the configured provider.
// awsCfg is only consulted for SES.
func BuildNotifier(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	sender, err := buildEmailSender(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	mailer, err := notify.NewMailer(sender, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return mailer, nil
}

func buildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.EmailSender, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.EmailProvider))
	switch provider {
	case EmailProviderSendGrid:
		sg := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFromAddress,
			FromName:  cfg.EmailFromName,
		}, logger)
		if sg == nil {
			logger.Warn("sendgrid selected but SENDGRID_API_KEY is empty; using stub email sender")
			return notify.NewStubEmailSender(logger), nil
		}
		logger.Info("email provider configured", "provider", provider)
		return sg, nil
	case EmailProviderSES:
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: ses email provider requires aws config")
		}
		logger.Info("email provider configured", "provider", provider, "region", awsCfg.Region)
		return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.EmailFromAddress,
			FromName:  cfg.EmailFromName,
		}, logger), nil
	case "", EmailProviderStub:
		return notify.NewStubEmailSender(logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown email provider %q", cfg.EmailProvider)
	}
}
