package external

import (
	"log/slog"
	"net/http"
	"time"

	"provisioner/internal/config"
	"provisioner/internal/security"
)

// ClientRegistry holds every vendor client the pipeline talks to. Optional
// integrations are nil when their configuration is absent.
type ClientRegistry struct {
	Verifier  WebhookVerifier
	Customers CustomerLookup
	Identity  IdentityProvider
	Email     EmailProvider

	Wallet      WalletProvider
	Analytics   AnalyticsSink
	Conversions ConversionTracker
}

// NewClientRegistry builds the vendor clients from cfg. With APP_ENV=local
// every outbound vendor is replaced by a logging stub so the service boots
// without credentials; signature verification stays real.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	verifier := &StripeVerifier{Tolerance: cfg.Billing.WebhookTolerance}

	if cfg.Environment == "local" {
		logger.Info("initializing external clients in STUB mode", "environment", cfg.Environment)
		return newStubRegistry(verifier, logger.With("mode", "stub"))
	}

	logger.Info("initializing external clients", "environment", cfg.Environment)
	return newProductionRegistry(cfg, verifier, logger)
}

func newStubRegistry(verifier WebhookVerifier, logger *slog.Logger) *ClientRegistry {
	return &ClientRegistry{
		Verifier:    verifier,
		Customers:   NewStubCustomerLookup(logger),
		Identity:    NewStubIdentityProvider(logger),
		Email:       NewStubEmailProvider(logger),
		Wallet:      NewStubWalletProvider(logger),
		Analytics:   NewStubSubscriberSink(logger),
		Conversions: NewStubSubscriberSink(logger),
	}
}

func newProductionRegistry(cfg *config.Config, verifier WebhookVerifier, logger *slog.Logger) *ClientRegistry {
	reg := &ClientRegistry{Verifier: verifier}

	reg.Customers = NewStripeClient(&http.Client{Timeout: 20 * time.Second}, StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.APIBaseURL,
		Logger:    logger.With("client", "stripe"),
	})

	reg.Identity = NewGoTrueClient(&http.Client{Timeout: 10 * time.Second}, GoTrueClientConfig{
		BaseURL:        cfg.Identity.SupabaseURL,
		ServiceRoleKey: cfg.Identity.ServiceRoleKey.Unmask(),
		RedirectTo:     cfg.Identity.AccessLinkRedirect,
		Logger:         logger.With("client", "gotrue"),
	})

	reg.Email = NewResendClient(&http.Client{Timeout: 10 * time.Second}, ResendClientConfig{
		APIKey:  cfg.Email.ResendAPIKey.Unmask(),
		BaseURL: cfg.Email.BaseURL,
		Logger:  logger.With("client", "resend"),
	})

	if cfg.Wallet.CavosURL != "" {
		reg.Wallet = NewCavosClient(&http.Client{Timeout: 20 * time.Second}, CavosClientConfig{
			BaseURL: cfg.Wallet.CavosURL,
			APIKey:  cfg.Wallet.CavosAPIKey.Unmask(),
			Network: cfg.Wallet.Network,
			Logger:  logger.With("client", "cavos"),
		})
	}

	if cfg.Analytics.WebhookURL != "" {
		// The destination is operator-supplied, so dials are limited to
		// public addresses.
		reg.Analytics = NewAnalyticsClient(security.NewHTTPClient(10*time.Second, 3), AnalyticsClientConfig{
			URL:    cfg.Analytics.WebhookURL,
			Secret: cfg.Analytics.Secret.Unmask(),
			Gzip:   cfg.Analytics.Gzip,
			Logger: logger.With("client", "analytics"),
		})
	}

	if cfg.Conversion.PixelID != "" {
		reg.Conversions = NewConversionsClient(&http.Client{Timeout: 10 * time.Second}, ConversionsClientConfig{
			BaseURL:     cfg.Conversion.BaseURL,
			PixelID:     cfg.Conversion.PixelID,
			AccessToken: cfg.Conversion.AccessToken.Unmask(),
			Logger:      logger.With("client", "conversions"),
		})
	}

	return reg
}
