package billing

import (
	"context"
	"log/slog"

	"provisioner/internal/email"
	"provisioner/internal/external"
	"provisioner/internal/fanout"
	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// CustomerProvisioner provisions the customer of a checkout.
type CustomerProvisioner interface {
	Provision(ctx context.Context, c types.Customer) (*Provisioned, error)
}

// SubscriptionUpdater writes subscription snapshots.
type SubscriptionUpdater interface {
	UpsertSubscription(ctx context.Context, snap types.SubscriptionSnapshot) error
}

// FanoutRunner runs the post-provisioning integrations.
type FanoutRunner interface {
	Run(ctx context.Context, subj fanout.Subject, integrations []fanout.Integration) fanout.Report
}

// RouterConfig holds the dependencies of a Router. Customers is optional;
// without it a checkout with no email fails at once.
type RouterConfig struct {
	Provisioner  CustomerProvisioner
	Cache        SubscriptionUpdater
	Fanout       FanoutRunner
	Integrations []fanout.Integration
	Customers    external.CustomerLookup
	Logger       *slog.Logger
}

// Router handles each parsed event variant.
type Router struct {
	provisioner  CustomerProvisioner
	cache        SubscriptionUpdater
	fanout       FanoutRunner
	integrations []fanout.Integration
	customers    external.CustomerLookup
	logger       *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		provisioner:  cfg.Provisioner,
		cache:        cfg.Cache,
		fanout:       cfg.Fanout,
		integrations: cfg.Integrations,
		customers:    cfg.Customers,
		logger:       logger,
	}
}

// HandleCheckoutCompleted provisions the customer and runs the
// integrations. Integration failures never fail the event.
func (r *Router) HandleCheckoutCompleted(ctx context.Context, e *CheckoutCompleted) error {
	if e.PaymentStatus == "unpaid" {
		r.log(ctx).InfoContext(ctx, "checkout not paid yet, skipping",
			"event_id", e.ID,
			"session_id", e.SessionID,
			"customer_id", e.CustomerID,
		)
		return nil
	}

	customer := e.Customer()
	if customer.Email == "" {
		if err := r.fillFromCustomer(ctx, &customer); err != nil {
			return err
		}
	}

	prov, err := r.provisioner.Provision(ctx, customer)
	if err != nil {
		return err
	}

	subj := fanout.Subject{
		EventID:         e.ID,
		UserID:          prov.UserID,
		Email:           prov.Email,
		Name:            prov.Name,
		CustomerID:      e.CustomerID,
		SubscriptionID:  e.SubscriptionID,
		IsNewSubscriber: prov.IsNewSubscriber,
	}
	report := r.fanout.Run(ctx, subj, r.integrations)
	if failed := report.Failed(); len(failed) > 0 {
		r.log(ctx).WarnContext(ctx, "checkout provisioned with failed integrations",
			"event_id", e.ID,
			"email", email.RedactEmail(prov.Email),
			"customer_id", e.CustomerID,
			"subscription_id", e.SubscriptionID,
			"failed", len(failed),
		)
	}
	return nil
}

// fillFromCustomer asks the billing provider for the customer's email.
// A permanent lookup failure leaves the email empty so provisioning reports
// it as missing; a transient one is returned for retry.
func (r *Router) fillFromCustomer(ctx context.Context, c *types.Customer) error {
	if r.customers == nil || c.StripeCustomerID == "" {
		return nil
	}
	found, err := r.customers.GetCustomer(ctx, c.StripeCustomerID)
	if err != nil {
		if retry.IsPermanent(err) {
			r.log(ctx).WarnContext(ctx, "customer lookup failed",
				"customer_id", c.StripeCustomerID,
				"error", err,
			)
			return nil
		}
		return err
	}
	c.Email = found.Email
	if c.Name == "" {
		c.Name = found.Name
	}
	if c.Phone == "" {
		c.Phone = found.Phone
	}
	return nil
}

// HandleInvoicePaid marks the invoice's subscription active for the billed
// period. Invoices outside a subscription are ignored.
func (r *Router) HandleInvoicePaid(ctx context.Context, e *InvoicePaid) error {
	if e.SubscriptionID == "" {
		r.log(ctx).InfoContext(ctx, "invoice has no subscription, skipping",
			"event_id", e.ID,
			"invoice_id", e.InvoiceID,
		)
		return nil
	}
	return r.cache.UpsertSubscription(ctx, SnapshotFromInvoice(e))
}

func (r *Router) HandleSubscriptionUpdated(ctx context.Context, e *SubscriptionUpdated) error {
	return r.cache.UpsertSubscription(ctx, SnapshotFromSubscription(e.Subscription, e.Envelope, false))
}

func (r *Router) HandleSubscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) error {
	return r.cache.UpsertSubscription(ctx, SnapshotFromSubscription(e.Subscription, e.Envelope, true))
}

// HandleUnknown accepts event types this service does not act on.
func (r *Router) HandleUnknown(ctx context.Context, e *UnknownEvent) error {
	r.log(ctx).InfoContext(ctx, "unhandled event type",
		"event_id", e.ID,
		"event_type", e.Type,
	)
	return nil
}

// log returns the event-scoped logger set by the processor, if any.
func (r *Router) log(ctx context.Context) *slog.Logger {
	return types.LoggerFromContext(ctx, r.logger)
}

var _ EventHandler = (*Router)(nil)

