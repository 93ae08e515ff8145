package external

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"provisioner/internal/email"
	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// Stub implementations let the service boot locally without vendor
// credentials. They log every call with redacted addresses and return
// predictable values.

// StubCustomerLookup reports every customer as missing.
type StubCustomerLookup struct {
	logger *slog.Logger
}

// NewStubCustomerLookup creates a StubCustomerLookup.
func NewStubCustomerLookup(logger *slog.Logger) *StubCustomerLookup {
	return &StubCustomerLookup{logger: logger}
}

func (s *StubCustomerLookup) GetCustomer(ctx context.Context, customerID string) (*types.Customer, error) {
	s.logger.InfoContext(ctx, "stub: GetCustomer called", "customer_id", customerID)
	return nil, retry.Permanent(types.NewAppError(types.ErrCodeNotFoundCustomer,
		fmt.Sprintf("customer %s not found", customerID), nil))
}

// StubIdentityProvider keeps identities in memory for the life of the
// process.
type StubIdentityProvider struct {
	logger *slog.Logger

	mu      sync.Mutex
	byEmail map[string]*types.Identity
}

// NewStubIdentityProvider creates an empty StubIdentityProvider.
func NewStubIdentityProvider(logger *slog.Logger) *StubIdentityProvider {
	return &StubIdentityProvider{logger: logger, byEmail: make(map[string]*types.Identity)}
}

func (s *StubIdentityProvider) CreateIdentity(ctx context.Context, addr string, _ map[string]any) (*types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(addr)
	if _, ok := s.byEmail[key]; ok {
		return nil, ErrIdentityExists
	}
	id := &types.Identity{ID: uuid.NewString(), Email: addr}
	s.byEmail[key] = id
	s.logger.InfoContext(ctx, "stub: CreateIdentity called", "email", email.RedactEmail(addr), "user_id", id.ID)
	return id, nil
}

func (s *StubIdentityProvider) FindIdentityByEmail(_ context.Context, addr string) (*types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[strings.ToLower(addr)]; ok {
		return id, nil
	}
	return nil, ErrIdentityNotFound
}

func (s *StubIdentityProvider) GenerateAccessLink(ctx context.Context, addr string) (string, error) {
	s.logger.InfoContext(ctx, "stub: GenerateAccessLink called", "email", email.RedactEmail(addr))
	return "https://auth.stub.local/verify?token=" + uuid.NewString(), nil
}

// StubEmailProvider logs messages instead of sending them.
type StubEmailProvider struct {
	logger *slog.Logger
}

// NewStubEmailProvider creates a StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send email called",
		"to", email.RedactEmail(input.To),
		"subject", input.Subject,
		"from", input.From.Address,
	)
	return "msg_stub_" + input.ReferenceID, nil
}

// StubWalletProvider returns a deterministic fake address per email.
type StubWalletProvider struct {
	logger *slog.Logger
}

// NewStubWalletProvider creates a StubWalletProvider.
func NewStubWalletProvider(logger *slog.Logger) *StubWalletProvider {
	return &StubWalletProvider{logger: logger}
}

func (s *StubWalletProvider) CreateWallet(ctx context.Context, addr string, _ string) (string, error) {
	s.logger.InfoContext(ctx, "stub: CreateWallet called", "email", email.RedactEmail(addr))
	return "0xstub" + HashIdentifier(addr)[:40], nil
}

// StubSubscriberSink logs analytics and conversion events.
type StubSubscriberSink struct {
	logger *slog.Logger
}

// NewStubSubscriberSink creates a StubSubscriberSink.
func NewStubSubscriberSink(logger *slog.Logger) *StubSubscriberSink {
	return &StubSubscriberSink{logger: logger}
}

func (s *StubSubscriberSink) Publish(ctx context.Context, event SubscriberEvent) error {
	s.logger.InfoContext(ctx, "stub: analytics Publish called", "event_id", event.EventID, "event_name", event.EventName)
	return nil
}

func (s *StubSubscriberSink) TrackSubscription(ctx context.Context, event SubscriberEvent) error {
	s.logger.InfoContext(ctx, "stub: TrackSubscription called", "event_id", event.EventID)
	return nil
}

var (
	_ CustomerLookup    = (*StubCustomerLookup)(nil)
	_ IdentityProvider  = (*StubIdentityProvider)(nil)
	_ EmailProvider     = (*StubEmailProvider)(nil)
	_ WalletProvider    = (*StubWalletProvider)(nil)
	_ AnalyticsSink     = (*StubSubscriberSink)(nil)
	_ ConversionTracker = (*StubSubscriberSink)(nil)
)
