package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"provisioner/internal/external"
	"provisioner/internal/fanout"
	"provisioner/internal/types"
)

// --- In-memory ledger ---

type memLedger struct {
	mu     sync.Mutex
	events map[string]*types.WebhookEvent
	// recordErr fails RecordEvent when set.
	recordErr error
}

func newMemLedger() *memLedger {
	return &memLedger{events: make(map[string]*types.WebhookEvent)}
}

func (l *memLedger) RecordEvent(_ context.Context, id, eventType string, payload json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	if e, ok := l.events[id]; ok {
		e.Type = eventType
		e.Payload = payload
		return nil
	}
	l.events[id] = &types.WebhookEvent{ID: id, Type: eventType, Payload: payload, CreatedAt: time.Now()}
	return nil
}

func (l *memLedger) IsProcessed(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[id]
	return ok && e.Processed, nil
}

func (l *memLedger) MarkProcessing(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	e := l.events[id]
	e.RetryCount++
	e.LastRetryAt = &now
	return nil
}

func (l *memLedger) MarkProcessed(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	e := l.events[id]
	e.Processed = true
	e.ProcessedAt = &now
	e.ProcessingError = nil
	return nil
}

func (l *memLedger) MarkFailed(_ context.Context, id string, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[id]
	if !ok || e.Processed {
		return nil
	}
	now := time.Now()
	e.ProcessingError = &reason
	e.FailedAt = &now
	return nil
}

func (l *memLedger) GetByID(_ context.Context, id string) (*types.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundWebhookEvent, "not found", nil)
	}
	cp := *e
	return &cp, nil
}

func (l *memLedger) get(id string) *types.WebhookEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[id]
}

// --- In-memory identity provider ---

type memIdentities struct {
	mu       sync.Mutex
	byEmail  map[string]string
	creates  int
	finds    int
	next     int
	createFn func(email string) error
}

func newMemIdentities() *memIdentities {
	return &memIdentities{byEmail: make(map[string]string)}
}

func (m *memIdentities) CreateIdentity(_ context.Context, addr string, _ map[string]any) (*types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createFn != nil {
		if err := m.createFn(addr); err != nil {
			return nil, err
		}
	}
	if _, ok := m.byEmail[addr]; ok {
		return nil, external.ErrIdentityExists
	}
	m.next++
	id := fmt.Sprintf("user-%d", m.next)
	m.byEmail[addr] = id
	return &types.Identity{ID: id, Email: addr}, nil
}

func (m *memIdentities) FindIdentityByEmail(_ context.Context, addr string) (*types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	id, ok := m.byEmail[addr]
	if !ok {
		return nil, external.ErrIdentityNotFound
	}
	return &types.Identity{ID: id, Email: addr}, nil
}

// --- In-memory profiles ---

type memProfiles struct {
	mu        sync.Mutex
	rows      map[string]*types.Profile
	upserts   int
	upsertErr error
}

func newMemProfiles() *memProfiles {
	return &memProfiles{rows: make(map[string]*types.Profile)}
}

func (m *memProfiles) GetByID(_ context.Context, id string) (*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
	}
	cp := *p
	return &cp, nil
}

// Upsert keeps stored values where the input is empty and never overwrites
// subscription_started_at, like the SQL it stands in for.
func (m *memProfiles) Upsert(_ context.Context, in types.ProfileUpsert) (*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	p, ok := m.rows[in.ID]
	if !ok {
		p = &types.Profile{ID: in.ID, CreatedAt: time.Now()}
		m.rows[in.ID] = p
	}
	p.Email = in.Email
	if in.Name != "" {
		p.Name = in.Name
	}
	if in.Phone != "" {
		p.Phone = in.Phone
	}
	if in.StripeCustomerID != "" {
		p.StripeCustomerID = in.StripeCustomerID
	}
	if p.SubscriptionStartedAt == nil {
		started := in.SubscriptionStartedAt
		p.SubscriptionStartedAt = &started
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

// --- In-memory subscription cache ---

type memCache struct {
	mu      sync.Mutex
	rows    map[string]types.SubscriptionCache
	upserts int
	err     error
}

func newMemCache() *memCache {
	return &memCache{rows: make(map[string]types.SubscriptionCache)}
}

// Upsert follows upsert_subscription_cache: periods and the cancel flag
// keep their stored value when the snapshot leaves them unset.
func (m *memCache) Upsert(_ context.Context, s types.SubscriptionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.err != nil {
		return m.err
	}
	row, ok := m.rows[s.SubscriptionID]
	row.SubscriptionID = s.SubscriptionID
	row.CustomerID = s.CustomerID
	row.Status = s.Status
	if !s.CurrentPeriodStart.IsZero() {
		t := s.CurrentPeriodStart
		row.CurrentPeriodStart = &t
	}
	if !s.CurrentPeriodEnd.IsZero() {
		t := s.CurrentPeriodEnd
		row.CurrentPeriodEnd = &t
	}
	switch {
	case s.CancelAtPeriodEnd != nil:
		row.CancelAtPeriodEnd = *s.CancelAtPeriodEnd
	case !ok:
		row.CancelAtPeriodEnd = false
	}
	row.StripeUpdatedAt = s.StripeUpdatedAt
	m.rows[s.SubscriptionID] = row
	return nil
}

func (m *memCache) row(id string) (types.SubscriptionCache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return r, ok
}

// --- Fan-out and billing provider doubles ---

type recordingIntegration struct {
	mu       sync.Mutex
	name     types.IntegrationName
	subjects []fanout.Subject
	err      error
}

func (r *recordingIntegration) Name() types.IntegrationName { return r.name }

func (r *recordingIntegration) Run(_ context.Context, subj fanout.Subject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subj)
	return r.err
}

func (r *recordingIntegration) calls() []fanout.Subject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fanout.Subject(nil), r.subjects...)
}

type fakeCustomers struct {
	customer *types.Customer
	err      error
	calls    int
}

func (f *fakeCustomers) GetCustomer(context.Context, string) (*types.Customer, error) {
	f.calls++
	return f.customer, f.err
}

func noSleep(context.Context, time.Duration) error { return nil }

// --- Payload builders ---

func checkoutPayload(id, email, customer, subscription string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"created": 1700000000,
		"livemode": false,
		"data": {"object": {
			"id": "cs_test_1",
			"mode": "subscription",
			"payment_status": "paid",
			"customer": %q,
			"subscription": %q,
			"customer_details": {"email": %q, "name": "Ana Díaz", "phone": "+34600000000"}
		}}
	}`, id, customer, subscription, email))
}

func invoicePaidPayload(id, subscription, customer string, start, end int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "invoice.paid",
		"created": 1700000100,
		"data": {"object": {
			"id": "in_1",
			"customer": %q,
			"subscription": %q,
			"customer_email": "ana@example.com",
			"lines": {"data": [
				{"type": "subscription", "subscription": %q, "period": {"start": %d, "end": %d}}
			]}
		}}
	}`, id, customer, subscription, subscription, start, end))
}

func subscriptionPayload(id, eventType, subscription, customer, status string, cancel bool, start, end int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"created": 1700000100,
		"data": {"object": {
			"id": %q,
			"customer": %q,
			"status": %q,
			"cancel_at_period_end": %t,
			"current_period_start": %d,
			"current_period_end": %d
		}}
	}`, id, eventType, subscription, customer, status, cancel, start, end))
}
