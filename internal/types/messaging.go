package types

// IntegrationRetryMessage is the SQS payload published when an integration
// exhausts its in-process retries. The integration worker consumes it and
// replays exactly one integration. JSON tags use snake_case to match the
// ledger and the queue's other producers.
type IntegrationRetryMessage struct {
	DeliveryID      string          `json:"delivery_id"`
	Integration     IntegrationName `json:"integration"`
	EventID         string          `json:"event_id"`
	UserID          string          `json:"user_id"`
	Email           string          `json:"email"`
	Name            string          `json:"name,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`
	SubscriptionID  string          `json:"subscription_id,omitempty"`
	IsNewSubscriber bool            `json:"is_new_subscriber"`
	LastError       string          `json:"last_error,omitempty"`

	// Attempt counts queue deliveries, not in-process retries. The worker
	// stops re-publishing once it reaches the configured ceiling.
	Attempt int    `json:"attempt"`
	TraceID string `json:"trace_id,omitempty"`
}
