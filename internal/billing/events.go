// Package billing turns verified Stripe webhook events into provisioned
// accounts and subscription cache rows.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"provisioner/internal/retry"
	"provisioner/internal/types"
)

// Stripe event types handled by the router.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.paid"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var validate = validator.New()

// ---------------------------------------------------------------------------
// Event variants
// ---------------------------------------------------------------------------

// Envelope carries the fields shared by every event.
type Envelope struct {
	ID       string `validate:"required"`
	Type     string `validate:"required"`
	Created  time.Time
	Livemode bool
}

// Event is one of *CheckoutCompleted, *InvoicePaid, *SubscriptionUpdated,
// *SubscriptionDeleted or *UnknownEvent. The set is closed: dispatch is
// unexported, so every EventHandler covers every variant.
type Event interface {
	Meta() Envelope
	dispatch(ctx context.Context, h EventHandler) error
}

// EventHandler has one method per Event variant.
type EventHandler interface {
	HandleCheckoutCompleted(ctx context.Context, e *CheckoutCompleted) error
	HandleInvoicePaid(ctx context.Context, e *InvoicePaid) error
	HandleSubscriptionUpdated(ctx context.Context, e *SubscriptionUpdated) error
	HandleSubscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) error
	HandleUnknown(ctx context.Context, e *UnknownEvent) error
}

// Dispatch calls the method of h that matches e.
func Dispatch(ctx context.Context, e Event, h EventHandler) error {
	return e.dispatch(ctx, h)
}

// CheckoutCompleted is a finished Checkout session.
type CheckoutCompleted struct {
	Envelope
	SessionID      string
	Mode           string
	PaymentStatus  string
	CustomerID     string
	SubscriptionID string
	Email          string
	Name           string
	Phone          string
}

func (e *CheckoutCompleted) Meta() Envelope { return e.Envelope }
func (e *CheckoutCompleted) dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleCheckoutCompleted(ctx, e)
}

// Customer returns the billing-side identity carried by the session.
func (e *CheckoutCompleted) Customer() types.Customer {
	return types.Customer{
		Email:            e.Email,
		Name:             e.Name,
		Phone:            e.Phone,
		StripeCustomerID: e.CustomerID,
	}
}

// InvoicePaid is a paid invoice. The period comes from the invoice line that
// bills the subscription.
type InvoicePaid struct {
	Envelope
	InvoiceID      string `validate:"required"`
	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
	CustomerName   string
	BillingReason  string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

func (e *InvoicePaid) Meta() Envelope { return e.Envelope }
func (e *InvoicePaid) dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleInvoicePaid(ctx, e)
}

// Subscription is the subscription object of an updated or deleted event.
type Subscription struct {
	ID                string                   `validate:"required"`
	CustomerID        string                   `validate:"required"`
	Status            types.SubscriptionStatus `validate:"required"`
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

// SubscriptionUpdated carries the subscription after a change.
type SubscriptionUpdated struct {
	Envelope
	Subscription Subscription
}

func (e *SubscriptionUpdated) Meta() Envelope { return e.Envelope }
func (e *SubscriptionUpdated) dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleSubscriptionUpdated(ctx, e)
}

// SubscriptionDeleted carries the subscription after it ended.
type SubscriptionDeleted struct {
	Envelope
	Subscription Subscription
}

func (e *SubscriptionDeleted) Meta() Envelope { return e.Envelope }
func (e *SubscriptionDeleted) dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleSubscriptionDeleted(ctx, e)
}

// UnknownEvent is any type the router does not handle.
type UnknownEvent struct {
	Envelope
}

func (e *UnknownEvent) Meta() Envelope { return e.Envelope }
func (e *UnknownEvent) dispatch(ctx context.Context, h EventHandler) error {
	return h.HandleUnknown(ctx, e)
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

// The structs below hold only the fields the pipeline reads; the full
// stripe-go event types are not needed.

type wireEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// expandableID accepts either an ID string or an expanded object with an
// "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type wireCheckout struct {
	ID              string       `json:"id"`
	Mode            string       `json:"mode"`
	PaymentStatus   string       `json:"payment_status"`
	Customer        expandableID `json:"customer"`
	Subscription    expandableID `json:"subscription"`
	CustomerEmail   string       `json:"customer_email"`
	CustomerDetails *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"customer_details"`
}

type wirePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type wireInvoiceLine struct {
	Type         string       `json:"type"`
	Subscription expandableID `json:"subscription"`
	Period       wirePeriod   `json:"period"`
	Parent       *struct {
		SubscriptionItemDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_item_details"`
	} `json:"parent"`
}

func (l wireInvoiceLine) subscription() string {
	if l.Subscription != "" {
		return string(l.Subscription)
	}
	if l.Parent != nil && l.Parent.SubscriptionItemDetails != nil {
		return string(l.Parent.SubscriptionItemDetails.Subscription)
	}
	return ""
}

type wireInvoice struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	CustomerEmail string       `json:"customer_email"`
	CustomerName  string       `json:"customer_name"`
	BillingReason string       `json:"billing_reason"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []wireInvoiceLine `json:"data"`
	} `json:"lines"`
}

type wireSubscription struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseEnvelope decodes only the shared fields. It lets the ledger record an
// event whose object cannot be parsed.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, retry.Permanent(types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid webhook event JSON", err))
	}
	env := envelopeOf(w)
	if err := validate.Struct(env); err != nil {
		return Envelope{}, retry.Permanent(types.NewAppError(types.ErrCodeValidationInvalidEvent, "webhook event is missing id or type", err))
	}
	return env, nil
}

// ParseEvent decodes raw into its Event variant. Errors are permanent: the
// same payload will never parse on a later attempt.
func ParseEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, retry.Permanent(types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid webhook event JSON", err))
	}
	env := envelopeOf(w)

	var ev Event
	var err error
	switch env.Type {
	case EventCheckoutCompleted:
		ev, err = parseCheckout(env, w.Data.Object)
	case EventInvoicePaid:
		ev, err = parseInvoice(env, w.Data.Object)
	case EventSubscriptionUpdated:
		var sub Subscription
		sub, err = parseSubscription(w.Data.Object)
		ev = &SubscriptionUpdated{Envelope: env, Subscription: sub}
	case EventSubscriptionDeleted:
		var sub Subscription
		sub, err = parseSubscription(w.Data.Object)
		ev = &SubscriptionDeleted{Envelope: env, Subscription: sub}
	default:
		ev = &UnknownEvent{Envelope: env}
	}
	if err != nil {
		return nil, retry.Permanent(types.NewAppError(
			types.ErrCodeValidationInvalidEvent,
			fmt.Sprintf("invalid %s object", env.Type),
			err,
		))
	}

	if err := validate.Struct(ev); err != nil {
		return nil, retry.Permanent(types.NewAppError(
			types.ErrCodeValidationInvalidEvent,
			fmt.Sprintf("invalid %s event", env.Type),
			err,
		))
	}
	return ev, nil
}

func envelopeOf(w wireEvent) Envelope {
	env := Envelope{ID: w.ID, Type: w.Type, Livemode: w.Livemode}
	if w.Created > 0 {
		env.Created = time.Unix(w.Created, 0).UTC()
	}
	return env
}

func parseCheckout(env Envelope, obj json.RawMessage) (*CheckoutCompleted, error) {
	var w wireCheckout
	if err := json.Unmarshal(obj, &w); err != nil {
		return nil, err
	}
	e := &CheckoutCompleted{
		Envelope:       env,
		SessionID:      w.ID,
		Mode:           w.Mode,
		PaymentStatus:  w.PaymentStatus,
		CustomerID:     string(w.Customer),
		SubscriptionID: string(w.Subscription),
	}
	if w.CustomerDetails != nil {
		e.Email = w.CustomerDetails.Email
		e.Name = w.CustomerDetails.Name
		e.Phone = w.CustomerDetails.Phone
	}
	if e.Email == "" {
		e.Email = w.CustomerEmail
	}
	e.Email = strings.TrimSpace(e.Email)
	return e, nil
}

func parseInvoice(env Envelope, obj json.RawMessage) (*InvoicePaid, error) {
	var w wireInvoice
	if err := json.Unmarshal(obj, &w); err != nil {
		return nil, err
	}

	subID := string(w.Subscription)
	if subID == "" && w.Parent != nil && w.Parent.SubscriptionDetails != nil {
		subID = string(w.Parent.SubscriptionDetails.Subscription)
	}

	e := &InvoicePaid{
		Envelope:      env,
		InvoiceID:     w.ID,
		CustomerID:    string(w.Customer),
		CustomerEmail: strings.TrimSpace(w.CustomerEmail),
		CustomerName:  w.CustomerName,
		BillingReason: w.BillingReason,
	}

	// Prefer the line that bills this subscription; fall back to the first
	// line with a period.
	var chosen *wireInvoiceLine
	for i := range w.Lines.Data {
		line := &w.Lines.Data[i]
		if line.Period.End == 0 {
			continue
		}
		if subID != "" && line.subscription() == subID {
			chosen = line
			break
		}
		if chosen == nil {
			chosen = line
		}
	}
	if chosen != nil {
		if subID == "" {
			subID = chosen.subscription()
		}
		e.PeriodStart = unixOrZero(chosen.Period.Start)
		e.PeriodEnd = unixOrZero(chosen.Period.End)
	}
	e.SubscriptionID = subID
	return e, nil
}

func parseSubscription(obj json.RawMessage) (Subscription, error) {
	var w wireSubscription
	if err := json.Unmarshal(obj, &w); err != nil {
		return Subscription{}, err
	}
	start, end := w.CurrentPeriodStart, w.CurrentPeriodEnd
	if (start == 0 || end == 0) && len(w.Items.Data) > 0 {
		start = w.Items.Data[0].CurrentPeriodStart
		end = w.Items.Data[0].CurrentPeriodEnd
	}
	return Subscription{
		ID:                w.ID,
		CustomerID:        string(w.Customer),
		Status:            types.SubscriptionStatus(w.Status),
		CancelAtPeriodEnd: w.CancelAtPeriodEnd,
		PeriodStart:       unixOrZero(start),
		PeriodEnd:         unixOrZero(end),
	}, nil
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
