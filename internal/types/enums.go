package types

// SubscriptionStatus mirrors the billing provider's subscription states.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusPaused            SubscriptionStatus = "paused"
)

// Known reports whether s is one of the statuses the provider documents.
func (s SubscriptionStatus) Known() bool {
	switch s {
	case SubStatusActive, SubStatusPastDue, SubStatusCanceled, SubStatusIncomplete,
		SubStatusIncompleteExpired, SubStatusTrialing, SubStatusUnpaid, SubStatusPaused:
		return true
	default:
		return false
	}
}

// GrantsAccess reports whether a subscription in this state entitles the
// customer to the product.
func (s SubscriptionStatus) GrantsAccess() bool {
	return s == SubStatusActive || s == SubStatusTrialing || s == SubStatusPastDue
}

// IntegrationName identifies one downstream side effect of provisioning.
type IntegrationName string

const (
	IntegrationWelcomeEmail IntegrationName = "welcome_email"
	IntegrationAnalytics    IntegrationName = "analytics_webhook"
	IntegrationConversion   IntegrationName = "conversion_tracking"
	IntegrationWallet       IntegrationName = "wallet"
)

// OutcomeStatus is the settled state of a single integration call.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// ProcessResult describes how the pipeline disposed of a webhook event.
type ProcessResult string

const (
	ResultProcessed        ProcessResult = "processed"
	ResultAlreadyProcessed ProcessResult = "already_processed"
	ResultIgnored          ProcessResult = "ignored"
	ResultFailed           ProcessResult = "failed"
)

// WalletProviderCavos is the wallet_provider value written for wallets
// created through the Cavos/Aegis API.
const WalletProviderCavos = "cavos"
