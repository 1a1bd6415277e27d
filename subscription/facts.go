package subscription

import (
	"errors"
	"fmt"
	"time"
)

// Platform identifies which store a subscription lineage belongs to.
type Platform string

const (
	PlatformAppStore  Platform = "APP_STORE"
	PlatformPlayStore Platform = "PLAY_STORE"
)

// ParsePlatform maps client-supplied platform strings onto the closed enum.
func ParsePlatform(s string) (Platform, error) {
	switch s {
	case "ios", "apple", "APP_STORE":
		return PlatformAppStore, nil
	case "android", "google", "PLAY_STORE":
		return PlatformPlayStore, nil
	}
	return "", fmt.Errorf("%w: unknown platform %q", ErrProviderUnavailable, s)
}

// Status is the single closed vocabulary for subscription lifecycle state.
// Provider strings are collapsed onto it at the adapter boundary and never
// stored raw.
type Status string

const (
	StatusActive          Status = "ACTIVE"
	StatusTrialing        Status = "TRIALING"
	StatusBillingRetry    Status = "BILLING_RETRY"
	StatusExpired         Status = "EXPIRED"
	StatusRevoked         Status = "REVOKED"
	StatusCanceled        Status = "CANCELED"
	StatusCanceledPending Status = "CANCELED_PENDING"
)

// ParseStatus validates a stored status string. Unrecognized values are a
// provider-data problem, never silently defaulted.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusTrialing, StatusBillingRetry, StatusExpired,
		StatusRevoked, StatusCanceled, StatusCanceledPending:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown subscription status %q", ErrProviderUnavailable, s)
}

// Entitled reports whether a status grants feature access. CANCELED_PENDING
// and BILLING_RETRY retain access until the provider closes the period.
func (s Status) Entitled() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusBillingRetry, StatusCanceledPending:
		return true
	}
	return false
}

// Terminal statuses are exited only by a purchase carrying a new lineage id.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// Source tags which of the ingestion paths produced a fact.
type Source string

const (
	SourceReceipt      Source = "receipt"      // client-submitted receipt verification
	SourceNotification Source = "notification" // provider push notification
	SourceHistory      Source = "history"      // scheduled full-history sync
	SourceProcessor    Source = "processor"    // payment-processor webhook / in-app request
)

// Kind is the provider-agnostic event semantic of a fact.
type Kind string

const (
	KindInitialPurchase Kind = "initial_purchase" // first purchase of a lineage, trial or paid
	KindRenewal         Kind = "renewal"          // renewal succeeded
	KindRenewalFailed   Kind = "renewal_failed"   // renewal attempt failed, provider will retry
	KindAutoRenewToggle Kind = "auto_renew_toggle"
	KindProductChange   Kind = "product_change" // different product at next renewal
	KindExpired         Kind = "expired"        // period lapsed with no successful renewal
	KindRevoked         Kind = "revoked"        // refund / chargeback / family-sharing loss
	KindCancelRequested Kind = "cancel_requested"
	KindCancelConfirmed Kind = "cancel_confirmed"
)

// priorityTier orders conflicting facts for the same transaction: a terminal
// or negative signal must never be overwritten by a stale positive one.
func (k Kind) priorityTier() int {
	switch k {
	case KindRevoked, KindExpired:
		return 3
	case KindRenewalFailed:
		return 2
	case KindInitialPurchase, KindRenewal:
		return 1
	default: // toggles, product changes, cancellation markers
		return 0
	}
}

// toggleOnly facts are independent of transaction lineage ordering and are
// never subject to the staleness check.
func (k Kind) toggleOnly() bool {
	switch k {
	case KindAutoRenewToggle, KindProductChange, KindCancelRequested, KindCancelConfirmed:
		return true
	}
	return false
}

// Facts is the flat, provider-agnostic record every adapter produces. The
// reconciler never sees a provider SDK type.
type Facts struct {
	Kind     Kind
	Platform Platform

	ProductID             string
	OriginalTransactionID string
	TransactionID         string

	PurchaseDate   time.Time
	ExpirationDate time.Time
	EventTime      time.Time // wall-clock time the provider assigned to the event

	IsTrial bool

	// Renewal metadata; nil pointers mean "not carried by this fact".
	AutoRenew        *bool
	BillingRetry     bool
	CancellationDate *time.Time
	RevocationDate   *time.Time
	PendingProductID string
}

// Validate rejects facts an adapter should never have produced.
func (f *Facts) Validate() error {
	if f.Platform != PlatformAppStore && f.Platform != PlatformPlayStore {
		return fmt.Errorf("%w: facts carry unknown platform %q", ErrProviderUnavailable, f.Platform)
	}
	if f.OriginalTransactionID == "" {
		return errors.New("facts missing original transaction id")
	}
	if f.Kind == "" {
		return errors.New("facts missing kind")
	}
	return nil
}

// App Store Server Notifications V2 type/subtype vocabulary. Decoders surface
// these untouched; mapping them onto Kind happens here, on the reconciler's
// side of the boundary.
const (
	NotificationSubscribed           = "SUBSCRIBED"
	NotificationDidRenew             = "DID_RENEW"
	NotificationDidFailToRenew       = "DID_FAIL_TO_RENEW"
	NotificationExpired              = "EXPIRED"
	NotificationGracePeriodExpired   = "GRACE_PERIOD_EXPIRED"
	NotificationDidChangeRenewStatus = "DID_CHANGE_RENEWAL_STATUS"
	NotificationDidChangeRenewPref   = "DID_CHANGE_RENEWAL_PREF"
	NotificationRevoke               = "REVOKE"
	NotificationRefund               = "REFUND"

	SubtypeInitialBuy      = "INITIAL_BUY"
	SubtypeResubscribe     = "RESUBSCRIBE"
	SubtypeAutoRenewOn     = "AUTO_RENEW_ENABLED"
	SubtypeAutoRenewOff    = "AUTO_RENEW_DISABLED"
	SubtypeBillingRecovery = "BILLING_RECOVERY"
)

// ErrUnhandledNotification marks notification types this system deliberately
// ignores (consumption requests, price increase consent, ...).
var ErrUnhandledNotification = errors.New("unhandled notification type")

// FactsFromNotification folds a decoded notification into a Facts record.
func FactsFromNotification(notificationType, subtype string, txn TransactionFacts, renewal *RenewalFacts) (*Facts, error) {
	f := &Facts{
		Platform:              PlatformAppStore,
		ProductID:             txn.ProductID,
		OriginalTransactionID: txn.OriginalTransactionID,
		TransactionID:         txn.TransactionID,
		PurchaseDate:          txn.PurchaseDate,
		ExpirationDate:        txn.ExpiresDate,
		EventTime:             txn.SignedDate,
		RevocationDate:        txn.RevocationDate,
	}
	if renewal != nil {
		autoRenew := renewal.AutoRenewStatus == 1
		f.AutoRenew = &autoRenew
		f.PendingProductID = renewal.AutoRenewProductID
	}

	switch notificationType {
	case NotificationSubscribed:
		f.Kind = KindInitialPurchase
		f.IsTrial = subtype == SubtypeInitialBuy && txn.OfferType == offerTypeIntroductory
		if subtype == SubtypeResubscribe {
			f.Kind = KindRenewal
		}
	case NotificationDidRenew:
		f.Kind = KindRenewal
	case NotificationDidFailToRenew:
		f.Kind = KindRenewalFailed
		f.BillingRetry = true
	case NotificationExpired, NotificationGracePeriodExpired:
		f.Kind = KindExpired
	case NotificationDidChangeRenewStatus:
		f.Kind = KindAutoRenewToggle
		if f.AutoRenew == nil {
			return nil, fmt.Errorf("%w: renewal-status change without renewal info", ErrProviderUnavailable)
		}
	case NotificationDidChangeRenewPref:
		f.Kind = KindProductChange
		if f.PendingProductID == "" {
			return nil, fmt.Errorf("%w: renewal-pref change without pending product", ErrProviderUnavailable)
		}
	case NotificationRevoke, NotificationRefund:
		f.Kind = KindRevoked
		if f.RevocationDate == nil {
			now := txn.SignedDate
			f.RevocationDate = &now
		}
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnhandledNotification, notificationType, subtype)
	}

	return f, nil
}

const offerTypeIntroductory = 1

// TransactionFacts are the decoded claims of a signed App Store transaction.
type TransactionFacts struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	PurchaseDate          time.Time
	ExpiresDate           time.Time
	SignedDate            time.Time
	RevocationDate        *time.Time
	OfferType             int
	Environment           string
}

// RenewalFacts are the decoded claims of signed App Store renewal info.
type RenewalFacts struct {
	OriginalTransactionID string
	AutoRenewProductID    string
	AutoRenewStatus       int // 1 = will renew
	IsInBillingRetry      bool
	ExpirationIntent      int
}
