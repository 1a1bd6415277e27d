package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recipegen/common"
)

// Error taxonomy surfaced to callers. ErrStaleEvent never leaves Reconcile;
// rejected facts are a logged no-op success.
var (
	ErrInvalidReceipt      = errors.New("invalid receipt")
	ErrVerificationFailed  = errors.New("signature verification failed")
	ErrStaleEvent          = errors.New("stale event")
	ErrLineageConflict     = errors.New("transaction lineage conflict")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Reconciler is the single authority applying normalized facts to subscription
// records. It enforces the lifecycle state machine, the per-lineage ordering
// invariant, and the cross-source priority policy. It holds no locks during
// provider I/O; its adapters finish all I/O before facts reach it.
type Reconciler struct {
	store Store
	now   func() time.Time
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store, now: time.Now}
}

// statusTier ranks the signal that produced the current status, mirroring
// Kind.priorityTier. A fact from a lower tier never overwrites state set by a
// higher tier for the same transaction.
func statusTier(s Status) int {
	switch s {
	case StatusRevoked, StatusExpired:
		return 3
	case StatusBillingRetry:
		return 2
	default:
		return 1
	}
}

// Reconcile applies one fact. userID must be set on the first-purchase flow
// (client-submitted receipts), where the caller knows which user the unseen
// lineage belongs to; every other source passes 0 and is matched by lineage.
//
// A fact rejected by the ordering invariant is a success no-op: the current
// record is returned unchanged and the rejection is logged.
func (r *Reconciler) Reconcile(ctx context.Context, userID int, f *Facts, source Source) (*Record, error) {
	logger := common.GetLogger(ctx)

	if err := f.Validate(); err != nil {
		return nil, err
	}

	apply := func(existing *Record) (*Record, error) {
		return r.applyFacts(existing, userID, f)
	}

	var rec *Record
	var err error

	if _, lookupErr := r.store.FindByLineageID(ctx, f.Platform, f.OriginalTransactionID); lookupErr == nil {
		rec, err = r.store.UpdateAtomic(ctx, f.Platform, f.OriginalTransactionID, apply)
	} else if errors.Is(lookupErr, ErrNotFound) {
		if userID == 0 {
			// Webhooks and history pulls cannot create records: they have no
			// user to attach the lineage to. This mirrors receipts from other
			// installs of the app that never registered here.
			logger.Printf("No subscription for lineage %s (source=%s), ignoring", f.OriginalTransactionID, source)
			return nil, ErrNotFound
		}
		rec, err = r.store.UpdateAtomicByUser(ctx, userID, f.Platform, apply)
	} else {
		return nil, lookupErr
	}

	if errors.Is(err, ErrStaleEvent) {
		logger.Printf("Rejected stale fact for lineage %s: kind=%s source=%s tx=%s",
			f.OriginalTransactionID, f.Kind, source, f.TransactionID)
		return r.store.FindByLineageID(ctx, f.Platform, f.OriginalTransactionID)
	}
	if err != nil {
		return nil, err
	}

	logger.Printf("Reconciled lineage %s: kind=%s source=%s status=%s",
		rec.OriginalTransactionID, f.Kind, source, rec.Status)
	return rec, nil
}

// GetStatus returns the subscription record gating feature access for a user.
func (r *Reconciler) GetStatus(ctx context.Context, userID int, platform Platform) (*Record, error) {
	return r.store.FindByUserAndPlatform(ctx, userID, platform)
}

// Entitled reports whether the user currently has access on any platform.
func (r *Reconciler) Entitled(ctx context.Context, userID int) (bool, error) {
	for _, platform := range []Platform{PlatformAppStore, PlatformPlayStore} {
		rec, err := r.store.FindByUserAndPlatform(ctx, userID, platform)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if !rec.Status.Entitled() {
			continue
		}
		// BILLING_RETRY retains access through the provider's grace window
		// even though the stored expiration has passed.
		if rec.ExpirationDate.After(r.now()) || rec.Status == StatusBillingRetry {
			return true, nil
		}
	}
	return false, nil
}

// applyFacts computes the full next record before the store performs the
// single atomic write. It runs under the store's per-lineage row lock.
func (r *Reconciler) applyFacts(existing *Record, userID int, f *Facts) (*Record, error) {
	if existing == nil {
		return r.createRecord(userID, f)
	}

	rec := existing.Clone()
	sameLineage := existing.OriginalTransactionID == f.OriginalTransactionID

	if sameLineage && userID != 0 && existing.UserID != userID {
		// A second account submitted proof for a lineage already bound to
		// someone else. Reject without touching the winning record.
		return nil, fmt.Errorf("%w: lineage %s belongs to another user", ErrLineageConflict, f.OriginalTransactionID)
	}

	if !sameLineage {
		// Located via (user, platform): a purchase for a lineage we have
		// never seen. Only a true re-subscription replaces the old lineage.
		if f.Kind != KindInitialPurchase && f.Kind != KindRenewal {
			return nil, fmt.Errorf("%w: lineage %s unknown", ErrNotFound, f.OriginalTransactionID)
		}
		fresh, err := r.createRecord(userID, f)
		if err != nil {
			return nil, err
		}
		fresh.ID = existing.ID
		return fresh, nil
	}

	if !f.Kind.toggleOnly() {
		if err := checkOrdering(existing, f); err != nil {
			return nil, err
		}
	}

	// Terminal states are exited only by a different lineage, handled above.
	if existing.Status.Terminal() && f.Kind.priorityTier() < statusTier(existing.Status) {
		return nil, ErrStaleEvent
	}

	r.mutate(rec, f)
	rec.LastVerifiedAt = r.now()
	return rec, nil
}

// checkOrdering enforces the per-lineage no-regression invariant: a fact
// whose transaction is strictly older than the applied position is rejected,
// and for the same transaction a lower-priority signal never overwrites a
// higher one.
func checkOrdering(existing *Record, f *Facts) error {
	if f.TransactionID != "" && f.TransactionID == existing.LatestTransactionID {
		if f.Kind.priorityTier() < statusTier(existing.Status) {
			return ErrStaleEvent
		}
		return nil
	}
	if !f.PurchaseDate.IsZero() && f.PurchaseDate.Before(existing.PurchaseDate) {
		return ErrStaleEvent
	}
	return nil
}

func (r *Reconciler) createRecord(userID int, f *Facts) (*Record, error) {
	if f.Kind != KindInitialPurchase && f.Kind != KindRenewal {
		return nil, fmt.Errorf("%w: lineage %s", ErrNotFound, f.OriginalTransactionID)
	}
	if userID == 0 {
		return nil, errors.New("cannot create subscription without a user")
	}

	rec := &Record{
		UserID:                userID,
		Platform:              f.Platform,
		OriginalTransactionID: f.OriginalTransactionID,
	}
	r.mutate(rec, f)
	rec.LastVerifiedAt = r.now()
	return rec, nil
}

// mutate applies the transition table. Every branch sets the complete effect
// of its event; nothing is written until the store commits the whole record.
func (r *Reconciler) mutate(rec *Record, f *Facts) {
	advance := func() {
		rec.ProductID = f.ProductID
		rec.LatestTransactionID = f.TransactionID
		if !f.PurchaseDate.IsZero() {
			rec.PurchaseDate = f.PurchaseDate
		}
		if !f.ExpirationDate.IsZero() {
			rec.ExpirationDate = f.ExpirationDate
		}
		if f.AutoRenew != nil {
			rec.IsAutoRenew = *f.AutoRenew
		}
	}

	switch f.Kind {
	case KindInitialPurchase:
		advance()
		rec.IsTrial = f.IsTrial
		if f.IsTrial {
			rec.Status = StatusTrialing
		} else {
			rec.Status = StatusActive
		}
		if f.AutoRenew == nil {
			// Receipt flow: no pending-renewal entry means the provider is
			// not retrying billing, so renewal is on.
			rec.IsAutoRenew = !f.BillingRetry
		}
		rec.CancellationDate = f.CancellationDate

	case KindRenewal:
		advance()
		rec.Status = StatusActive
		rec.IsTrial = false
		rec.CancellationDate = f.CancellationDate

	case KindRenewalFailed:
		// expirationDate deliberately untouched: the provider keeps the old
		// period end while it retries.
		rec.Status = StatusBillingRetry
		if f.AutoRenew != nil {
			rec.IsAutoRenew = *f.AutoRenew
		}

	case KindExpired:
		rec.Status = StatusExpired
		rec.IsTrial = false
		if f.TransactionID != "" {
			rec.LatestTransactionID = f.TransactionID
		}
		if !f.ExpirationDate.IsZero() {
			rec.ExpirationDate = f.ExpirationDate
		}

	case KindRevoked:
		rec.Status = StatusRevoked
		rec.IsTrial = false
		if f.TransactionID != "" {
			rec.LatestTransactionID = f.TransactionID
		}
		if f.RevocationDate != nil {
			rec.CancellationDate = f.RevocationDate
		}

	case KindAutoRenewToggle:
		rec.IsAutoRenew = *f.AutoRenew
		if *f.AutoRenew {
			rec.CancellationDate = nil
			if rec.Status == StatusCanceledPending {
				rec.Status = StatusActive
			}
		} else {
			when := f.EventTime
			if when.IsZero() {
				when = r.now()
			}
			rec.CancellationDate = &when
		}

	case KindProductChange:
		rec.ProductID = f.PendingProductID

	case KindCancelRequested:
		rec.Status = StatusCanceledPending
		when := f.EventTime
		if when.IsZero() {
			when = r.now()
		}
		rec.CancellationDate = &when

	case KindCancelConfirmed:
		rec.Status = StatusCanceled
	}
}
