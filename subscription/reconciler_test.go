package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store used to exercise the reconciler without a
// database. It serializes read-modify-write the same way the row lock does.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
	nextID  int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record), nextID: 1}
}

func lineageKey(platform Platform, lineageID string) string {
	return string(platform) + "/" + lineageID
}

func (m *memStore) FindByLineageID(_ context.Context, platform Platform, lineageID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[lineageKey(platform, lineageID)]; ok {
		return rec.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *memStore) FindByUserAndPlatform(_ context.Context, userID int, platform Platform) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.findUserLocked(userID, platform); rec != nil {
		return rec.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *memStore) ListByPlatform(_ context.Context, platform Platform) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Platform == platform {
			out = append(out, *rec.Clone())
		}
	}
	return out, nil
}

func (m *memStore) UpdateAtomic(_ context.Context, platform Platform, lineageID string, apply func(*Record) (*Record, error)) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *Record
	if rec, ok := m.records[lineageKey(platform, lineageID)]; ok {
		existing = rec.Clone()
	}
	return m.applyLocked(existing, apply)
}

func (m *memStore) UpdateAtomicByUser(_ context.Context, userID int, platform Platform, apply func(*Record) (*Record, error)) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *Record
	if rec := m.findUserLocked(userID, platform); rec != nil {
		existing = rec.Clone()
	}
	return m.applyLocked(existing, apply)
}

func (m *memStore) findUserLocked(userID int, platform Platform) *Record {
	for _, rec := range m.records {
		if rec.UserID == userID && rec.Platform == platform {
			return rec
		}
	}
	return nil
}

func (m *memStore) applyLocked(existing *Record, apply func(*Record) (*Record, error)) (*Record, error) {
	updated, err := apply(existing)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return existing, nil
	}

	if existing != nil {
		updated.ID = existing.ID
		// The lineage id may change when a new purchase replaces an old one.
		delete(m.records, lineageKey(existing.Platform, existing.OriginalTransactionID))
	} else {
		if _, ok := m.records[lineageKey(updated.Platform, updated.OriginalTransactionID)]; ok {
			return nil, ErrLineageConflict
		}
		updated.ID = m.nextID
		m.nextID++
	}
	m.records[lineageKey(updated.Platform, updated.OriginalTransactionID)] = updated.Clone()
	return updated, nil
}

func testReconciler(t *testing.T) (*Reconciler, *memStore, *time.Time) {
	t.Helper()
	store := newMemStore()
	r := NewReconciler(store)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	r.now = func() time.Time { return *clock }
	return r, store, clock
}

func purchaseFacts(lineage, tx string, purchase time.Time, trial bool) *Facts {
	return &Facts{
		Kind:                  KindInitialPurchase,
		Platform:              PlatformAppStore,
		ProductID:             "premium_monthly",
		OriginalTransactionID: lineage,
		TransactionID:         tx,
		PurchaseDate:          purchase,
		ExpirationDate:        purchase.AddDate(0, 1, 0),
		EventTime:             purchase,
		IsTrial:               trial,
	}
}

func renewalFacts(lineage, tx string, purchase time.Time) *Facts {
	f := purchaseFacts(lineage, tx, purchase, false)
	f.Kind = KindRenewal
	return f
}

func TestTrialPurchaseDefaultsAutoRenewOn(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	// Receipt flow: no pending-renewal entry, so AutoRenew stays nil.
	f := purchaseFacts("lineage-1", "tx-1", clock.AddDate(0, 0, -1), true)
	rec, err := r.Reconcile(ctx, 42, f, SourceReceipt)
	require.NoError(t, err)

	require.Equal(t, StatusTrialing, rec.Status)
	require.True(t, rec.IsTrial)
	require.True(t, rec.IsAutoRenew)
	require.Equal(t, "tx-1", rec.LatestTransactionID)
	require.Equal(t, 42, rec.UserID)
}

func TestReapplyingSameTransactionIsIdempotent(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	f := renewalFacts("lineage-1", "tx-1", clock.AddDate(0, 0, -1))
	first, err := r.Reconcile(ctx, 42, f, SourceReceipt)
	require.NoError(t, err)

	*clock = clock.Add(time.Hour)
	second, err := r.Reconcile(ctx, 0, f, SourceNotification)
	require.NoError(t, err)

	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.ExpirationDate, second.ExpirationDate)
	require.Equal(t, first.LatestTransactionID, second.LatestTransactionID)
	require.True(t, second.LastVerifiedAt.After(first.LastVerifiedAt))
}

func TestStaleRenewalIsNoOpSuccess(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	newer := renewalFacts("lineage-1", "tx-6", clock.AddDate(0, 0, -1))
	_, err := r.Reconcile(ctx, 42, newer, SourceReceipt)
	require.NoError(t, err)

	// A replayed notification for an older transaction must not move state
	// backwards, and must not error either.
	older := renewalFacts("lineage-1", "tx-3", clock.AddDate(0, -3, 0))
	rec, err := r.Reconcile(ctx, 0, older, SourceNotification)
	require.NoError(t, err)
	require.Equal(t, "tx-6", rec.LatestTransactionID)
	require.Equal(t, newer.ExpirationDate, rec.ExpirationDate)
}

func TestRevocationBeatsStaleRenewalForSameTransaction(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	purchase := clock.AddDate(0, 0, -5)
	_, err := r.Reconcile(ctx, 42, renewalFacts("lineage-1", "tx-1", purchase), SourceReceipt)
	require.NoError(t, err)

	revokedAt := clock.AddDate(0, 0, -1)
	revoke := &Facts{
		Kind:                  KindRevoked,
		Platform:              PlatformAppStore,
		OriginalTransactionID: "lineage-1",
		TransactionID:         "tx-1",
		PurchaseDate:          purchase,
		EventTime:             revokedAt,
		RevocationDate:        &revokedAt,
	}
	rec, err := r.Reconcile(ctx, 0, revoke, SourceNotification)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, rec.Status)

	// The hourly sync replays the renewal for the same transaction; the
	// revocation must stand.
	rec, err = r.Reconcile(ctx, 0, renewalFacts("lineage-1", "tx-1", purchase), SourceHistory)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, rec.Status)
}

func TestRenewalFailureKeepsExpirationAndAccess(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	purchase := clock.AddDate(0, -1, 0).AddDate(0, 0, -1)
	_, err := r.Reconcile(ctx, 42, renewalFacts("lineage-1", "tx-1", purchase), SourceReceipt)
	require.NoError(t, err)
	expiry := purchase.AddDate(0, 1, 0)
	require.True(t, expiry.Before(*clock))

	fail := &Facts{
		Kind:                  KindRenewalFailed,
		Platform:              PlatformAppStore,
		OriginalTransactionID: "lineage-1",
		TransactionID:         "tx-1",
		PurchaseDate:          purchase,
		EventTime:             *clock,
		BillingRetry:          true,
	}
	rec, err := r.Reconcile(ctx, 0, fail, SourceNotification)
	require.NoError(t, err)
	require.Equal(t, StatusBillingRetry, rec.Status)
	require.Equal(t, expiry, rec.ExpirationDate)

	// Billing retry keeps the grace window open past the stored expiry.
	entitled, err := r.Entitled(ctx, 42)
	require.NoError(t, err)
	require.True(t, entitled)
}

func TestTerminalStateExitedOnlyByNewLineage(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	purchase := clock.AddDate(0, -2, 0)
	_, err := r.Reconcile(ctx, 42, renewalFacts("lineage-1", "tx-1", purchase), SourceReceipt)
	require.NoError(t, err)

	expire := &Facts{
		Kind:                  KindExpired,
		Platform:              PlatformAppStore,
		OriginalTransactionID: "lineage-1",
		TransactionID:         "tx-1",
		PurchaseDate:          purchase,
		EventTime:             *clock,
	}
	rec, err := r.Reconcile(ctx, 0, expire, SourceNotification)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, rec.Status)

	// Replayed renewal for the dead lineage: rejected as stale.
	rec, err = r.Reconcile(ctx, 0, renewalFacts("lineage-1", "tx-1", purchase), SourceHistory)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, rec.Status)

	// A fresh purchase under a new lineage replaces the record.
	fresh := purchaseFacts("lineage-2", "tx-9", *clock, false)
	rec, err = r.Reconcile(ctx, 42, fresh, SourceReceipt)
	require.NoError(t, err)
	require.Equal(t, StatusActive, rec.Status)
	require.Equal(t, "lineage-2", rec.OriginalTransactionID)
}

func TestWebhookForUnknownLineageCannotCreate(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	f := renewalFacts("lineage-unknown", "tx-1", clock.AddDate(0, 0, -1))
	_, err := r.Reconcile(ctx, 0, f, SourceNotification)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAutoRenewToggleExemptFromStaleness(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, 42, renewalFacts("lineage-1", "tx-5", clock.AddDate(0, 0, -1)), SourceReceipt)
	require.NoError(t, err)

	off := false
	toggle := &Facts{
		Kind:                  KindAutoRenewToggle,
		Platform:              PlatformAppStore,
		OriginalTransactionID: "lineage-1",
		TransactionID:         "tx-2", // older transaction on the wire
		PurchaseDate:          clock.AddDate(0, -2, 0),
		EventTime:             *clock,
		AutoRenew:             &off,
	}
	rec, err := r.Reconcile(ctx, 0, toggle, SourceNotification)
	require.NoError(t, err)
	require.False(t, rec.IsAutoRenew)
	require.NotNil(t, rec.CancellationDate)
	// The toggle must not rewind the lineage position.
	require.Equal(t, "tx-5", rec.LatestTransactionID)
}

func TestResumeFromPendingCancellation(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, 42, renewalFacts("lineage-1", "tx-1", clock.AddDate(0, 0, -1)), SourceReceipt)
	require.NoError(t, err)

	cancel := &Facts{
		Kind:                  KindCancelRequested,
		Platform:              PlatformAppStore,
		OriginalTransactionID: "lineage-1",
		EventTime:             *clock,
	}
	rec, err := r.Reconcile(ctx, 42, cancel, SourceProcessor)
	require.NoError(t, err)
	require.Equal(t, StatusCanceledPending, rec.Status)

	entitled, err := r.Entitled(ctx, 42)
	require.NoError(t, err)
	require.True(t, entitled, "pending cancellation keeps access until period end")

	on := true
	resume := &Facts{
		Kind:                  KindAutoRenewToggle,
		Platform:              PlatformAppStore,
		OriginalTransactionID: "lineage-1",
		EventTime:             *clock,
		AutoRenew:             &on,
	}
	rec, err = r.Reconcile(ctx, 42, resume, SourceProcessor)
	require.NoError(t, err)
	require.Equal(t, StatusActive, rec.Status)
	require.Nil(t, rec.CancellationDate)
}

func TestProductChangeOnly(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	base := renewalFacts("lineage-1", "tx-1", clock.AddDate(0, 0, -1))
	first, err := r.Reconcile(ctx, 42, base, SourceReceipt)
	require.NoError(t, err)

	change := &Facts{
		Kind:                  KindProductChange,
		Platform:              PlatformAppStore,
		OriginalTransactionID: "lineage-1",
		EventTime:             *clock,
		PendingProductID:      "premium_yearly",
	}
	rec, err := r.Reconcile(ctx, 0, change, SourceNotification)
	require.NoError(t, err)
	require.Equal(t, "premium_yearly", rec.ProductID)
	require.Equal(t, first.Status, rec.Status)
	require.Equal(t, first.ExpirationDate, rec.ExpirationDate)
}

func TestConcurrentLineagesDoNotInterfere(t *testing.T) {
	r, store, clock := testReconciler(t)
	ctx := context.Background()

	const lineages = 8
	base := clock.AddDate(0, -1, 0)
	for i := 0; i < lineages; i++ {
		f := purchaseFacts(fmt.Sprintf("lineage-%d", i), fmt.Sprintf("tx-%d-0", i), base, false)
		_, err := r.Reconcile(ctx, 100+i, f, SourceReceipt)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < lineages; i++ {
		for j := 1; j <= 5; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				f := renewalFacts(
					fmt.Sprintf("lineage-%d", i),
					fmt.Sprintf("tx-%d-%d", i, j),
					base.Add(time.Duration(j)*24*time.Hour),
				)
				_, err := r.Reconcile(ctx, 0, f, SourceNotification)
				require.NoError(t, err)
			}(i, j)
		}
	}
	wg.Wait()

	for i := 0; i < lineages; i++ {
		rec, err := store.FindByLineageID(ctx, PlatformAppStore, fmt.Sprintf("lineage-%d", i))
		require.NoError(t, err)
		require.Equal(t, StatusActive, rec.Status)
		// The newest renewal always wins regardless of arrival order.
		require.Equal(t, fmt.Sprintf("tx-%d-5", i), rec.LatestTransactionID)
		require.Equal(t, 100+i, rec.UserID)
	}
}

func TestReceiptForSecondDeviceClaimFails(t *testing.T) {
	r, _, clock := testReconciler(t)
	ctx := context.Background()

	f := purchaseFacts("lineage-1", "tx-1", clock.AddDate(0, 0, -1), false)
	_, err := r.Reconcile(ctx, 42, f, SourceReceipt)
	require.NoError(t, err)

	// Another account submits a receipt for the same lineage.
	_, err = r.Reconcile(ctx, 99, f, SourceReceipt)
	require.ErrorIs(t, err, ErrLineageConflict)
}
