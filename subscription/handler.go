package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"recipegen/common"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const maxWebhookBody = 1 << 16

type Handler struct {
	db            *pgxpool.Pool
	reconciler    *Reconciler
	appleVerifier *ReceiptVerifier
	playVerifier  *PlayVerifier
	decoder       *Decoder
	stripe        *StripeGateway
	audit         notificationAudit
	bundleID      string
}

func NewHandler(db *pgxpool.Pool, reconciler *Reconciler, appleVerifier *ReceiptVerifier, playVerifier *PlayVerifier, decoder *Decoder, stripe *StripeGateway, bundleID string) *Handler {
	return &Handler{
		db:            db,
		reconciler:    reconciler,
		appleVerifier: appleVerifier,
		playVerifier:  playVerifier,
		decoder:       decoder,
		stripe:        stripe,
		audit:         &pgNotificationAudit{db: db},
		bundleID:      bundleID,
	}
}

// VerifyRequest is the client-submitted purchase proof. Apple sends the raw
// receipt; Google sends the product id plus purchase token.
type VerifyRequest struct {
	Platform      string `json:"platform"`
	ReceiptData   string `json:"receipt_data,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
	PurchaseToken string `json:"purchase_token,omitempty"`
}

// HandleVerifyPurchase validates a purchase with the provider and reconciles
// the result synchronously so the client sees the final status.
func (h *Handler) HandleVerifyPurchase(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Printf("Failed to parse verify request: %v", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	platform, err := ParsePlatform(req.Platform)
	if err != nil {
		http.Error(w, "invalid platform, must be 'apple' or 'google'", http.StatusBadRequest)
		return
	}

	var facts *Facts
	switch platform {
	case PlatformAppStore:
		facts, err = h.appleVerifier.Verify(r.Context(), req.ReceiptData)
	case PlatformPlayStore:
		if h.playVerifier == nil {
			http.Error(w, "play store verification not configured", http.StatusServiceUnavailable)
			return
		}
		facts, err = h.playVerifier.Verify(r.Context(), req.ProductID, req.PurchaseToken)
	}
	if err != nil {
		logger.Printf("Purchase verification failed for user %d: %v", userID, err)
		h.writeReconcileError(w, err)
		return
	}

	rec, err := h.reconciler.Reconcile(r.Context(), userID, facts, SourceReceipt)
	if err != nil {
		logger.Printf("Failed to reconcile purchase for user %d: %v", userID, err)
		h.writeReconcileError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// HandleGetStatus returns the caller's subscription records and whether any
// of them currently grants access.
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	entitled, err := h.reconciler.Entitled(r.Context(), userID)
	if err != nil {
		logger.Printf("Failed to compute entitlement for user %d: %v", userID, err)
		http.Error(w, "failed to get subscription status", http.StatusInternalServerError)
		return
	}

	var records []*Record
	for _, platform := range []Platform{PlatformAppStore, PlatformPlayStore} {
		rec, err := h.reconciler.GetStatus(r.Context(), userID, platform)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Printf("Failed to get subscription for user %d: %v", userID, err)
			http.Error(w, "failed to get subscription status", http.StatusInternalServerError)
			return
		}
		records = append(records, rec)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entitled":      entitled,
		"subscriptions": records,
	})
}

// HandleCancel flags the user's processor subscription to lapse at period end
// and records the pending cancellation immediately.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	rec, err := h.findAnyRecord(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "no subscription to cancel", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Printf("Failed to load subscription for user %d: %v", userID, err)
		http.Error(w, "failed to cancel subscription", http.StatusInternalServerError)
		return
	}

	if h.stripe != nil {
		if customerID, err := h.stripeCustomerID(r.Context(), userID); err == nil {
			if sub, err := h.stripe.LatestSubscription(r.Context(), customerID); err == nil && sub != nil {
				if err := h.stripe.RequestCancel(r.Context(), sub.ID); err != nil {
					logger.Printf("Failed to request stripe cancel for user %d: %v", userID, err)
				}
			}
		}
	}

	facts := &Facts{
		Kind:                  KindCancelRequested,
		Platform:              rec.Platform,
		ProductID:             rec.ProductID,
		OriginalTransactionID: rec.OriginalTransactionID,
		EventTime:             time.Now().UTC(),
	}
	updated, err := h.reconciler.Reconcile(r.Context(), userID, facts, SourceProcessor)
	if err != nil {
		logger.Printf("Failed to record cancellation for user %d: %v", userID, err)
		http.Error(w, "failed to cancel subscription", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// HandleRestart revives a cancellation. A pending cancel is simply resumed; a
// completed cancel needs a fresh payment intent confirmed by the client.
func (h *Handler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	rec, err := h.findAnyRecord(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "no subscription to restart", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Printf("Failed to load subscription for user %d: %v", userID, err)
		http.Error(w, "failed to restart subscription", http.StatusInternalServerError)
		return
	}

	switch rec.Status {
	case StatusCanceledPending:
		if h.stripe != nil {
			if customerID, err := h.stripeCustomerID(r.Context(), userID); err == nil {
				if sub, err := h.stripe.LatestSubscription(r.Context(), customerID); err == nil && sub != nil {
					if err := h.stripe.Resume(r.Context(), sub.ID); err != nil {
						logger.Printf("Failed to resume stripe subscription for user %d: %v", userID, err)
					}
				}
			}
		}

		autoRenew := true
		facts := &Facts{
			Kind:                  KindAutoRenewToggle,
			Platform:              rec.Platform,
			ProductID:             rec.ProductID,
			OriginalTransactionID: rec.OriginalTransactionID,
			AutoRenew:             &autoRenew,
			EventTime:             time.Now().UTC(),
		}
		updated, err := h.reconciler.Reconcile(r.Context(), userID, facts, SourceProcessor)
		if err != nil {
			logger.Printf("Failed to resume subscription for user %d: %v", userID, err)
			http.Error(w, "failed to restart subscription", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(updated)

	case StatusCanceled:
		if h.stripe == nil {
			http.Error(w, "payment processor not configured", http.StatusServiceUnavailable)
			return
		}
		customerID, err := h.stripeCustomerID(r.Context(), userID)
		if err != nil {
			logger.Printf("No stripe customer for user %d: %v", userID, err)
			http.Error(w, "no payment profile on file", http.StatusConflict)
			return
		}
		payment, err := h.stripe.IssuePaymentIntent(r.Context(), customerID)
		if err != nil {
			logger.Printf("Failed to issue payment intent for user %d: %v", userID, err)
			http.Error(w, "failed to restart subscription", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payment)

	default:
		http.Error(w, fmt.Sprintf("subscription is %s, nothing to restart", rec.Status), http.StatusConflict)
	}
}

type appleNotificationBody struct {
	SignedPayload string `json:"signedPayload"`
}

// HandleAppleNotification processes App Store Server Notifications V2. The
// payload is verified before anything is trusted; unverifiable deliveries are
// rejected so Apple retries them against a healthy instance.
func (h *Handler) HandleAppleNotification(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	var body appleNotificationBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&body); err != nil || body.SignedPayload == "" {
		logger.Printf("Invalid notification payload: %v", err)
		http.Error(w, "invalid notification payload", http.StatusBadRequest)
		return
	}

	decoded, err := h.decoder.DecodeNotification(r.Context(), body.SignedPayload)
	if err != nil {
		logger.Printf("SECURITY: rejected App Store notification: %v", err)
		http.Error(w, "verification failed", http.StatusUnauthorized)
		return
	}

	if h.bundleID != "" && decoded.BundleID != "" && decoded.BundleID != h.bundleID {
		logger.Printf("Invalid bundle ID in notification: %s", decoded.BundleID)
		http.Error(w, "invalid bundle ID", http.StatusBadRequest)
		return
	}

	if status := h.applyNotification(r.Context(), decoded); status != http.StatusOK {
		http.Error(w, "failed to process notification", status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// applyNotification reconciles one decoded delivery and returns the HTTP
// status to answer with. The UUID is marked processed only after its effect
// is durable: a transient failure leaves the audit row flagged as failed, so
// Apple's redelivery runs the reconciler again instead of being swallowed by
// the idempotency check. Duplicate processing is harmless; the reconciler is
// idempotent.
func (h *Handler) applyNotification(ctx context.Context, decoded *DecodedNotification) int {
	logger := common.GetLogger(ctx)

	done, err := h.audit.processed(ctx, decoded.UUID)
	if err != nil {
		logger.Printf("Failed to check notification %s: %v", decoded.UUID, err)
	}
	if done {
		return http.StatusOK
	}

	facts, err := FactsFromNotification(decoded.NotificationType, decoded.Subtype, decoded.Transaction, decoded.Renewal)
	if errors.Is(err, ErrUnhandledNotification) {
		logger.Printf("Ignoring notification %s: %v", decoded.UUID, err)
		h.recordProcessed(ctx, decoded)
		return http.StatusOK
	}
	if err != nil {
		logger.Printf("Failed to map notification %s: %v", decoded.UUID, err)
		h.recordFailed(ctx, decoded, err)
		return http.StatusInternalServerError
	}

	if _, err := h.reconciler.Reconcile(ctx, 0, facts, SourceNotification); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Lineage unknown to us; acknowledge so Apple stops retrying.
			h.recordProcessed(ctx, decoded)
			return http.StatusOK
		}
		logger.Printf("Failed to reconcile notification %s: %v", decoded.UUID, err)
		h.recordFailed(ctx, decoded, err)
		return http.StatusInternalServerError
	}

	h.recordProcessed(ctx, decoded)
	return http.StatusOK
}

func (h *Handler) recordProcessed(ctx context.Context, decoded *DecodedNotification) {
	if err := h.audit.markProcessed(ctx, decoded); err != nil {
		common.GetLogger(ctx).Printf("Failed to record notification %s: %v", decoded.UUID, err)
	}
}

func (h *Handler) recordFailed(ctx context.Context, decoded *DecodedNotification, cause error) {
	if err := h.audit.markFailed(ctx, decoded, cause); err != nil {
		common.GetLogger(ctx).Printf("Failed to record notification failure %s: %v", decoded.UUID, err)
	}
}

// HandleStripeWebhook verifies the signature and applies the event.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	if h.stripe == nil {
		http.Error(w, "payment processor not configured", http.StatusServiceUnavailable)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	err = h.stripe.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, ErrVerificationFailed) {
		logger.Printf("SECURITY: rejected stripe webhook: %v", err)
		http.Error(w, "verification failed", http.StatusBadRequest)
		return
	}
	if err != nil {
		logger.Printf("Failed to process stripe webhook: %v", err)
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeReconcileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidReceipt):
		http.Error(w, "invalid receipt", http.StatusBadRequest)
	case errors.Is(err, ErrLineageConflict):
		http.Error(w, "subscription already claimed", http.StatusConflict)
	case errors.Is(err, ErrProviderUnavailable):
		http.Error(w, "store verification unavailable", http.StatusBadGateway)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "subscription not found", http.StatusNotFound)
	default:
		http.Error(w, "failed to process purchase", http.StatusInternalServerError)
	}
}

func (h *Handler) findAnyRecord(ctx context.Context, userID int) (*Record, error) {
	for _, platform := range []Platform{PlatformAppStore, PlatformPlayStore} {
		rec, err := h.reconciler.GetStatus(ctx, userID, platform)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (h *Handler) stripeCustomerID(ctx context.Context, userID int) (string, error) {
	var customerID *string
	err := h.db.QueryRow(ctx,
		`SELECT stripe_customer_id FROM users WHERE id = $1`, userID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && (customerID == nil || *customerID == "")) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up stripe customer: %w", err)
	}
	return *customerID, nil
}

// notificationAudit records App Store deliveries. Only deliveries whose
// effect is durable count as processed; failed ones stay eligible for
// redelivery.
type notificationAudit interface {
	processed(ctx context.Context, uuid string) (bool, error)
	markProcessed(ctx context.Context, decoded *DecodedNotification) error
	markFailed(ctx context.Context, decoded *DecodedNotification, cause error) error
}

type pgNotificationAudit struct {
	db *pgxpool.Pool
}

func (a *pgNotificationAudit) processed(ctx context.Context, uuid string) (bool, error) {
	var done bool
	err := a.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM app_store_notifications
			WHERE notification_uuid = $1 AND error_message IS NULL
		)
	`, uuid).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("failed to check for existing notification: %w", err)
	}
	return done, nil
}

func (a *pgNotificationAudit) markProcessed(ctx context.Context, decoded *DecodedNotification) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO app_store_notifications (
			notification_uuid, notification_type, subtype, transaction_id
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (notification_uuid) DO UPDATE SET error_message = NULL
	`, decoded.UUID, decoded.NotificationType, decoded.Subtype, decoded.Transaction.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to insert notification record: %w", err)
	}
	return nil
}

func (a *pgNotificationAudit) markFailed(ctx context.Context, decoded *DecodedNotification, cause error) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO app_store_notifications (
			notification_uuid, notification_type, subtype, transaction_id, error_message
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (notification_uuid) DO UPDATE SET error_message = EXCLUDED.error_message
	`, decoded.UUID, decoded.NotificationType, decoded.Subtype, decoded.Transaction.TransactionID, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to insert notification record: %w", err)
	}
	return nil
}
