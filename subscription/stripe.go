package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recipegen/common"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/invoice"
	stripesub "github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeGateway is the payment-processor boundary. Outbound it creates
// customers, subscriptions and restart payment intents; inbound it verifies
// webhook signatures and folds cancellation events into reconciler facts.
// Lifecycle decisions stay in the reconciler.
type StripeGateway struct {
	db            *pgxpool.Pool
	reconciler    *Reconciler
	store         Store
	webhookSecret string
	priceID       string
}

func NewStripeGateway(db *pgxpool.Pool, reconciler *Reconciler, store Store, apiKey, webhookSecret, priceID string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{
		db:            db,
		reconciler:    reconciler,
		store:         store,
		webhookSecret: webhookSecret,
		priceID:       priceID,
	}
}

// CreateCustomer registers the user with Stripe and returns the customer id.
func (g *StripeGateway) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx

	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: stripe customer create: %v", ErrProviderUnavailable, err)
	}
	return cust.ID, nil
}

// StartSubscription creates a subscription on the configured price. A trial
// start defers the first charge to the trial end.
func (g *StripeGateway) StartSubscription(ctx context.Context, customerID string, trialEnd time.Time) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(g.priceID)},
		},
		Description: stripe.String("Recipe generator subscription"),
	}
	params.Context = ctx
	if !trialEnd.IsZero() {
		params.TrialEnd = stripe.Int64(trialEnd.Unix())
	}

	sub, err := stripesub.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe subscription create: %v", ErrProviderUnavailable, err)
	}
	return sub, nil
}

// RequestCancel flags the subscription to lapse at period end; access is kept
// until then.
func (g *StripeGateway) RequestCancel(ctx context.Context, subscriptionID string) error {
	return g.setCancelAtPeriodEnd(ctx, subscriptionID, true)
}

// Resume clears a pending cancellation before the period closes.
func (g *StripeGateway) Resume(ctx context.Context, subscriptionID string) error {
	return g.setCancelAtPeriodEnd(ctx, subscriptionID, false)
}

func (g *StripeGateway) setCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx
	if _, err := stripesub.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("%w: stripe subscription update: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// LatestSubscription returns the customer's newest subscription, or nil.
func (g *StripeGateway) LatestSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	params.AddExpand("data.latest_invoice.payment_intent")

	var latest *stripe.Subscription
	iter := stripesub.List(params)
	for iter.Next() {
		latest = iter.Subscription()
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: stripe subscription list: %v", ErrProviderUnavailable, err)
	}
	return latest, nil
}

// RestartPayment describes the client-side confirmation needed to revive a
// fully canceled subscription.
type RestartPayment struct {
	CustomerID             string `json:"customerId"`
	PaymentIntentID        string `json:"paymentIntentId"`
	PaymentIntentClientSec string `json:"paymentIntentClientSecret"`
	PaymentIntentStatus    string `json:"status"`
}

// IssuePaymentIntent creates (if needed) a subscription for the customer and
// surfaces the payment intent of its unpaid invoice so the client can confirm
// the charge.
func (g *StripeGateway) IssuePaymentIntent(ctx context.Context, customerID string) (*RestartPayment, error) {
	sub, err := g.LatestSubscription(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		if _, err := g.StartSubscription(ctx, customerID, time.Time{}); err != nil {
			return nil, err
		}
		sub, err = g.LatestSubscription(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, fmt.Errorf("%w: subscription missing after create", ErrProviderUnavailable)
		}
	}
	if sub.LatestInvoice == nil {
		return nil, fmt.Errorf("%w: no invoice on subscription %s", ErrProviderUnavailable, sub.ID)
	}

	inv := sub.LatestInvoice
	if inv.Status == stripe.InvoiceStatusPaid {
		return &RestartPayment{CustomerID: customerID, PaymentIntentStatus: "paid"}, nil
	}
	if inv.Status == stripe.InvoiceStatusDraft {
		finalizeParams := &stripe.InvoiceFinalizeInvoiceParams{}
		finalizeParams.Context = ctx
		inv, err = invoice.FinalizeInvoice(inv.ID, finalizeParams)
		if err != nil {
			return nil, fmt.Errorf("%w: stripe invoice finalize: %v", ErrProviderUnavailable, err)
		}
	}
	if inv.PaymentIntent == nil {
		payParams := &stripe.InvoicePayParams{}
		payParams.Context = ctx
		payParams.AddExpand("payment_intent")
		inv, err = invoice.Pay(inv.ID, payParams)
		if err != nil {
			return nil, fmt.Errorf("%w: stripe invoice pay: %v", ErrProviderUnavailable, err)
		}
	}
	if inv.PaymentIntent == nil {
		return nil, fmt.Errorf("%w: invoice %s has no payment intent", ErrProviderUnavailable, inv.ID)
	}

	return &RestartPayment{
		CustomerID:             customerID,
		PaymentIntentID:        inv.PaymentIntent.ID,
		PaymentIntentClientSec: inv.PaymentIntent.ClientSecret,
		PaymentIntentStatus:    string(inv.PaymentIntent.Status),
	}, nil
}

// HandleEvent verifies and applies one webhook delivery. Events for unknown
// customers or types this system ignores are acknowledged without effect so
// Stripe stops retrying them.
func (g *StripeGateway) HandleEvent(ctx context.Context, payload []byte, sigHeader string) error {
	logger := common.GetLogger(ctx)

	event, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return fmt.Errorf("%w: stripe webhook signature: %v", ErrVerificationFailed, err)
	}

	var kind Kind
	switch event.Type {
	case "customer.subscription.deleted":
		kind = KindCancelConfirmed
	case "customer.subscription.updated":
		kind = KindCancelRequested
	default:
		logger.Printf("Ignoring stripe event %s", event.Type)
		return nil
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to decode stripe subscription event: %w", err)
	}
	if kind == KindCancelRequested && !sub.CancelAtPeriodEnd {
		// Updates that are not a pending cancellation carry nothing this
		// system tracks.
		logger.Printf("Ignoring stripe subscription update for %s (no pending cancel)", sub.ID)
		return nil
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return errors.New("stripe subscription event missing customer")
	}

	userID, err := g.findUserByCustomer(ctx, sub.Customer.ID)
	if errors.Is(err, ErrNotFound) {
		logger.Printf("No user for stripe customer %s, acknowledging event %s", sub.Customer.ID, event.ID)
		return nil
	}
	if err != nil {
		return err
	}

	rec, err := g.findAnyRecord(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		logger.Printf("No subscription record for user %d, acknowledging stripe event %s", userID, event.ID)
		return nil
	}
	if err != nil {
		return err
	}

	facts := &Facts{
		Kind:                  kind,
		Platform:              rec.Platform,
		ProductID:             rec.ProductID,
		OriginalTransactionID: rec.OriginalTransactionID,
		EventTime:             time.Unix(event.Created, 0).UTC(),
	}
	_, err = g.reconciler.Reconcile(ctx, userID, facts, SourceProcessor)
	return err
}

func (g *StripeGateway) findUserByCustomer(ctx context.Context, customerID string) (int, error) {
	var userID int
	err := g.db.QueryRow(ctx,
		`SELECT id FROM users WHERE stripe_customer_id = $1`, customerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up stripe customer: %w", err)
	}
	return userID, nil
}

func (g *StripeGateway) findAnyRecord(ctx context.Context, userID int) (*Record, error) {
	for _, platform := range []Platform{PlatformAppStore, PlatformPlayStore} {
		rec, err := g.store.FindByUserAndPlatform(ctx, userID, platform)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}
