package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

const (
	paymentStatePending   = 0
	paymentStateFreeTrial = 2
)

// PlayVerifier validates Play Store purchase tokens against the Android
// Publisher API and produces normalized facts. The purchase token is the
// stable lineage id on this platform; order ids rotate per renewal.
type PlayVerifier struct {
	packageName string
	svc         *androidpublisher.Service
	now         func() time.Time
}

func NewPlayVerifier(ctx context.Context, packageName, serviceAccountJSON string) (*PlayVerifier, error) {
	packageName = strings.TrimSpace(packageName)
	if packageName == "" {
		return nil, errors.New("GOOGLE_PLAY_PACKAGE_NAME is empty")
	}
	if strings.TrimSpace(serviceAccountJSON) == "" {
		return nil, errors.New("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON is empty")
	}

	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsJSON([]byte(serviceAccountJSON)),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}

	return &PlayVerifier{packageName: packageName, svc: svc, now: time.Now}, nil
}

// Verify resolves a subscription purchase token into facts.
func (v *PlayVerifier) Verify(ctx context.Context, productID, purchaseToken string) (*Facts, error) {
	productID = strings.TrimSpace(productID)
	purchaseToken = strings.TrimSpace(purchaseToken)
	if productID == "" || purchaseToken == "" {
		return nil, fmt.Errorf("%w: product id and purchase token are required", ErrInvalidReceipt)
	}

	purchase, err := v.svc.Purchases.Subscriptions.Get(v.packageName, productID, purchaseToken).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("%w: google subscriptions.get: %v", ErrProviderUnavailable, err)
	}
	if purchase.ExpiryTimeMillis == 0 {
		return nil, fmt.Errorf("%w: purchase carries no expiry", ErrInvalidReceipt)
	}

	autoRenew := purchase.AutoRenewing
	facts := &Facts{
		Kind:                  KindInitialPurchase,
		Platform:              PlatformPlayStore,
		ProductID:             productID,
		OriginalTransactionID: purchaseToken,
		TransactionID:         purchase.OrderId,
		PurchaseDate:          msTimeInt(purchase.StartTimeMillis),
		ExpirationDate:        msTimeInt(purchase.ExpiryTimeMillis),
		AutoRenew:             &autoRenew,
	}
	facts.EventTime = facts.PurchaseDate

	if purchase.PaymentState != nil && *purchase.PaymentState == paymentStateFreeTrial {
		facts.IsTrial = true
	}
	if purchase.UserCancellationTimeMillis != 0 {
		canceled := msTimeInt(purchase.UserCancellationTimeMillis)
		facts.CancellationDate = &canceled
	}

	expired := facts.ExpirationDate.Before(v.now())
	pending := purchase.PaymentState != nil && *purchase.PaymentState == paymentStatePending
	switch {
	case expired && pending && purchase.AutoRenewing:
		// Expiry passed but Google is still retrying the charge.
		facts.Kind = KindRenewalFailed
		facts.BillingRetry = true
	case expired:
		facts.Kind = KindExpired
	}

	return facts, nil
}

func msTimeInt(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
