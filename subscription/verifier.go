package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"recipegen/common"
)

const (
	appleVerifyProdURL    = "https://buy.itunes.apple.com/verifyReceipt"
	appleVerifySandboxURL = "https://sandbox.itunes.apple.com/verifyReceipt"

	// Apple status meaning "this is a sandbox receipt, verify it there"
	statusSandboxReceipt = 21007
)

// appleReceiptRequest is the verifyReceipt request body.
type appleReceiptRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type appleVerifyResponse struct {
	Status             int                      `json:"status"`
	Environment        string                   `json:"environment"`
	LatestReceiptInfo  []appleLatestReceiptInfo `json:"latest_receipt_info"`
	PendingRenewalInfo []applePendingRenewal    `json:"pending_renewal_info"`
}

type appleLatestReceiptInfo struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDateMs        string `json:"purchase_date_ms"`
	ExpiresDateMs         string `json:"expires_date_ms"`
	CancellationDateMs    string `json:"cancellation_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
}

type applePendingRenewal struct {
	OriginalTransactionID  string `json:"original_transaction_id"`
	AutoRenewStatus        string `json:"auto_renew_status"`
	AutoRenewProductID     string `json:"auto_renew_product_id"`
	IsInBillingRetryPeriod string `json:"is_in_billing_retry_period"`
}

// ReceiptVerifier validates raw App Store receipts against Apple's
// verification endpoint and produces normalized facts. It holds no state.
type ReceiptVerifier struct {
	httpClient   *http.Client
	sharedSecret string
	prodURL      string
	sandboxURL   string
}

func NewReceiptVerifier(sharedSecret string) *ReceiptVerifier {
	return &ReceiptVerifier{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		sharedSecret: sharedSecret,
		prodURL:      appleVerifyProdURL,
		sandboxURL:   appleVerifySandboxURL,
	}
}

// Verify sends the receipt to Apple, retrying against the sandbox exactly
// once when production reports a test-environment receipt, and extracts the
// latest transaction (max by expiry, not list order) joined with its
// pending-renewal entry.
func (v *ReceiptVerifier) Verify(ctx context.Context, rawReceipt string) (*Facts, error) {
	logger := common.GetLogger(ctx)

	if rawReceipt == "" {
		return nil, fmt.Errorf("%w: empty receipt", ErrInvalidReceipt)
	}

	body, err := json.Marshal(&appleReceiptRequest{
		ReceiptData: rawReceipt,
		Password:    v.sharedSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt request: %w", err)
	}

	resp, err := v.post(ctx, v.prodURL, body)
	if err != nil {
		return nil, err
	}

	if resp.Status == statusSandboxReceipt {
		logger.Printf("Receipt is from the sandbox environment, retrying there")
		resp, err = v.post(ctx, v.sandboxURL, body)
		if err != nil {
			return nil, err
		}
	}

	if resp.Status != 0 {
		return nil, fmt.Errorf("%w: apple status %d", ErrInvalidReceipt, resp.Status)
	}
	if len(resp.LatestReceiptInfo) == 0 {
		return nil, fmt.Errorf("%w: no transactions in receipt", ErrInvalidReceipt)
	}

	latest := resp.LatestReceiptInfo[0]
	latestExpires := msToTime(latest.ExpiresDateMs)
	for _, info := range resp.LatestReceiptInfo[1:] {
		if expires := msToTime(info.ExpiresDateMs); expires.After(latestExpires) {
			latest, latestExpires = info, expires
		}
	}

	// pending_renewal_info is a parallel list keyed by lineage; join it to
	// the chosen transaction rather than assuming positions line up.
	var renewal *applePendingRenewal
	for i := range resp.PendingRenewalInfo {
		if resp.PendingRenewalInfo[i].OriginalTransactionID == latest.OriginalTransactionID {
			renewal = &resp.PendingRenewalInfo[i]
			break
		}
	}

	facts := &Facts{
		Kind:                  KindInitialPurchase,
		Platform:              PlatformAppStore,
		ProductID:             latest.ProductID,
		OriginalTransactionID: latest.OriginalTransactionID,
		TransactionID:         latest.TransactionID,
		PurchaseDate:          msToTime(latest.PurchaseDateMs),
		ExpirationDate:        latestExpires,
		IsTrial:               latest.IsTrialPeriod == "true",
	}
	facts.EventTime = facts.PurchaseDate

	if renewal != nil {
		autoRenew := renewal.AutoRenewStatus == "1"
		facts.AutoRenew = &autoRenew
		facts.BillingRetry = renewal.IsInBillingRetryPeriod == "1"
	}

	if latest.CancellationDateMs != "" {
		// A cancellation date inside the receipt means Apple refunded the
		// transaction; surface it as a revocation, not a purchase.
		revokedAt := msToTime(latest.CancellationDateMs)
		facts.Kind = KindRevoked
		facts.RevocationDate = &revokedAt
	}

	return facts, nil
}

func (v *ReceiptVerifier) post(ctx context.Context, url string, body []byte) (*appleVerifyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: apple server returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var verifyResp appleVerifyResponse
	if err := json.Unmarshal(data, &verifyResp); err != nil {
		return nil, fmt.Errorf("%w: malformed verification response", ErrProviderUnavailable)
	}
	return &verifyResp, nil
}

func msToTime(ms string) time.Time {
	if ms == "" {
		return time.Time{}
	}
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
