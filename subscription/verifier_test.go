package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testVerifier(prodURL, sandboxURL string) *ReceiptVerifier {
	v := NewReceiptVerifier("shared-secret")
	v.prodURL = prodURL
	v.sandboxURL = sandboxURL
	return v
}

func appleResponse(status int, infos []appleLatestReceiptInfo, renewals []applePendingRenewal) map[string]interface{} {
	return map[string]interface{}{
		"status":               status,
		"latest_receipt_info":  infos,
		"pending_renewal_info": renewals,
	}
}

func TestVerifyRetriesSandboxOnce(t *testing.T) {
	prodCalls, sandboxCalls := 0, 0

	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prodCalls++
		json.NewEncoder(w).Encode(appleResponse(21007, nil, nil))
	}))
	defer prod.Close()

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		json.NewEncoder(w).Encode(appleResponse(0, []appleLatestReceiptInfo{{
			TransactionID:         "tx-1",
			OriginalTransactionID: "lineage-1",
			ProductID:             "premium_monthly",
			PurchaseDateMs:        "1748736000000",
			ExpiresDateMs:         "1751328000000",
			IsTrialPeriod:         "true",
		}}, nil))
	}))
	defer sandbox.Close()

	v := testVerifier(prod.URL, sandbox.URL)
	facts, err := v.Verify(context.Background(), "base64-receipt")
	require.NoError(t, err)
	require.Equal(t, 1, prodCalls)
	require.Equal(t, 1, sandboxCalls)

	require.Equal(t, KindInitialPurchase, facts.Kind)
	require.Equal(t, "lineage-1", facts.OriginalTransactionID)
	require.True(t, facts.IsTrial)
	require.Nil(t, facts.AutoRenew, "no pending renewal info in receipt")
}

func TestVerifyPicksLatestByExpiryAndJoinsRenewal(t *testing.T) {
	// Transactions deliberately out of order: the newest expiry is first in
	// wall-clock terms but last in the list.
	infos := []appleLatestReceiptInfo{
		{
			TransactionID:         "tx-2",
			OriginalTransactionID: "lineage-1",
			ProductID:             "premium_monthly",
			PurchaseDateMs:        "1746057600000",
			ExpiresDateMs:         "1748736000000",
		},
		{
			TransactionID:         "tx-other",
			OriginalTransactionID: "lineage-other",
			ProductID:             "premium_monthly",
			PurchaseDateMs:        "1743465600000",
			ExpiresDateMs:         "1746057600000",
		},
		{
			TransactionID:         "tx-3",
			OriginalTransactionID: "lineage-1",
			ProductID:             "premium_monthly",
			PurchaseDateMs:        "1748736000000",
			ExpiresDateMs:         "1751328000000",
		},
	}
	renewals := []applePendingRenewal{
		{OriginalTransactionID: "lineage-other", AutoRenewStatus: "1"},
		{OriginalTransactionID: "lineage-1", AutoRenewStatus: "0", IsInBillingRetryPeriod: "1"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(appleResponse(0, infos, renewals))
	}))
	defer srv.Close()

	v := testVerifier(srv.URL, srv.URL)
	facts, err := v.Verify(context.Background(), "base64-receipt")
	require.NoError(t, err)

	require.Equal(t, "tx-3", facts.TransactionID)
	require.Equal(t, "lineage-1", facts.OriginalTransactionID)
	require.Equal(t, time.UnixMilli(1751328000000).UTC(), facts.ExpirationDate)

	// Renewal info joined by lineage, not list position.
	require.NotNil(t, facts.AutoRenew)
	require.False(t, *facts.AutoRenew)
	require.True(t, facts.BillingRetry)
}

func TestVerifyOnlySandboxStatusTriggersRetry(t *testing.T) {
	// 21008 ("production receipt") cannot come back from the production
	// endpoint we call first; treating it as a retry signal would point the
	// receipt at the wrong environment.
	sandboxCalls := 0

	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(appleResponse(21008, nil, nil))
	}))
	defer prod.Close()

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		json.NewEncoder(w).Encode(appleResponse(0, nil, nil))
	}))
	defer sandbox.Close()

	v := testVerifier(prod.URL, sandbox.URL)
	_, err := v.Verify(context.Background(), "base64-receipt")
	require.ErrorIs(t, err, ErrInvalidReceipt)
	require.Equal(t, 0, sandboxCalls)
}

func TestVerifyRejectsBadStatusAndEmptyReceipts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(appleResponse(21010, nil, nil))
	}))
	defer srv.Close()

	v := testVerifier(srv.URL, srv.URL)
	_, err := v.Verify(context.Background(), "base64-receipt")
	require.ErrorIs(t, err, ErrInvalidReceipt)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(appleResponse(0, nil, nil))
	}))
	defer empty.Close()

	v = testVerifier(empty.URL, empty.URL)
	_, err = v.Verify(context.Background(), "base64-receipt")
	require.ErrorIs(t, err, ErrInvalidReceipt)

	_, err = v.Verify(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidReceipt)
}

func TestVerifyMapsTransportFailures(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	v := testVerifier(broken.URL, broken.URL)
	_, err := v.Verify(context.Background(), "base64-receipt")
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestVerifyRefundedReceiptIsRevocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(appleResponse(0, []appleLatestReceiptInfo{{
			TransactionID:         "tx-1",
			OriginalTransactionID: "lineage-1",
			ProductID:             "premium_monthly",
			PurchaseDateMs:        "1746057600000",
			ExpiresDateMs:         "1748736000000",
			CancellationDateMs:    "1747008000000",
		}}, nil))
	}))
	defer srv.Close()

	v := testVerifier(srv.URL, srv.URL)
	facts, err := v.Verify(context.Background(), "base64-receipt")
	require.NoError(t, err)
	require.Equal(t, KindRevoked, facts.Kind)
	require.NotNil(t, facts.RevocationDate)
	require.Equal(t, time.UnixMilli(1747008000000).UTC(), *facts.RevocationDate)
}
