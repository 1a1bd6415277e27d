package subscription

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSigningKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func testSyncer(t *testing.T, prodURL, sandboxURL string) *HistorySyncer {
	t.Helper()
	s := NewHistorySyncer(nil, nil, nil, testSigningKeyPEM(t), "key-id", "issuer-id", "com.example.recipegen")
	s.prodURL = prodURL
	s.sandboxURL = sandboxURL
	return s
}

func TestHistoryProductionOutageDoesNotFallBackToSandbox(t *testing.T) {
	sandboxCalls := 0

	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer prod.Close()

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		json.NewEncoder(w).Encode(historyResponse{SignedTransactions: []string{"sandbox-jws"}})
	}))
	defer sandbox.Close()

	s := testSyncer(t, prod.URL, sandbox.URL)
	_, err := s.fetchLatestTransaction(context.Background(), "lineage-1")
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.Equal(t, 0, sandboxCalls, "a transient production failure must surface, not mask itself as a sandbox lookup")
}

func TestHistoryUnknownLineageFallsBackToSandbox(t *testing.T) {
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer prod.Close()

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(historyResponse{SignedTransactions: []string{"sandbox-jws"}})
	}))
	defer sandbox.Close()

	s := testSyncer(t, prod.URL, sandbox.URL)
	signed, err := s.fetchLatestTransaction(context.Background(), "lineage-1")
	require.NoError(t, err)
	require.Equal(t, "sandbox-jws", signed)
}
