package subscription

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"recipegen/common"

	"github.com/golang-jwt/jwt/v5"
)

const (
	appStoreAPIProdURL    = "https://api.storekit.itunes.apple.com"
	appStoreAPISandboxURL = "https://api.storekit-sandbox.itunes.apple.com"

	historySyncInterval   = time.Hour
	perLineageSyncTimeout = 30 * time.Second
)

// HistorySyncer periodically re-derives each App Store lineage from the
// provider's transaction history. It is the safety net for missed
// notifications: the latest history entry is treated as one more fact and fed
// through the same reconciliation path as everything else.
type HistorySyncer struct {
	store      Store
	reconciler *Reconciler
	decoder    *Decoder
	httpClient *http.Client

	privateKey []byte
	keyID      string
	issuerID   string
	bundleID   string

	prodURL    string
	sandboxURL string
	interval   time.Duration
}

func NewHistorySyncer(store Store, reconciler *Reconciler, decoder *Decoder, privateKey []byte, keyID, issuerID, bundleID string) *HistorySyncer {
	return &HistorySyncer{
		store:      store,
		reconciler: reconciler,
		decoder:    decoder,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		privateKey: privateKey,
		keyID:      keyID,
		issuerID:   issuerID,
		bundleID:   bundleID,
		prodURL:    appStoreAPIProdURL,
		sandboxURL: appStoreAPISandboxURL,
		interval:   historySyncInterval,
	}
}

// Run performs one sync immediately, then one per interval until the context
// is cancelled. Intended to run as a goroutine from main.
func (h *HistorySyncer) Run(ctx context.Context) {
	logger := common.GetLogger(ctx)

	h.SyncAll(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Printf("History syncer stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			h.SyncAll(ctx)
		}
	}
}

// SyncAll walks every non-terminal App Store lineage. A failure on one
// lineage is logged and never blocks the rest of the pass.
func (h *HistorySyncer) SyncAll(ctx context.Context) {
	logger := common.GetLogger(ctx)

	records, err := h.store.ListByPlatform(ctx, PlatformAppStore)
	if err != nil {
		logger.Printf("History sync: failed to list subscriptions: %v", err)
		return
	}

	logger.Printf("History sync: checking %d App Store lineages", len(records))
	synced := 0
	for i := range records {
		rec := &records[i]
		if rec.Status.Terminal() {
			continue
		}

		lineageCtx, cancel := context.WithTimeout(ctx, perLineageSyncTimeout)
		err := h.syncLineage(lineageCtx, rec)
		cancel()
		if err != nil {
			logger.Printf("History sync: lineage %s failed: %v", rec.OriginalTransactionID, err)
			continue
		}
		synced++
	}
	logger.Printf("History sync: completed, %d lineages reconciled", synced)
}

func (h *HistorySyncer) syncLineage(ctx context.Context, rec *Record) error {
	signed, err := h.fetchLatestTransaction(ctx, rec.OriginalTransactionID)
	if err != nil {
		return err
	}

	txn, err := h.decoder.DecodeTransaction(signed)
	if err != nil {
		return err
	}

	facts := factsFromHistory(txn)
	_, err = h.reconciler.Reconcile(ctx, 0, facts, SourceHistory)
	return err
}

// factsFromHistory derives the lifecycle meaning of the most recent history
// entry: a revocation date wins over everything, a past expiry means the
// lineage lapsed, anything else is a confirmation of the current period.
func factsFromHistory(txn *TransactionFacts) *Facts {
	f := &Facts{
		Kind:                  KindRenewal,
		Platform:              PlatformAppStore,
		ProductID:             txn.ProductID,
		OriginalTransactionID: txn.OriginalTransactionID,
		TransactionID:         txn.TransactionID,
		PurchaseDate:          txn.PurchaseDate,
		ExpirationDate:        txn.ExpiresDate,
		EventTime:             txn.SignedDate,
	}
	switch {
	case txn.RevocationDate != nil:
		f.Kind = KindRevoked
		f.RevocationDate = txn.RevocationDate
	case !txn.ExpiresDate.IsZero() && txn.ExpiresDate.Before(time.Now()):
		f.Kind = KindExpired
	}
	return f
}

type historyResponse struct {
	Revision           string   `json:"revision"`
	HasMore            bool     `json:"hasMore"`
	SignedTransactions []string `json:"signedTransactions"`
}

// fetchLatestTransaction pulls the newest history entry for a lineage. Only
// an unknown lineage warrants the sandbox lookup: sandbox purchases never
// appear in production history, but a production outage must surface as a
// production error, not as a misleading sandbox miss.
func (h *HistorySyncer) fetchLatestTransaction(ctx context.Context, lineageID string) (string, error) {
	token, err := h.generateAPIToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate App Store token: %w", err)
	}

	signed, err := h.fetchFromEnvironment(ctx, h.prodURL, token, lineageID)
	if errors.Is(err, ErrNotFound) {
		signed, err = h.fetchFromEnvironment(ctx, h.sandboxURL, token, lineageID)
	}
	if err != nil {
		return "", err
	}
	return signed, nil
}

func (h *HistorySyncer) fetchFromEnvironment(ctx context.Context, baseURL, token, lineageID string) (string, error) {
	url := fmt.Sprintf("%s/inApps/v1/history/%s?sort=DESCENDING", baseURL, lineageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: no history for lineage %s", ErrNotFound, lineageID)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: history endpoint returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read history response: %w", err)
	}

	var history historyResponse
	if err := json.Unmarshal(data, &history); err != nil {
		return "", fmt.Errorf("%w: malformed history response", ErrProviderUnavailable)
	}
	if len(history.SignedTransactions) == 0 {
		return "", fmt.Errorf("%w: empty history for lineage %s", ErrNotFound, lineageID)
	}
	return history.SignedTransactions[0], nil
}

// generateAPIToken mints the short-lived ES256 JWT the App Store Server API
// requires, signed with the key issued in App Store Connect.
func (h *HistorySyncer) generateAPIToken() (string, error) {
	if len(h.privateKey) == 0 {
		return "", errors.New("apple private key is empty")
	}

	block, _ := pem.Decode(h.privateKey)
	if block == nil {
		return "", errors.New("failed to parse private key PEM block")
	}

	var privateKey *ecdsa.PrivateKey
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		ec, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return "", fmt.Errorf("unsupported private key type %T", parsed)
		}
		privateKey = ec
	} else {
		privateKey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": h.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": h.bundleID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = h.keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign App Store token: %w", err)
	}
	return signed, nil
}
