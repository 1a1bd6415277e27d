package subscription

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"recipegen/common"
)

// Apple publishes its root CAs as DER files. G3 signs current App Store
// payloads; the older roots are kept for payloads signed before the rotation.
var appleRootCertURLs = []string{
	"https://www.apple.com/certificateauthority/AppleRootCA-G3.cer",
	"https://www.apple.com/certificateauthority/AppleRootCA-G2.cer",
	"https://www.apple.com/appleca/AppleIncRootCertificate.cer",
}

// CertCache holds the Apple root certificates that anchor JWS chain
// verification. It is fetched once at startup and refreshed on demand; decode
// paths never block on network I/O.
type CertCache struct {
	httpClient *http.Client
	urls       []string

	mu        sync.RWMutex
	pool      *x509.CertPool
	fetchedAt time.Time
}

func NewCertCache() *CertCache {
	return &CertCache{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		urls:       appleRootCertURLs,
	}
}

// Refresh downloads the root certificates and atomically swaps the pool.
// A partial failure keeps the previous pool intact.
func (c *CertCache) Refresh(ctx context.Context) error {
	logger := common.GetLogger(ctx)

	pool := x509.NewCertPool()
	loaded := 0
	for _, url := range c.urls {
		cert, err := c.fetchCert(ctx, url)
		if err != nil {
			logger.Printf("Failed to fetch Apple root certificate from %s: %v", url, err)
			continue
		}
		pool.AddCert(cert)
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("%w: could not load any Apple root certificates", ErrProviderUnavailable)
	}

	c.mu.Lock()
	c.pool = pool
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	logger.Printf("Loaded %d/%d Apple root certificates", loaded, len(c.urls))
	return nil
}

// Roots returns the current pool. It errors rather than returning an empty
// pool: verification against nothing must fail closed.
func (c *CertCache) Roots() (*x509.CertPool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pool == nil {
		return nil, fmt.Errorf("%w: apple root certificates not loaded", ErrProviderUnavailable)
	}
	return c.pool, nil
}

// SetRoots installs a pool directly, bypassing the fetch. Used by tests and
// deployments that pin the roots on disk.
func (c *CertCache) SetRoots(pool *x509.CertPool) {
	c.mu.Lock()
	c.pool = pool
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

func (c *CertCache) fetchCert(ctx context.Context, url string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	der, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
	}
	return cert, nil
}
