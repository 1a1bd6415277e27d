package subscription

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"recipegen/common"

	"github.com/golang-jwt/jwt/v5"
)

// Decoder verifies and decodes App Store Server Notifications V2 payloads.
// Every JWS is verified against the cached Apple roots before any claim is
// read; an unverifiable payload yields ErrVerificationFailed and nothing else.
type Decoder struct {
	certs *CertCache
}

func NewDecoder(certs *CertCache) *Decoder {
	return &Decoder{certs: certs}
}

// DecodedNotification is the verified content of one notification, with the
// provider's type/subtype strings surfaced untouched.
type DecodedNotification struct {
	NotificationType string
	Subtype          string
	UUID             string
	Environment      string
	BundleID         string

	Transaction TransactionFacts
	Renewal     *RenewalFacts
}

type notificationEnvelope struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Data             notificationData `json:"data"`
	jwt.RegisteredClaims
}

type notificationData struct {
	Environment           string `json:"environment"`
	BundleID              string `json:"bundleId"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

type transactionClaims struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	SignedDate            int64  `json:"signedDate"`
	RevocationDate        int64  `json:"revocationDate"`
	OfferType             int    `json:"offerType"`
	Environment           string `json:"environment"`
	jwt.RegisteredClaims
}

type renewalClaims struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	ExpirationIntent       int    `json:"expirationIntent"`
	jwt.RegisteredClaims
}

// DecodeNotification verifies the outer signedPayload and both inner JWS
// blobs, then flattens them into a DecodedNotification.
func (d *Decoder) DecodeNotification(ctx context.Context, signedPayload string) (*DecodedNotification, error) {
	logger := common.GetLogger(ctx)

	var envelope notificationEnvelope
	if err := d.verifyAndParse(signedPayload, &envelope); err != nil {
		return nil, err
	}
	if envelope.Data.SignedTransactionInfo == "" {
		return nil, fmt.Errorf("%w: notification carries no transaction info", ErrVerificationFailed)
	}

	var txn transactionClaims
	if err := d.verifyAndParse(envelope.Data.SignedTransactionInfo, &txn); err != nil {
		return nil, err
	}

	decoded := &DecodedNotification{
		NotificationType: envelope.NotificationType,
		Subtype:          envelope.Subtype,
		UUID:             envelope.NotificationUUID,
		Environment:      envelope.Data.Environment,
		BundleID:         envelope.Data.BundleID,
		Transaction: TransactionFacts{
			TransactionID:         txn.TransactionID,
			OriginalTransactionID: txn.OriginalTransactionID,
			ProductID:             txn.ProductID,
			PurchaseDate:          msTime(txn.PurchaseDate),
			ExpiresDate:           msTime(txn.ExpiresDate),
			SignedDate:            msTime(txn.SignedDate),
			OfferType:             txn.OfferType,
			Environment:           txn.Environment,
		},
	}
	if txn.RevocationDate != 0 {
		revoked := msTime(txn.RevocationDate)
		decoded.Transaction.RevocationDate = &revoked
	}

	if envelope.Data.SignedRenewalInfo != "" {
		var renewal renewalClaims
		if err := d.verifyAndParse(envelope.Data.SignedRenewalInfo, &renewal); err != nil {
			return nil, err
		}
		decoded.Renewal = &RenewalFacts{
			OriginalTransactionID: renewal.OriginalTransactionID,
			AutoRenewProductID:    renewal.AutoRenewProductID,
			AutoRenewStatus:       renewal.AutoRenewStatus,
			IsInBillingRetry:      renewal.IsInBillingRetryPeriod,
			ExpirationIntent:      renewal.ExpirationIntent,
		}
	}

	logger.Printf("Decoded notification %s type=%s subtype=%s tx=%s",
		decoded.UUID, decoded.NotificationType, decoded.Subtype, decoded.Transaction.TransactionID)
	return decoded, nil
}

// DecodeTransaction verifies and decodes a standalone signed transaction, as
// returned by the App Store Server API transaction history endpoint.
func (d *Decoder) DecodeTransaction(signedTransaction string) (*TransactionFacts, error) {
	var txn transactionClaims
	if err := d.verifyAndParse(signedTransaction, &txn); err != nil {
		return nil, err
	}

	facts := &TransactionFacts{
		TransactionID:         txn.TransactionID,
		OriginalTransactionID: txn.OriginalTransactionID,
		ProductID:             txn.ProductID,
		PurchaseDate:          msTime(txn.PurchaseDate),
		ExpiresDate:           msTime(txn.ExpiresDate),
		SignedDate:            msTime(txn.SignedDate),
		OfferType:             txn.OfferType,
		Environment:           txn.Environment,
	}
	if txn.RevocationDate != 0 {
		revoked := msTime(txn.RevocationDate)
		facts.RevocationDate = &revoked
	}
	return facts, nil
}

func (d *Decoder) verifyAndParse(signed string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(signed, claims, d.keyFromChain,
		jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nil
}

// keyFromChain extracts the x5c certificate chain from the JWS header,
// verifies it against the cached Apple roots, and returns the leaf public key
// for signature verification. Claims are never trusted before this succeeds.
func (d *Decoder) keyFromChain(token *jwt.Token) (interface{}, error) {
	rawChain, ok := token.Header["x5c"].([]interface{})
	if !ok || len(rawChain) == 0 {
		return nil, fmt.Errorf("missing x5c certificate chain")
	}

	certs := make([]*x509.Certificate, 0, len(rawChain))
	for _, raw := range rawChain {
		encoded, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("malformed x5c entry")
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x5c certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse x5c certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	roots, err := d.certs.Roots()
	if err != nil {
		return nil, err
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain verification failed: %w", err)
	}

	return certs[0].PublicKey, nil
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
