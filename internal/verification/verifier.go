package verification

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// maxSignedDateSkew is how far a signed payload's timestamp may drift from
// the local clock before it is rejected.
const maxSignedDateSkew = 5 * time.Minute

// TransactionVerifier validates the authenticity of a transaction's signed
// payload before the SDK trusts it. Payloads are JWS compact serializations
// whose header carries the signing certificate chain (x5c).
type TransactionVerifier struct {
	rootSubject     string
	allowUnverified bool

	certCache    map[string]*x509.Certificate
	mutex        sync.RWMutex
	certCacheTTL time.Duration
	lastCacheAt  time.Time
}

// NewTransactionVerifier creates a verifier trusting chains rooted in a
// certificate whose subject contains rootSubject. allowUnverified accepts
// transactions with no signed payload; it exists for development against
// sources that cannot sign.
func NewTransactionVerifier(rootSubject string, allowUnverified bool) *TransactionVerifier {
	return &TransactionVerifier{
		rootSubject:     rootSubject,
		allowUnverified: allowUnverified,
		certCache:       make(map[string]*x509.Certificate),
		certCacheTTL:    time.Hour * 24,
	}
}

type payloadHeader struct {
	Algorithm        string   `json:"alg"`
	CertificateChain []string `json:"x5c"`
}

// SignedTransactionPayload is the decoded claim set of a transaction's
// signed payload.
type SignedTransactionPayload struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	SignedDate            int64  `json:"signed_date"` // unix milliseconds
}

// VerifyTransaction checks the signed payload of the given transaction and
// returns its decoded claims. The transaction ID inside the payload must
// match transactionID.
func (v *TransactionVerifier) VerifyTransaction(transactionID, signedPayload string) (*SignedTransactionPayload, error) {
	if signedPayload == "" {
		if v.allowUnverified {
			return &SignedTransactionPayload{TransactionID: transactionID}, nil
		}
		return nil, fmt.Errorf("transaction %s carries no signed payload", transactionID)
	}

	parts := strings.Split(signedPayload, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid signed payload format: expected 3 parts, got %d", len(parts))
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload header: %w", err)
	}

	var header payloadHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload header: %w", err)
	}

	certChain, err := v.getCertificateChain(header.CertificateChain)
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate chain: %w", err)
	}

	if err := v.verifyCertificateChain(certChain); err != nil {
		return nil, fmt.Errorf("failed to verify certificate chain: %w", err)
	}

	if err := v.verifySignature(parts[0]+"."+parts[1], parts[2], certChain[0]); err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var payload SignedTransactionPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if err := v.verifySignedDate(payload.SignedDate); err != nil {
		return nil, err
	}

	if payload.TransactionID != transactionID {
		return nil, fmt.Errorf("signed payload is for transaction %s, not %s", payload.TransactionID, transactionID)
	}

	return &payload, nil
}

// getCertificateChain parses each x5c entry, serving repeat entries from
// the certificate cache.
func (v *TransactionVerifier) getCertificateChain(encoded []string) ([]*x509.Certificate, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}

	var certificates []*x509.Certificate

	for _, certB64 := range encoded {
		v.mutex.RLock()
		cached, exists := v.certCache[certB64]
		cacheExpired := time.Since(v.lastCacheAt) > v.certCacheTTL
		v.mutex.RUnlock()

		if exists && !cacheExpired {
			certificates = append(certificates, cached)
			continue
		}

		der, err := base64.StdEncoding.DecodeString(certB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode certificate: %w", err)
		}

		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}

		v.mutex.Lock()
		if cacheExpired {
			v.certCache = make(map[string]*x509.Certificate)
		}
		v.certCache[certB64] = cert
		v.lastCacheAt = time.Now()
		v.mutex.Unlock()

		certificates = append(certificates, cert)
	}

	return certificates, nil
}

// verifyCertificateChain checks validity windows, that each certificate is
// signed by its parent, and that the chain is rooted in the trusted root.
func (v *TransactionVerifier) verifyCertificateChain(certChain []*x509.Certificate) error {
	now := time.Now()
	for i, cert := range certChain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("certificate %d is expired or not yet valid", i)
		}
	}

	for i := 0; i < len(certChain)-1; i++ {
		if err := certChain[i].CheckSignatureFrom(certChain[i+1]); err != nil {
			return fmt.Errorf("certificate %d signature verification failed: %w", i, err)
		}
	}

	rootCert := certChain[len(certChain)-1]
	if !v.isTrustedRoot(rootCert) {
		return fmt.Errorf("invalid root certificate: %s", rootCert.Subject.String())
	}

	return nil
}

// isTrustedRoot checks whether the chain terminates in the configured root.
func (v *TransactionVerifier) isTrustedRoot(cert *x509.Certificate) bool {
	if v.rootSubject == "" {
		return false
	}
	return strings.Contains(cert.Subject.String(), v.rootSubject)
}

// verifySignature validates the ECDSA signature (raw r||s, 64 bytes) over
// the signing input.
func (v *TransactionVerifier) verifySignature(signingInput, signatureB64 string, cert *x509.Certificate) error {
	signatureBytes, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	if len(signatureBytes) != 64 {
		return fmt.Errorf("invalid signature length: expected 64, got %d", len(signatureBytes))
	}

	publicKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate does not contain ECDSA public key")
	}

	hash := sha256.Sum256([]byte(signingInput))

	rBig := new(big.Int).SetBytes(signatureBytes[:32])
	sBig := new(big.Int).SetBytes(signatureBytes[32:])

	if !ecdsa.Verify(publicKey, hash[:], rBig, sBig) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// verifySignedDate rejects payloads whose signing timestamp drifts too far
// from the local clock.
func (v *TransactionVerifier) verifySignedDate(signedDateMS int64) error {
	if signedDateMS == 0 {
		return fmt.Errorf("signed payload carries no signed date")
	}

	signedAt := time.UnixMilli(signedDateMS)
	diff := time.Since(signedAt)
	if diff < -maxSignedDateSkew || diff > maxSignedDateSkew {
		return fmt.Errorf("signed date is too old or too far in the future: %s difference", diff)
	}

	return nil
}

// ClearCache clears the certificate cache.
func (v *TransactionVerifier) ClearCache() {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	v.certCache = make(map[string]*x509.Certificate)
	v.lastCacheAt = time.Time{}
}
