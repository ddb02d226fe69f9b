package backend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"purchasekit/internal/models"
	"purchasekit/internal/sdkerr"
	"purchasekit/pkg/logging"
)

// SignatureHeader carries the HMAC-SHA256 signature of the response body.
const SignatureHeader = "X-Signature"

// ReceiptRequest is the body of POST /v1/receipts.
type ReceiptRequest struct {
	AppUserID      string            `json:"app_user_id"`
	Source         models.PostSource `json:"source"`
	SignedPayloads []string          `json:"signed_payloads"`

	// Transactions mirrors the payload contents in clear form so the
	// backend can serve unsigned development flows.
	Transactions []models.Transaction `json:"transactions"`
}

// Client talks to the entitlement backend over HTTP. It classifies every
// failure into the SDK error taxonomy; the caller decides whether to divert
// to offline computation.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	signatureSecret string

	forcedDown atomic.Bool
}

// NewClient creates a backend client. signatureSecret enables response
// integrity verification; when empty, responses are accepted unverified.
func NewClient(baseURL, apiKey, signatureSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:         baseURL,
		apiKey:          apiKey,
		signatureSecret: signatureSecret,
	}
}

// SetForcedDown marks the backend as unreachable regardless of actual
// connectivity. Used by the surrounding environment to force offline mode.
func (c *Client) SetForcedDown(down bool) {
	c.forcedDown.Store(down)
}

// ForcedDown reports whether the backend is currently forced down.
func (c *Client) ForcedDown() bool {
	return c.forcedDown.Load()
}

// PostReceipt reports purchase proof to the backend and returns the
// authoritative customer-info snapshot.
func (c *Client) PostReceipt(ctx context.Context, req *ReceiptRequest) (*models.CustomerInfoSnapshot, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt request: %w", err)
	}
	return c.doSnapshotRequest(ctx, http.MethodPost, "/v1/receipts", body)
}

// GetCustomerInfo fetches the current snapshot for the given app user.
func (c *Client) GetCustomerInfo(ctx context.Context, appUserID string) (*models.CustomerInfoSnapshot, error) {
	return c.doSnapshotRequest(ctx, http.MethodGet, "/v1/subscribers/"+appUserID, nil)
}

// GetProductEntitlementMapping fetches the product-to-entitlement table.
func (c *Client) GetProductEntitlementMapping(ctx context.Context) (*models.ProductEntitlementMapping, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1/product_entitlement_mapping", nil)
	if err != nil {
		return nil, err
	}

	var mapping models.ProductEntitlementMapping
	if err := json.Unmarshal(respBody, &mapping); err != nil {
		return nil, sdkerr.Wrap(sdkerr.CodeBackend, "failed to parse product entitlement mapping", err)
	}
	if mapping.FetchedAt.IsZero() {
		mapping.FetchedAt = time.Now()
	}
	return &mapping, nil
}

// snapshotWrapper is the nested response form; the backend may also return
// the snapshot flat.
type snapshotWrapper struct {
	CustomerInfo *models.CustomerInfoSnapshot `json:"customer_info"`
}

func (c *Client) doSnapshotRequest(ctx context.Context, method, path string, body []byte) (*models.CustomerInfoSnapshot, error) {
	respBody, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	var wrapper snapshotWrapper
	if err := json.Unmarshal(respBody, &wrapper); err == nil && wrapper.CustomerInfo != nil {
		wrapper.CustomerInfo.IsComputedOffline = false
		return wrapper.CustomerInfo, nil
	}

	var snapshot models.CustomerInfoSnapshot
	if err := json.Unmarshal(respBody, &snapshot); err != nil {
		return nil, sdkerr.Wrap(sdkerr.CodeBackend, "failed to parse customer info response", err)
	}
	snapshot.IsComputedOffline = false
	return &snapshot, nil
}

// do issues one request, verifies response integrity and maps failures into
// the error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.forcedDown.Load() {
		return nil, sdkerr.New(sdkerr.CodeNetwork, "backend is forced down")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PurchaseKit/1.0")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.CodeNetwork, "backend request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, sdkerr.Wrap(sdkerr.CodeNetwork, "failed to read response body", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := c.verifyResponseSignature(respBody, resp.Header.Get(SignatureHeader)); err != nil {
			return nil, err
		}
		return respBody, nil
	}

	return nil, c.decodeErrorResponse(resp.StatusCode, respBody)
}

// verifyResponseSignature checks the HMAC-SHA256 signature of the response
// body against the shared secret. A parseable body is still rejected when
// its signature does not verify.
func (c *Client) verifyResponseSignature(body []byte, signatureHex string) error {
	if c.signatureSecret == "" {
		return nil
	}
	if signatureHex == "" {
		return sdkerr.New(sdkerr.CodeSignatureVerification, "response carries no signature")
	}

	mac := hmac.New(sha256.New, []byte(c.signatureSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signatureHex)) {
		return sdkerr.New(sdkerr.CodeSignatureVerification, "response signature mismatch")
	}
	return nil
}

// decodeErrorResponse maps a structured backend error body to the taxonomy.
// The body may be flat or nested under an "error" container key.
func (c *Client) decodeErrorResponse(statusCode int, body []byte) error {
	errResp := &models.ErrorResponse{}

	var wrapper models.ErrorResponseWrapper
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		errResp = wrapper.Error
	} else if err := json.Unmarshal(body, errResp); err != nil {
		logging.Errorf("Backend returned status %d with undecodable body (%d bytes)", statusCode, len(body))
	}

	message := errResp.Message
	if message == "" {
		message = fmt.Sprintf("backend returned status %d", statusCode)
	}

	sdkErr := &sdkerr.Error{
		Code:        sdkerr.CodeBackend,
		Message:     message,
		StatusCode:  statusCode,
		BackendCode: errResp.Code,
	}
	for _, attr := range errResp.AttributeErrors {
		sdkErr.AttributeErrors = append(sdkErr.AttributeErrors, sdkerr.AttributeError{
			Attribute: attr.Attribute,
			Message:   attr.Message,
		})
	}
	return sdkErr
}
