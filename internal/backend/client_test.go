package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"purchasekit/internal/models"
	"purchasekit/internal/sdkerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// signedHandler responds with payload as JSON, signed with secret.
func signedHandler(t *testing.T, secret string, payload interface{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(payload)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		if secret != "" {
			w.Header().Set(SignatureHeader, signBody(secret, body))
		}
		_, _ = w.Write(body)
	}
}

func testSnapshot() *models.CustomerInfoSnapshot {
	return &models.CustomerInfoSnapshot{
		AppUserID:     "user-1",
		Entitlements:  map[string]models.Entitlement{},
		RequestDate:   time.Now().UTC().Truncate(time.Second),
		SchemaVersion: models.CustomerInfoSchemaVersion,
	}
}

func TestClient_GetCustomerInfoNestedResponse(t *testing.T) {
	secret := "secret"
	srv := httptest.NewServer(signedHandler(t, secret, map[string]interface{}{
		"customer_info": testSnapshot(),
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", secret, time.Second)
	snapshot, err := client.GetCustomerInfo(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, "user-1", snapshot.AppUserID)
	assert.False(t, snapshot.IsComputedOffline)
}

func TestClient_GetCustomerInfoFlatResponse(t *testing.T) {
	srv := httptest.NewServer(signedHandler(t, "", testSnapshot()))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	snapshot, err := client.GetCustomerInfo(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, "user-1", snapshot.AppUserID)
}

func TestClient_OnlineSnapshotNeverMarkedOffline(t *testing.T) {
	// Even if the wire bytes claim the snapshot was computed offline, a
	// snapshot that came from the backend is online by definition.
	tampered := testSnapshot()
	tampered.IsComputedOffline = true
	srv := httptest.NewServer(signedHandler(t, "", tampered))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	snapshot, err := client.GetCustomerInfo(context.Background(), "user-1")

	require.NoError(t, err)
	assert.False(t, snapshot.IsComputedOffline)
}

func TestClient_MissingSignatureRejected(t *testing.T) {
	srv := httptest.NewServer(signedHandler(t, "", testSnapshot()))
	defer srv.Close()

	client := NewClient(srv.URL, "", "secret", time.Second)
	_, err := client.GetCustomerInfo(context.Background(), "user-1")

	require.Error(t, err)
	assert.True(t, sdkerr.HasCode(err, sdkerr.CodeSignatureVerification))
}

func TestClient_WrongSignatureRejected(t *testing.T) {
	srv := httptest.NewServer(signedHandler(t, "other-secret", testSnapshot()))
	defer srv.Close()

	client := NewClient(srv.URL, "", "secret", time.Second)
	_, err := client.GetCustomerInfo(context.Background(), "user-1")

	require.Error(t, err)
	assert.True(t, sdkerr.HasCode(err, sdkerr.CodeSignatureVerification))
}

func TestClient_ForcedDownShortCircuits(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	client.SetForcedDown(true)

	_, err := client.GetCustomerInfo(context.Background(), "user-1")
	require.Error(t, err)
	assert.True(t, sdkerr.HasCode(err, sdkerr.CodeNetwork))
	assert.Zero(t, calls)

	client.SetForcedDown(false)
	assert.False(t, client.ForcedDown())
}

func TestClient_TransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	client := NewClient(srv.URL, "", "", time.Second)
	_, err := client.GetCustomerInfo(context.Background(), "user-1")

	require.Error(t, err)
	sdkErr, ok := sdkerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, sdkerr.CodeNetwork, sdkErr.Code)
	assert.True(t, sdkErr.Retryable())
}

func TestClient_NestedErrorBodyDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(models.ErrorResponseWrapper{
			Error: &models.ErrorResponse{
				Code:    7230,
				Message: "receipt already exists",
				AttributeErrors: []models.AttributeErrorEntry{
					{Attribute: "app_user_id", Message: "already bound"},
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	_, err := client.PostReceipt(context.Background(), &ReceiptRequest{AppUserID: "user-1"})

	require.Error(t, err)
	sdkErr, ok := sdkerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, sdkerr.CodeBackend, sdkErr.Code)
	assert.Equal(t, http.StatusConflict, sdkErr.StatusCode)
	assert.Equal(t, 7230, sdkErr.BackendCode)
	assert.Equal(t, "receipt already exists", sdkErr.Message)
	require.Len(t, sdkErr.AttributeErrors, 1)
	assert.Equal(t, "app_user_id", sdkErr.AttributeErrors[0].Attribute)
	assert.False(t, sdkErr.Retryable())
}

func TestClient_FlatErrorBodyDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Code: 7101, Message: "bad receipt"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	_, err := client.PostReceipt(context.Background(), &ReceiptRequest{AppUserID: "user-1"})

	require.Error(t, err)
	sdkErr, ok := sdkerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 7101, sdkErr.BackendCode)
	assert.Equal(t, "bad receipt", sdkErr.Message)
}

func TestClient_UndecodableErrorBodyStillClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	_, err := client.GetCustomerInfo(context.Background(), "user-1")

	require.Error(t, err)
	sdkErr, ok := sdkerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, sdkerr.CodeBackend, sdkErr.Code)
	assert.Equal(t, http.StatusBadGateway, sdkErr.StatusCode)
	assert.True(t, sdkErr.Retryable())
}

func TestClient_GetProductEntitlementMapping(t *testing.T) {
	srv := httptest.NewServer(signedHandler(t, "", models.ProductEntitlementMapping{
		Products: map[string][]string{"monthly_pro": {"pro"}},
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	mapping, err := client.GetProductEntitlementMapping(context.Background())

	require.NoError(t, err)
	ids, ok := mapping.EntitlementsForProduct("monthly_pro")
	require.True(t, ok)
	assert.Equal(t, []string{"pro"}, ids)
	// A missing fetch timestamp is filled in locally so staleness tracking
	// works.
	assert.False(t, mapping.FetchedAt.IsZero())
}

func TestClient_SendsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "api-key-123", "", time.Second)
	_, err := client.GetCustomerInfo(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, "api-key-123", gotKey)
}
