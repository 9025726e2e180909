package sync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"metergate/pkg/config"
	"metergate/pkg/errutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestClient(url string) *Client {
	cfg := &config.Config{}
	cfg.Central.URL = url
	cfg.Central.APIKey = "key-123"
	cfg.Central.APISecret = "secret-456"
	cfg.Central.LicenseKey = "LIC-TEST"
	cfg.Central.Timeout = 5 * time.Second

	client := NewClient(ClientParams{Config: cfg})
	client.backoff = func(int) time.Duration { return time.Millisecond }
	return client
}

func TestValidateLicenseSignsRequest(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)

		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/validate-license", r.URL.Path)

		json.NewEncoder(w).Encode(LicenseData{
			LicenseKey: "LIC-TEST",
			Tier:       "Builder",
			Status:     "Active",
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	data, err := client.ValidateLicense(context.Background(), "LIC-TEST")
	require.NoError(t, err)
	require.Equal(t, "Builder", data.Tier)

	require.Equal(t, "key-123", gotHeaders.Get("X-Api-Key"))
	require.NotEmpty(t, gotHeaders.Get("X-Api-Timestamp"))

	// The signature is HMAC-SHA256 over the body the server received.
	mac := hmac.New(sha256.New, []byte("secret-456"))
	mac.Write(gotBody)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotHeaders.Get("X-Api-Signature"))

	// The timestamp is inside the signed body.
	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, gotHeaders.Get("X-Api-Timestamp"), payload["timestamp"])
	require.Equal(t, "LIC-TEST", payload["license_key"])
}

func TestFetchLicenseSignsTimestampOnly(t *testing.T) {
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()

		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/license/LIC-TEST", r.URL.Path)

		json.NewEncoder(w).Encode(LicenseData{
			LicenseKey: "LIC-TEST",
			Tier:       "Visionary",
			Status:     "Active",
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	data, err := client.FetchLicense(context.Background(), "LIC-TEST")
	require.NoError(t, err)
	require.Equal(t, "Visionary", data.Tier)

	// GET carries no body; the signature covers the canonical payload,
	// which here is just the timestamp.
	ts := gotHeaders.Get("X-Api-Timestamp")
	require.NotEmpty(t, ts)

	canonical, err := json.Marshal(map[string]any{"timestamp": ts})
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte("secret-456"))
	mac.Write(canonical)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotHeaders.Get("X-Api-Signature"))
	require.Equal(t, "key-123", gotHeaders.Get("X-Api-Key"))
}

func TestAuthFailureDoesNotRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	_, err := client.ValidateLicense(context.Background(), "LIC-TEST")
	require.Equal(t, errutil.StatusSyncAuth, errutil.Code(err))
	require.Equal(t, 1, calls)
}

func TestValidationFailureDoesNotRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	_, err := client.ValidateLicense(context.Background(), "LIC-UNKNOWN")
	require.Equal(t, errutil.StatusSyncValidation, errutil.Code(err))
	require.Equal(t, 1, calls)
}

func TestTransientFailureRetriesWithFreshSignature(t *testing.T) {
	var calls int
	var timestamps []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		timestamps = append(timestamps, r.Header.Get("X-Api-Timestamp"))
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(LicenseData{LicenseKey: "LIC-TEST", Status: "Active"})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	data, err := client.ValidateLicense(context.Background(), "LIC-TEST")
	require.NoError(t, err)
	require.Equal(t, "LIC-TEST", data.LicenseKey)
	require.Equal(t, 2, calls)
	require.Len(t, timestamps, 2)
}

func TestRetriesExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	_, err := client.ValidateLicense(context.Background(), "LIC-TEST")
	require.Equal(t, errutil.StatusSyncTransient, errutil.Code(err))
	require.Equal(t, maxAttempts, calls)
}

func TestBackoffHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	client.backoff = func(int) time.Duration { return time.Second }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.ValidateLicense(ctx, "LIC-TEST")
	require.Equal(t, errutil.StatusSyncTransient, errutil.Code(err))
	require.Less(t, time.Since(start), time.Second)
}

func TestHeartbeatDecodesCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/heartbeat", r.URL.Path)
		json.NewEncoder(w).Encode(HeartbeatResponse{
			Acknowledged: true,
			Commands: []Command{
				{Type: "refresh_license", Payload: json.RawMessage(`{}`)},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	resp, err := client.Heartbeat(context.Background(), "LIC-TEST", "1.0.0")
	require.NoError(t, err)
	require.True(t, resp.Acknowledged)
	require.Len(t, resp.Commands, 1)
	require.Equal(t, "refresh_license", resp.Commands[0].Type)
}
