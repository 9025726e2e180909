package sync

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
	"strconv"
	"time"

	"metergate/pkg/config"
	"metergate/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxAttempts = 3

// LicenseData is the central authority's wire form of a license.
type LicenseData struct {
	LicenseKey      string             `json:"license_key"`
	CustomerID      string             `json:"customer_id"`
	CustomerName    string             `json:"customer_name"`
	Tier            string             `json:"tier"`
	Status          string             `json:"status"`
	ExpiryDate      string             `json:"expiry_date"`
	ResourceLimits  map[string]float64 `json:"resource_limits"`
	EnabledFeatures []string           `json:"enabled_features"`
	EnabledApps     []string           `json:"enabled_apps"`
}

// UsageBucketReport is one aggregated bucket on the wire.
type UsageBucketReport struct {
	BucketID     string    `json:"bucket_id"`
	ResourceType string    `json:"resource_type"`
	HourBucket   time.Time `json:"hour_bucket"`
	Quantity     float64   `json:"quantity"`
}

// ReportAck acknowledges a usage report; only acked bucket IDs may be
// marked synced locally.
type ReportAck struct {
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
	ReceiptID string   `json:"receipt_id"`
}

// Command is one instruction piggybacked on a heartbeat response.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HeartbeatResponse carries central acknowledgement plus any pending
// commands for this installation.
type HeartbeatResponse struct {
	Acknowledged bool      `json:"acknowledged"`
	ServerTime   time.Time `json:"server_time"`
	Commands     []Command `json:"commands"`
}

// Client talks to the central licensing authority. Every request is
// signed with HMAC-SHA256 over the canonical (sorted-key) JSON body
// plus the send-time timestamp, so retried attempts carry fresh
// signatures.
type Client struct {
	cfg     *config.Config
	http    *http.Client
	backoff func(attempt int) time.Duration
}

type ClientParams struct {
	fx.In
	Config *config.Config
}

func NewClient(p ClientParams) *Client {
	return &Client{
		cfg:  p.Config,
		http: &http.Client{Timeout: p.Config.Central.Timeout},
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
	}
}

// ValidateLicense asks central to validate and return the license.
func (c *Client) ValidateLicense(ctx context.Context, licenseKey string) (*LicenseData, error) {
	payload := map[string]any{"license_key": licenseKey}

	var out LicenseData
	if err := c.do(ctx, http.MethodPost, "/validate-license", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchLicense pulls the current license record without a validation
// pass.
func (c *Client) FetchLicense(ctx context.Context, licenseKey string) (*LicenseData, error) {
	var out LicenseData
	if err := c.do(ctx, http.MethodGet, "/license/"+licenseKey, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportUsage pushes a batch of aggregated buckets.
func (c *Client) ReportUsage(ctx context.Context, licenseKey string, buckets []UsageBucketReport) (*ReportAck, error) {
	payload := map[string]any{
		"license_key": licenseKey,
		"usage":       buckets,
	}

	var out ReportAck
	if err := c.do(ctx, http.MethodPost, "/usage/report", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat announces liveness and collects pending commands.
func (c *Client) Heartbeat(ctx context.Context, licenseKey, version string) (*HeartbeatResponse, error) {
	payload := map[string]any{
		"license_key": licenseKey,
		"version":     version,
	}

	var out HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/heartbeat", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one signed request with retries. Auth and validation
// failures are terminal; everything else retries with exponential
// backoff, respecting ctx.
func (c *Client) do(ctx context.Context, method, path string, payload map[string]any, out any) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			select {
			case <-ctx.Done():
				return errutil.SyncTransient("sync aborted", errutil.WithErr(ctx.Err()))
			case <-time.After(backoff):
			}
		}

		err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if errutil.Is(err, errutil.StatusSyncAuth) || errutil.Is(err, errutil.StatusSyncValidation) {
			return err
		}

		lastErr = err
		zap.L().Warn("central sync attempt failed",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, payload map[string]any, out any) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	body, signature, err := c.sign(payload, timestamp)
	if err != nil {
		return errutil.Internal("failed to sign sync request", errutil.WithErr(err))
	}

	var reader io.Reader
	if method != http.MethodGet {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Central.URL+path, reader)
	if err != nil {
		return errutil.SyncTransient("failed to build sync request", errutil.WithErr(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.Central.APIKey)
	req.Header.Set("X-Api-Signature", signature)
	req.Header.Set("X-Api-Timestamp", timestamp)

	resp, err := c.http.Do(req)
	if err != nil {
		return errutil.SyncTransient("central is unreachable", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errutil.SyncTransient("failed to read sync response", errutil.WithErr(err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errutil.SyncAuth(fmt.Sprintf("central rejected credentials: %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return errutil.SyncValidation(fmt.Sprintf("central rejected request: %d %s", resp.StatusCode, string(raw)))
	case resp.StatusCode >= 400:
		return errutil.SyncTransient(fmt.Sprintf("central returned %d", resp.StatusCode))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errutil.SyncTransient("central returned invalid payload", errutil.WithErr(err))
	}
	return nil
}

// sign canonicalizes the payload with its timestamp and returns the
// request body alongside its hex HMAC-SHA256 signature. Map encoding
// sorts keys, which is the canonical form both sides agree on.
func (c *Client) sign(payload map[string]any, timestamp string) ([]byte, string, error) {
	canonical := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		canonical[k] = v
	}
	canonical["timestamp"] = timestamp

	body, err := json.Marshal(canonical)
	if err != nil {
		return nil, "", err
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.Central.APISecret))
	mac.Write(body)
	return body, hex.EncodeToString(mac.Sum(nil)), nil
}
