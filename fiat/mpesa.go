package fiat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MpesaConfig configures the outbound payment client.
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Timeout        time.Duration
}

func (c *MpesaConfig) normalize() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return fmt.Errorf("fiat: mpesa base url required")
	}
	if strings.TrimSpace(c.ConsumerKey) == "" || strings.TrimSpace(c.ConsumerSecret) == "" {
		return fmt.Errorf("fiat: mpesa credentials required")
	}
	if strings.TrimSpace(c.ShortCode) == "" {
		return fmt.Errorf("fiat: mpesa short code required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// MpesaClient initiates B2C payouts against the provider API. Confirmation
// arrives asynchronously over the webhook, so InitiatePayout only returns the
// provider's conversation reference.
type MpesaClient struct {
	cfg  MpesaConfig
	http *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewMpesaClient constructs the payout client.
func NewMpesaClient(cfg MpesaConfig) (*MpesaClient, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &MpesaClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// InitiatePayout implements PayoutClient.
func (c *MpesaClient) InitiatePayout(ctx context.Context, req PayoutRequest) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	// The provider API takes whole shillings; amounts arrive in cents.
	shillings := new(big.Int).Quo(req.AmountKes.Big(), big.NewInt(100))
	body, err := json.Marshal(map[string]interface{}{
		"OriginatorConversationID": req.Reference,
		"InitiatorName":            c.cfg.ShortCode,
		"CommandID":                "BusinessPayment",
		"Amount":                   shillings.String(),
		"PartyA":                   c.cfg.ShortCode,
		"PartyB":                   req.PhoneNumber,
		"Remarks":                  "loan disbursement " + req.LoanID.String(),
	})
	if err != nil {
		return "", fmt.Errorf("fiat: encode payout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/b2c/v3/paymentrequest", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fiat: build payout request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fiat: payout request: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("fiat: read payout response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fiat: payout rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out struct {
		ConversationID string `json:"ConversationID"`
		ResponseCode   string `json:"ResponseCode"`
		ResponseDesc   string `json:"ResponseDescription"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("fiat: decode payout response: %w", err)
	}
	if out.ResponseCode != "0" {
		return "", fmt.Errorf("fiat: payout refused: code %s: %s", out.ResponseCode, out.ResponseDesc)
	}
	if out.ConversationID == "" {
		return "", fmt.Errorf("fiat: payout response missing conversation id")
	}
	return out.ConversationID, nil
}

func (c *MpesaClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("fiat: build token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fiat: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fiat: token request: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("fiat: decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("fiat: token response missing access token")
	}
	c.token = out.AccessToken
	// Tokens last an hour; refresh a minute early.
	c.tokenExpiry = time.Now().Add(59 * time.Minute)
	return c.token, nil
}
