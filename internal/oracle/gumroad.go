package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/makkenzo/keygate/internal/ierr"
	"go.uber.org/zap"
)

const DefaultGumroadBaseURL = "https://api.gumroad.com"

type GumroadClient struct {
	baseURL          string
	apiKey           string
	productPermalink string
	httpClient       *http.Client
	logger           *zap.Logger
}

var _ KeyValidator = (*GumroadClient)(nil)

func NewGumroadClient(baseURL, apiKey, productPermalink string, timeout time.Duration, logger *zap.Logger) *GumroadClient {
	if baseURL == "" {
		baseURL = DefaultGumroadBaseURL
	}
	return &GumroadClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		apiKey:           apiKey,
		productPermalink: productPermalink,
		httpClient:       &http.Client{Timeout: timeout},
		logger:           logger.Named("GumroadClient"),
	}
}

type gumroadVerifyRequest struct {
	ProductPermalink string `json:"product_permalink"`
	LicenseKey       string `json:"license_key"`
}

type gumroadVerifyResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Purchase struct {
		Email                   string  `json:"email"`
		Refunded                bool    `json:"refunded"`
		Chargebacked            bool    `json:"chargebacked"`
		SubscriptionCancelledAt *string `json:"subscription_cancelled_at"`
		SubscriptionFailedAt    *string `json:"subscription_failed_at"`
		Uses                    int     `json:"uses"`
	} `json:"purchase"`
}

// ValidateKey calls Gumroad's license verify endpoint. An unknown key comes
// back with success=false (HTTP 404), which maps to Valid=false rather than
// an error; only transport and server failures surface as ErrOracleUnavailable.
func (c *GumroadClient) ValidateKey(ctx context.Context, licenseKey string) (*Validation, error) {
	payload, err := json.Marshal(gumroadVerifyRequest{
		ProductPermalink: c.productPermalink,
		LicenseKey:       strings.TrimSpace(licenseKey),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode verify request: %v", ierr.ErrInternalServer, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/licenses/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build verify request: %v", ierr.ErrInternalServer, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Gumroad verify request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ierr.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	// Gumroad answers 404 with a regular JSON body for unknown keys.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		c.logger.Warn("Gumroad verify returned unexpected status", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: gumroad responded %d", ierr.ErrOracleUnavailable, resp.StatusCode)
	}

	var body gumroadVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Warn("Failed to decode Gumroad verify response", zap.Error(err))
		return nil, fmt.Errorf("%w: malformed gumroad response: %v", ierr.ErrOracleUnavailable, err)
	}

	if !body.Success {
		c.logger.Info("Gumroad reported key invalid", zap.String("message", body.Message))
		return &Validation{Valid: false}, nil
	}

	p := body.Purchase
	active := !p.Refunded && !p.Chargebacked && p.SubscriptionCancelledAt == nil && p.SubscriptionFailedAt == nil

	return &Validation{
		Valid:      true,
		Active:     active,
		OwnerEmail: p.Email,
		Uses:       p.Uses,
	}, nil
}
