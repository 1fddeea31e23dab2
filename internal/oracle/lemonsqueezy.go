package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/makkenzo/keygate/internal/ierr"
	"go.uber.org/zap"
)

const DefaultLemonSqueezyBaseURL = "https://api.lemonsqueezy.com"

// LemonSqueezyClient resolves purchaser entitlements by walking the
// customers -> orders -> order-items chain for the configured variant.
type LemonSqueezyClient struct {
	baseURL    string
	apiKey     string
	variantID  string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ EntitlementFinder = (*LemonSqueezyClient)(nil)

func NewLemonSqueezyClient(baseURL, apiKey, variantID string, timeout time.Duration, logger *zap.Logger) *LemonSqueezyClient {
	if baseURL == "" {
		baseURL = DefaultLemonSqueezyBaseURL
	}
	return &LemonSqueezyClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		variantID:  variantID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("LemonSqueezyClient"),
	}
}

type lemonListResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Status    string `json:"status"`
			VariantID json.Number `json:"variant_id"`
		} `json:"attributes"`
	} `json:"data"`
}

func (c *LemonSqueezyClient) get(ctx context.Context, endpoint string, out *lemonListResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/"+endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %v", ierr.ErrInternalServer, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Lemon Squeezy request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return fmt.Errorf("%w: %v", ierr.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Lemon Squeezy returned unexpected status", zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: lemon squeezy responded %d", ierr.ErrOracleUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Warn("Failed to decode Lemon Squeezy response", zap.String("endpoint", endpoint), zap.Error(err))
		return fmt.Errorf("%w: malformed lemon squeezy response: %v", ierr.ErrOracleUnavailable, err)
	}
	return nil
}

// FindActiveEntitlement reports whether email holds a paid order containing
// the configured product variant. An order for the variant in any non-paid
// state (refunded, cancelled) counts as found but inactive.
func (c *LemonSqueezyClient) FindActiveEntitlement(ctx context.Context, email string) (*Entitlement, error) {
	var customers lemonListResponse
	if err := c.get(ctx, "customers?filter[email]="+url.QueryEscape(email), &customers); err != nil {
		return nil, err
	}
	if len(customers.Data) == 0 {
		return &Entitlement{Found: false}, nil
	}
	customerID := customers.Data[0].ID

	var orders lemonListResponse
	if err := c.get(ctx, "orders?filter[customer_id]="+url.QueryEscape(customerID), &orders); err != nil {
		return nil, err
	}
	if len(orders.Data) == 0 {
		return &Entitlement{Found: false}, nil
	}

	sawVariant := false
	for _, order := range orders.Data {
		var items lemonListResponse
		if err := c.get(ctx, "order-items?filter[order_id]="+url.QueryEscape(order.ID), &items); err != nil {
			return nil, err
		}
		for _, item := range items.Data {
			if item.Attributes.VariantID.String() != c.variantID {
				continue
			}
			sawVariant = true
			if order.Attributes.Status == "paid" {
				return &Entitlement{Found: true, Active: true}, nil
			}
		}
	}

	if sawVariant {
		return &Entitlement{Found: true, Active: false}, nil
	}
	return &Entitlement{Found: false}, nil
}
