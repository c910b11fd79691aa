package discordbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const keyStatusPath = "/auth/key"

// KeyStatus is the provider's view of the configured API key's quota.
// Limit and LimitRemaining are nil when the key has no credit limit.
type KeyStatus struct {
	Label          string    `json:"label"`
	Usage          float64   `json:"usage"`
	Limit          *float64  `json:"limit"`
	LimitRemaining *float64  `json:"limit_remaining"`
	IsFreeTier     bool      `json:"is_free_tier"`
	RateLimit      RateQuota `json:"rate_limit"`
}

// RateQuota is the number of requests allowed per interval (ex: "10s")
type RateQuota struct {
	Requests int    `json:"requests"`
	Interval string `json:"interval"`
}

type keyStatusResponse struct {
	Data *KeyStatus `json:"data"`
}

// KeyStatusClient queries the completion provider's key status endpoint
type KeyStatusClient struct {
	client  *http.Client
	baseURL string
	token   string
}

func newKeyStatusClient(config *CompletionConfig, httpClient *http.Client) *KeyStatusClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &KeyStatusClient{
		client:  httpClient,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		token:   config.Token,
	}
}

// KeyStatus fetches the current quota of the configured API key
func (k *KeyStatusClient) KeyStatus(ctx context.Context) (*KeyStatus, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		k.baseURL+keyStatusPath,
		nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+k.token)
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error requesting key status: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("error reading key status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"unexpected key status response: %s: %s",
			resp.Status,
			truncate(strings.TrimSpace(string(body)), 200),
		)
	}

	var status keyStatusResponse
	if err = json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("error decoding key status: %w", err)
	}
	if status.Data == nil {
		return nil, fmt.Errorf("key status response missing data")
	}
	return status.Data, nil
}

// formatKeyStatus renders the key status as a chat reply
func formatKeyStatus(s *KeyStatus) string {
	var b strings.Builder
	b.WriteString("📊 **API key status**\n")
	if s.Label != "" {
		fmt.Fprintf(&b, "Key: `%s`\n", s.Label)
	}
	fmt.Fprintf(&b, "Usage: %s credits\n", formatCredits(s.Usage))
	if s.Limit != nil {
		fmt.Fprintf(&b, "Limit: %s credits\n", formatCredits(*s.Limit))
	} else {
		b.WriteString("Limit: unlimited\n")
	}
	if s.LimitRemaining != nil {
		fmt.Fprintf(&b, "Remaining: %s credits\n", formatCredits(*s.LimitRemaining))
	}
	if s.RateLimit.Requests > 0 {
		fmt.Fprintf(
			&b,
			"Rate limit: %d requests, resets every %s\n",
			s.RateLimit.Requests,
			s.RateLimit.Interval,
		)
	}
	if s.IsFreeTier {
		b.WriteString("Tier: free\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func formatCredits(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}
