package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrProverFailure = errors.New("prover failure")

// Prover turns a witness record into a proof. Proof generation itself lives
// outside this module.
type Prover interface {
	Prove(ctx context.Context, inputs *WithdrawInputs) (*Result, error)
}

// Client calls an external proving service over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/prove",
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) Prove(ctx context.Context, inputs *WithdrawInputs) (*Result, error) {
	body, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal withdraw inputs: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProverFailure, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProverFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProverFailure, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %w", ErrProverFailure, err)
	}
	return &result, nil
}
