package hasher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"privacyvaults/vault-core/field"
)

// HashRequest and HashResponse are the wire shape of the remote oracle,
// served by this module's own /hash endpoint as well.
type HashRequest struct {
	Inputs []field.Element `json:"inputs"`
}

type HashResponse struct {
	Hash field.Element `json:"hash"`
}

// Remote calls an out-of-process hash service over HTTP.
type Remote struct {
	endpoint string
	client   *http.Client
}

func NewRemote(baseURL string, timeout time.Duration) *Remote {
	return &Remote{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/hash",
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Hash(ctx context.Context, inputs ...field.Element) (field.Element, error) {
	if err := checkArity(RemoteBackend, inputs); err != nil {
		return field.Zero, err
	}
	body, err := json.Marshal(HashRequest{Inputs: inputs})
	if err != nil {
		return field.Zero, oracleError(RemoteBackend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return field.Zero, oracleError(RemoteBackend, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return field.Zero, oracleError(RemoteBackend, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return field.Zero, oracleError(RemoteBackend, err)
	}
	if resp.StatusCode != http.StatusOK {
		return field.Zero, oracleError(RemoteBackend, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var out HashResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return field.Zero, oracleError(RemoteBackend, fmt.Errorf("malformed response: %w", err))
	}
	return out.Hash, nil
}
