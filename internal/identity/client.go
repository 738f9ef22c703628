package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"itroad-gateway/pkg/platform/sentinel"
)

// Client calls the identity service's "who am I" endpoint.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an identity service client with its own bounded timeout,
// independent of any proxy budget.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// WhoAmI resolves the caller behind a bearer token against the authority.
// Outcomes map to infrastructure facts:
//   - resolved identity, nil error on 2xx
//   - sentinel.ErrRejected on 401/403 (token rejected by the authority)
//   - sentinel.ErrUnreachable on transport failure, timeout, or 5xx
func (c *Client) WhoAmI(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/me", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build whoami request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("whoami call: %w: %w", sentinel.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var identity Identity
		if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
			return Identity{}, fmt.Errorf("decode whoami response: %w: %w", sentinel.ErrUnreachable, err)
		}
		if identity.SubjectID == "" {
			return Identity{}, fmt.Errorf("whoami response missing subject: %w", sentinel.ErrUnreachable)
		}
		return identity, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, fmt.Errorf("whoami status %d: %w", resp.StatusCode, sentinel.ErrRejected)
	default:
		return Identity{}, fmt.Errorf("whoami status %d: %w", resp.StatusCode, sentinel.ErrUnreachable)
	}
}
