// Package captcha defines the CAPTCHA collaborator consulted by the
// subscription-intake path, with a Cloudflare Turnstile implementation.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/COSCUP/newsletter/internal/pkg/httpretry"
)

const turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Verifier checks a client-supplied CAPTCHA response.
type Verifier interface {
	Verify(ctx context.Context, responseToken, remoteIP string) (bool, error)
}

// Turnstile verifies tokens against Cloudflare's siteverify endpoint.
// Transient siteverify failures are retried with backoff; a still-failing
// verification surfaces as an error, not a rejection.
type Turnstile struct {
	secret string
	client httpretry.HTTPDoer
}

// NewTurnstile creates a Turnstile verifier.
func NewTurnstile(secret string) *Turnstile {
	return &Turnstile{
		secret: secret,
		client: httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 2),
	}
}

// Verify implements Verifier.
func (t *Turnstile) Verify(ctx context.Context, responseToken, remoteIP string) (bool, error) {
	form := url.Values{}
	form.Set("secret", t.secret)
	form.Set("response", responseToken)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, turnstileVerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha verification request failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode captcha response: %w", err)
	}
	return out.Success, nil
}
