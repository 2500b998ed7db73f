// Package signin validates third-party identity tokens. The heavy lifting
// is the provider's; this just asks the tokeninfo endpoint and checks the
// claims we care about.
package signin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/accountd/internal/model"
)

const (
	googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

	requestTimeout = 10 * time.Second

	// maxResponseSize caps how much of the provider's response is read.
	maxResponseSize = 64 * 1024
)

var (
	// ErrInvalidToken is returned when the provider rejects the token or
	// its claims do not match this service.
	ErrInvalidToken = errors.New("invalid identity token")

	// ErrUnsupportedProvider is returned for providers without a
	// verifier, currently everything except Google.
	ErrUnsupportedProvider = errors.New("unsupported identity provider")
)

// Provider names a third-party identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

// Verifier checks identity tokens against their issuing provider.
type Verifier struct {
	client   *http.Client
	endpoint string
	clientID string
	logger   *slog.Logger
}

// NewVerifier returns a verifier accepting tokens issued to clientID.
func NewVerifier(clientID string, logger *slog.Logger) *Verifier {
	return &Verifier{
		client:   &http.Client{Timeout: requestTimeout},
		endpoint: googleTokenInfoURL,
		clientID: clientID,
		logger:   logger,
	}
}

// Verify validates an identity token for the named provider and returns
// the provider's subject identifier.
func (v *Verifier) Verify(ctx context.Context, provider Provider, idToken string) (model.GoogleAccountID, error) {
	switch provider {
	case ProviderGoogle:
		return v.verifyGoogle(ctx, idToken)
	default:
		return "", fmt.Errorf("verifying %s token: %w", provider, ErrUnsupportedProvider)
	}
}

func (v *Verifier) verifyGoogle(ctx context.Context, idToken string) (model.GoogleAccountID, error) {
	if idToken == "" {
		return "", fmt.Errorf("verifying google token: empty token: %w", ErrInvalidToken)
	}

	endpoint := v.endpoint + "?id_token=" + url.QueryEscape(idToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("verifying google token: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verifying google token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("verifying google token: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		v.logger.Debug("google tokeninfo rejected token", "status", resp.StatusCode)
		return "", fmt.Errorf("verifying google token: status %d: %w", resp.StatusCode, ErrInvalidToken)
	}

	aud := gjson.GetBytes(body, "aud").String()
	if aud != v.clientID {
		v.logger.Debug("google token audience mismatch", "aud", aud)
		return "", fmt.Errorf("verifying google token: audience mismatch: %w", ErrInvalidToken)
	}

	sub := gjson.GetBytes(body, "sub").String()
	if sub == "" {
		return "", fmt.Errorf("verifying google token: missing subject: %w", ErrInvalidToken)
	}

	return model.GoogleAccountID(sub), nil
}
