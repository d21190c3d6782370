package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"riskwatch/internal/venue"
)

// HTTP is a directory backed by an external user service.
type HTTP struct {
	http *resty.Client
}

// NewHTTP creates a directory client for the service at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(3).
			SetRetryWaitTime(200 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json"),
	}
}

func (h *HTTP) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var result Client
	resp, err := h.http.R().
		SetContext(ctx).
		SetPathParam("clientId", clientID).
		SetResult(&result).
		Get("/clients/{clientId}")
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get client %s: status %d: %s", clientID, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

func (h *HTTP) GetCredentials(ctx context.Context, clientID string) (venue.Credentials, error) {
	var result venue.Credentials
	resp, err := h.http.R().
		SetContext(ctx).
		SetPathParam("clientId", clientID).
		SetResult(&result).
		Get("/clients/{clientId}/credentials")
	if err != nil {
		return venue.Credentials{}, fmt.Errorf("get credentials %s: %w", clientID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return venue.Credentials{}, ErrNotFound
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.Credentials{}, fmt.Errorf("get credentials %s: status %d: %s", clientID, resp.StatusCode(), resp.String())
	}
	return result, nil
}
