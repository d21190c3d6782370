package venue

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"riskwatch/internal/config"
)

// newHTTPClient builds the resty client shared by both adapters: demo-aware
// base URL, bounded timeout, retry on 5xx with backoff.
func newHTTPClient(cfg config.VenueConfig) *resty.Client {
	baseURL := cfg.BaseURL
	if cfg.UseDemo {
		baseURL = cfg.DemoURL
	}

	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
}

// apiError is the venue's error envelope.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// checkResponse converts a non-2xx response or transport error into a
// classified *Error. Returns nil when the call succeeded.
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return wrapTransport(err)
	}
	if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}

	msg := resp.String()
	if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
		msg = e.Message
	}
	return &Error{
		Kind: classifyStatus(resp.StatusCode()),
		Code: resp.StatusCode(),
		Msg:  msg,
	}
}
