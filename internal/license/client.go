package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seat-service/internal/util"
)

var (
	// ErrAuthorityUnreachable means the authority could not be reached
	// within the retry budget. Allocation treats this as fail-closed;
	// check-in treats it as fail-open.
	ErrAuthorityUnreachable = errors.New("license authority unreachable")
	// ErrCheckoutDenied means the authority refused the checkout outright.
	ErrCheckoutDenied = errors.New("license checkout denied")
)

// ExternalPoolState is the authority's view of the seat pool.
type ExternalPoolState struct {
	TotalSeats int    `json:"total_seats"`
	InUse      int    `json:"in_use"`
	Source     string `json:"source"`
}

// Authority is the external license server boundary. All calls are
// synchronous with a bounded timeout; checkout and checkin are idempotent
// on retry keyed by the token.
type Authority interface {
	// Checkout claims one seat of the feature and returns the authority's token.
	Checkout(ctx context.Context, userID, feature string) (string, error)
	// Checkin returns a previously checked-out seat.
	Checkin(ctx context.Context, token string) error
	// ReportState returns the authority's pool accounting.
	ReportState(ctx context.Context) (*ExternalPoolState, error)
}

// HTTPAuthority talks to the license authority over HTTP/JSON.
type HTTPAuthority struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

// NewHTTPAuthority creates an authority client. timeout bounds each attempt;
// transport failures are retried maxRetries times with doubling backoff.
func NewHTTPAuthority(baseURL string, timeout time.Duration, maxRetries int, backoff time.Duration) *HTTPAuthority {
	return &HTTPAuthority{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

type checkoutRequest struct {
	// RequestID makes retried checkouts idempotent on the authority side.
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Feature   string `json:"feature"`
}

type checkoutResponse struct {
	Token  string `json:"token"`
	Denied bool   `json:"denied"`
	Reason string `json:"reason"`
}

func (a *HTTPAuthority) Checkout(ctx context.Context, userID, feature string) (string, error) {
	body := checkoutRequest{
		RequestID: uuid.New().String(),
		UserID:    userID,
		Feature:   feature,
	}

	var resp checkoutResponse
	err := a.doWithRetry(ctx, http.MethodPost, "/v1/checkout", body, &resp)
	if err != nil {
		return "", err
	}
	if resp.Denied {
		util.Warn("License checkout denied by authority",
			zap.String("user_id", userID),
			zap.String("feature", feature),
			zap.String("reason", resp.Reason))
		return "", fmt.Errorf("%w: %s", ErrCheckoutDenied, resp.Reason)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("authority returned empty checkout token")
	}
	return resp.Token, nil
}

type checkinRequest struct {
	Token string `json:"token"`
}

func (a *HTTPAuthority) Checkin(ctx context.Context, token string) error {
	return a.doWithRetry(ctx, http.MethodPost, "/v1/checkin", checkinRequest{Token: token}, nil)
}

func (a *HTTPAuthority) ReportState(ctx context.Context) (*ExternalPoolState, error) {
	var state ExternalPoolState
	if err := a.doWithRetry(ctx, http.MethodGet, "/v1/pool", nil, &state); err != nil {
		return nil, err
	}
	if state.Source == "" {
		state.Source = a.baseURL
	}
	return &state, nil
}

// doWithRetry issues the request, retrying transport failures and 5xx
// responses with doubling backoff. 4xx responses are terminal.
func (a *HTTPAuthority) doWithRetry(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	backoff := a.backoff
	var lastErr error

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrAuthorityUnreachable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = a.doOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}

		util.Warn("License authority call failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	return fmt.Errorf("%w: %v", ErrAuthorityUnreachable, lastErr)
}

// transientError marks failures worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func (a *HTTPAuthority) doOnce(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &transientError{err: fmt.Errorf("authority returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("authority returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode authority response: %w", err)
		}
	}
	return nil
}
