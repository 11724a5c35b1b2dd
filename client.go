package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Snapshot is the authoritative state of a match as reported by the backend.
type Snapshot struct {
	Data    MatchData
	Version int64
}

// Fetcher reads authoritative match state.
type Fetcher interface {
	FetchMatch(ctx context.Context, id MatchID) (Snapshot, error)
}

// SaveRequest is the body of a live update: the sanitized fields plus the
// caller's version token and request timestamp.
type SaveRequest struct {
	MatchData
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

const (
	SaveStatusOK       = "ok"
	SaveStatusConflict = "conflict"
)

// SaveResult is the backend's answer to a live update. On a conflict Status is
// SaveStatusConflict, CurrentData holds the server's state and Version its
// current version.
type SaveResult struct {
	Status      string    `json:"status"`
	Data        MatchData `json:"data"`
	CurrentData MatchData `json:"current_data"`
	Version     int64     `json:"version"`
	Message     string    `json:"message,omitempty"`
}

// Saver submits live updates to the backend.
type Saver interface {
	SaveMatch(ctx context.Context, id MatchID, req SaveRequest) (SaveResult, error)
}

// APIError is a non-conflict error response from the backend.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%d] %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("[%d] %s", e.StatusCode, e.Code)
}

// IsRetryable returns true if the error can be resolved by waiting and retrying.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// retryable classifies a save error: backend errors by status, cancellation
// never, anything else (transport failures) always.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return true
}

// Client is an HTTP client for the match backend. It implements Fetcher and
// Saver.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient creates a backend client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type matchResponse struct {
	MatchData
	Version int64 `json:"version"`
}

// FetchMatch performs GET /matches/{id}.
func (c *Client) FetchMatch(ctx context.Context, id MatchID) (Snapshot, error) {
	var resp matchResponse
	if _, err := c.do(ctx, http.MethodGet, "/matches/"+url.PathEscape(string(id)), nil, &resp); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Data: resp.MatchData, Version: resp.Version}, nil
}

// SaveMatch performs POST /matches/{id}/live-update. A 409 is not an error: it
// is returned as a SaveResult with SaveStatusConflict.
func (c *Client) SaveMatch(ctx context.Context, id MatchID, req SaveRequest) (SaveResult, error) {
	var res SaveResult
	path := "/matches/" + url.PathEscape(string(id)) + "/live-update"
	status, err := c.do(ctx, http.MethodPost, path, req, &res, http.StatusConflict)
	if err != nil {
		return SaveResult{}, err
	}
	if status == http.StatusConflict {
		res.Status = SaveStatusConflict
	} else if res.Status == "" {
		res.Status = SaveStatusOK
	}
	return res, nil
}

// do executes a request. Responses with a status in accept are decoded into
// result like successful ones.
func (c *Client) do(ctx context.Context, method, path string, body, result any, accept ...int) (int, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	accepted := resp.StatusCode < 400
	for _, code := range accept {
		if resp.StatusCode == code {
			accepted = true
		}
	}
	if !accepted {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = string(bytes.TrimSpace(respBody))
		}
		if resp.StatusCode == http.StatusNotFound {
			return resp.StatusCode, fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return resp.StatusCode, apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
