// Package payment checks payment transaction status over HTTP and maps the
// responses onto poll results.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/debug"
	"github.com/kleeedolinux/relay.go/poll"
)

const DefaultStatusPath = "/api/payments/%s/status"

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	ErrMissingTransaction = errors.New("transaction id is required")
	ErrCancelled          = errors.New("payment wait cancelled")
)

// StatusResponse is the normalized body of a status check.
type StatusResponse struct {
	Success bool            `json:"success"`
	Status  string          `json:"status"`
	Amount  json.Number     `json:"amount,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// State returns the top-level status, falling back to data.status.
func (r *StatusResponse) State() string {
	if r.Status != "" {
		return strings.ToLower(r.Status)
	}
	if len(r.Data) > 0 {
		var nested struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(r.Data, &nested); err == nil {
			return strings.ToLower(nested.Status)
		}
	}
	return ""
}

// HTTPError is a non-2xx status check response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       *StatusResponse
}

func (e *HTTPError) Error() string {
	return "status check: " + e.Status
}

// FailureError is returned by Wait when the poll ends without success.
type FailureError struct {
	Transaction string
	Reason      string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("payment %s: %s", e.Transaction, e.Reason)
}

type Client struct {
	baseURL    string
	statusPath string
	token      string
	client     *http.Client
	headers    http.Header
	timeout    time.Duration
	logger     *zap.Logger
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithStatusPath sets the path template; %s is replaced by the escaped
// transaction id.
func WithStatusPath(path string) Option {
	return func(c *Client) {
		c.statusPath = path
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithHeaders(headers http.Header) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		statusPath: DefaultStatusPath,
		client:     &http.Client{},
		headers:    make(http.Header),
		timeout:    15 * time.Second,
		logger:     debug.Named("payment"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Status fetches the current status of a transaction. Non-2xx responses come
// back as *HTTPError with the decoded body when there is one.
func (c *Client) Status(ctx context.Context, txn string) (*StatusResponse, error) {
	if txn == "" {
		return nil, ErrMissingTransaction
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + fmt.Sprintf(c.statusPath, url.PathEscape(txn))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	for k, values := range c.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var status StatusResponse
	decodeErr := json.Unmarshal(body, &status)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		if decodeErr == nil {
			herr.Body = &status
		}
		return nil, herr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode status response: %w", decodeErr)
	}

	return &status, nil
}

// Check is a poll.CheckFunc for transaction ids.
func (c *Client) Check(ctx context.Context, txn string) (poll.Result, error) {
	status, err := c.Status(ctx, txn)
	if err != nil {
		var herr *HTTPError
		if errors.As(err, &herr) {
			switch {
			case herr.StatusCode == http.StatusNotFound:
				return poll.Result{}, poll.Terminal(poll.ReasonNotFound, err)
			case herr.StatusCode == http.StatusBadRequest && herr.Body != nil && herr.Body.State() == StatusFailed:
				return poll.Result{}, poll.Terminal(poll.ReasonFailed, err)
			}
		}
		if errors.Is(err, ErrMissingTransaction) {
			return poll.Result{}, poll.Terminal(poll.ReasonNotFound, err)
		}
		c.logger.Debug("status check failed", zap.String("transaction", txn), zap.Error(err))
		return poll.Result{}, err
	}

	state := status.State()
	c.logger.Debug("status checked", zap.String("transaction", txn), zap.String("status", state))

	switch state {
	case StatusCompleted:
		return poll.Succeeded(status), nil
	case StatusFailed, StatusCancelled:
		return poll.Failed(state), nil
	default:
		return poll.Pending(), nil
	}
}

// Await polls txn until it settles. Callbacks in opts receive the final
// *StatusResponse or the failure reason.
func (c *Client) Await(ctx context.Context, p *poll.Poller, txn string, opts poll.Options) *poll.Task {
	return p.Until(ctx, txn, c.Check, opts)
}

// Wait blocks until txn settles and returns the completed status, a
// *FailureError, or ErrCancelled.
func (c *Client) Wait(ctx context.Context, p *poll.Poller, txn string, opts poll.Options) (*StatusResponse, error) {
	type outcome struct {
		status *StatusResponse
		err    error
	}
	result := make(chan outcome, 1)

	onSuccess, onFailure := opts.OnSuccess, opts.OnFailure
	opts.OnSuccess = func(data any) {
		status, _ := data.(*StatusResponse)
		result <- outcome{status: status}
		if onSuccess != nil {
			onSuccess(data)
		}
	}
	opts.OnFailure = func(reason string) {
		result <- outcome{err: &FailureError{Transaction: txn, Reason: reason}}
		if onFailure != nil {
			onFailure(reason)
		}
	}

	task := c.Await(ctx, p, txn, opts)
	<-task.Done()

	select {
	case o := <-result:
		return o.status, o.err
	default:
		return nil, ErrCancelled
	}
}
