package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"Strata/model"
	layererrors "Strata/pkg/errors"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 120 * time.Second
)

// Client talks to the remote composition API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	log          *zap.Logger

	mu     sync.RWMutex
	apiKey string
}

// NewClient 创建新的API客户端
func NewClient(baseURL, apiKey string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTimeout,
		log:          log,
	}
}

// SetBaseURL 设置API基础URL
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// SetTimeout sets the per-request HTTP timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// SetPollInterval sets the delay between status polls.
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// SetGenerationTimeout sets the wall clock budget of Compose.
func (c *Client) SetGenerationTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// SetAPIKey swaps the bearer key, e.g. after the secrets file changed.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = strings.TrimSpace(key)
	c.mu.Unlock()
}

// HasAPIKey reports whether generation is possible at all.
func (c *Client) HasAPIKey() bool {
	return c.key() != ""
}

func (c *Client) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Submit starts a composition job and returns its task id.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	key := c.key()
	if key == "" {
		return "", layererrors.NewLayerError("submit", "", layererrors.ErrAuth)
	}

	body, err := json.Marshal(req.payload())
	if err != nil {
		return "", fmt.Errorf("marshal compose request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compose", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create compose request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	var result submitResponse
	if err := c.do(httpReq, &result); err != nil {
		return "", layererrors.NewLayerError("submit", "", err)
	}
	if result.TaskID == "" {
		return "", layererrors.NewLayerError("submit", "", layererrors.Wrap(layererrors.ErrNetwork, fmt.Errorf("response has no task_id")))
	}

	c.log.Info("composition submitted",
		zap.String("task", result.TaskID),
		zap.String("instrument", string(req.Instrument)))
	return result.TaskID, nil
}

// PollStatus fetches the current state of a task.
func (c *Client) PollStatus(ctx context.Context, taskID string) (Status, error) {
	endpoint := fmt.Sprintf("%s/tasks/%s", c.baseURL, url.PathEscape(taskID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, fmt.Errorf("create poll request: %w", err)
	}
	if key := c.key(); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	var result taskResponse
	if err := c.do(httpReq, &result); err != nil {
		return Status{}, layererrors.NewLayerError("poll", taskID, err)
	}
	return result.status(), nil
}

// Compose submits a request and polls until the asset for the requested
// instrument is available, the job fails, or the generation timeout elapses.
// A failed poll is logged and retried on the next tick without resetting the
// clock.
func (c *Client) Compose(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	taskID, err := c.Submit(genCtx, req)
	if err != nil {
		return Result{}, c.timeoutOr(ctx, genCtx, "", err)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-genCtx.Done():
			return Result{}, c.timeoutOr(ctx, genCtx, taskID, genCtx.Err())
		case <-ticker.C:
		}

		polls++
		status, err := c.PollStatus(genCtx, taskID)
		if err != nil {
			if genCtx.Err() != nil {
				return Result{}, c.timeoutOr(ctx, genCtx, taskID, err)
			}
			if isAuth(err) {
				return Result{}, err
			}
			c.log.Warn("poll failed, retrying",
				zap.String("task", taskID), zap.Int("poll", polls), zap.Error(err))
			continue
		}

		switch status.State {
		case StatePending:
			c.log.Debug("composition pending", zap.String("task", taskID), zap.String("status", status.Raw))
			continue
		case StateFailed:
			return Result{}, layererrors.NewLayerError("compose", taskID,
				fmt.Errorf("%w: status %q", layererrors.ErrGenerationFailed, status.Raw))
		case StateComposed:
			assetURL, err := status.Assets.Resolve(req.Instrument)
			if err != nil {
				return Result{}, layererrors.NewLayerError("compose", taskID, err)
			}
			c.log.Info("composition finished",
				zap.String("task", taskID),
				zap.Int("polls", polls),
				zap.Duration("elapsed", time.Since(started)))
			return Result{TaskID: taskID, AssetURL: assetURL, Assets: status.Assets, Polls: polls}, nil
		}
	}
}

// timeoutOr maps expiry of the generation budget to ErrTimeout and leaves
// cancellation by the caller alone.
func (c *Client) timeoutOr(parent, genCtx context.Context, taskID string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if genCtx.Err() == context.DeadlineExceeded {
		c.log.Warn("composition timed out", zap.String("task", taskID), zap.Duration("timeout", c.timeout))
		return layererrors.NewLayerError("compose", taskID, layererrors.ErrTimeout)
	}
	return err
}

// do executes req and decodes a JSON body into out, classifying failures into
// the error taxonomy.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return layererrors.Wrap(layererrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return layererrors.Wrap(layererrors.ErrNetwork, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return layererrors.Wrap(layererrors.ErrAuth, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return layererrors.Wrap(layererrors.ErrNetwork, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return layererrors.Wrap(layererrors.ErrNetwork, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func isAuth(err error) bool {
	return err != nil && errors.Is(err, layererrors.ErrAuth)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Composer is what the layer orchestrator needs from a composition backend.
type Composer interface {
	Compose(ctx context.Context, req Request) (Result, error)
}

var _ Composer = (*Client)(nil)

// Request describes one generation.
type Request struct {
	Prompt     string
	Instrument model.Instrument
	BPM        int
}

func (r Request) payload() composeRequest {
	p := composeRequest{Format: "wav", Looping: false}
	p.Prompt.Text = r.Prompt
	return p
}

// Result is a finished composition resolved for the requested instrument.
type Result struct {
	TaskID   string
	AssetURL string
	Assets   Assets
	Polls    int
}
