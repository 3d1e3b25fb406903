package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/types"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultRetryLimit = 3
	retryBase         = 50 * time.Millisecond

	// eventBuffer smooths bursts between the websocket reader and the
	// consumer of the Events channel.
	eventBuffer = 64
)

// APIError carries the server's error envelope. Unwrap maps the status
// code onto the errdefs kinds so errors.Is classification works across
// the wire.
type APIError struct {
	StatusCode    int
	Message       string
	Fields        map[string]string
	CorrelationID string
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d: %s %v", e.StatusCode, e.Message, e.Fields)
}

// Unwrap maps the status back to an error kind. The server folds
// concurrency conflicts and state conflicts into 409, so both surface
// as ErrConflict here.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return errdefs.ErrInvalidArgument
	case http.StatusUnauthorized:
		return errdefs.ErrUnauthorized
	case http.StatusForbidden:
		return errdefs.ErrForbidden
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict:
		return errdefs.ErrConflict
	case http.StatusGatewayTimeout:
		return errdefs.ErrTimeout
	default:
		return nil
	}
}

// Option adjusts a Client at construction.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken resumes an existing session instead of registering anew.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRetryLimit bounds the compare-and-set retries in
// UpdateTaskStatus.
func WithRetryLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retryLimit = n
		}
	}
}

// Client is the Go SDK for the coordinator API. It holds the bearer
// token from Register or Login and sends it on every call; methods are
// safe for concurrent use.
type Client struct {
	baseURL    string
	http       *http.Client
	retryLimit int

	mu    sync.RWMutex
	token string
}

// New creates a client for the coordinator at baseURL, for example
// "http://coordinator:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: defaultTimeout},
		retryLimit: defaultRetryLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current bearer token, empty before the first
// Register or Login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// do sends one JSON request and decodes the response into out when
// given. Non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func apiError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var envelope struct {
		Error         string            `json:"error"`
		Fields        map[string]string `json:"fields"`
		CorrelationID string            `json:"correlationId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
		apiErr.Message = envelope.Error
		apiErr.Fields = envelope.Fields
		apiErr.CorrelationID = envelope.CorrelationID
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// Register creates a node identity and stores the issued token.
func (c *Client) Register(ctx context.Context, id, name, ipAddress, fingerprint string) error {
	var resp struct {
		NodeID string `json:"nodeId"`
		Token  string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"id":                  id,
		"name":                name,
		"ipAddress":           ipAddress,
		"hardwareFingerprint": fingerprint,
	}, &resp)
	if err != nil {
		return err
	}
	c.setToken(resp.Token)
	return nil
}

// Login re-authenticates a known node and stores the fresh token.
func (c *Client) Login(ctx context.Context, nodeID, fingerprint string) error {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"nodeId":              nodeID,
		"hardwareFingerprint": fingerprint,
	}, &resp)
	if err != nil {
		return err
	}
	c.setToken(resp.Token)
	return nil
}

// Heartbeat refreshes the node's liveness window.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodPost, "/api/nodes/heartbeat", map[string]string{"nodeId": nodeID}, nil)
}

// ListNodes returns the fleet, or only the live members.
func (c *Client) ListNodes(ctx context.Context, availableOnly bool) ([]*types.Node, error) {
	path := "/api/nodes"
	if availableOnly {
		path += "?available=true"
	}
	var nodes []*types.Node
	if err := c.do(ctx, http.MethodGet, path, nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Health reports whether the coordinator answers and its store is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// CreateTask submits a new batch task.
func (c *Client) CreateTask(ctx context.Context, name string, taskType types.TaskType, parameters string) (*types.BatchTask, error) {
	var task types.BatchTask
	err := c.do(ctx, http.MethodPost, "/api/tasks", map[string]string{
		"name":       name,
		"type":       string(taskType),
		"parameters": parameters,
	}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id int64) (*types.BatchTask, error) {
	var task types.BatchTask
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/tasks/%d", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasksOptions narrows and pages ListTasks. Zero values mean no
// filter and the server's defaults.
type ListTasksOptions struct {
	Status        types.TaskStatus
	Type          types.TaskType
	AssignedNode  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Page          int
	PageSize      int
}

// ListTasks returns tasks newest first.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*types.BatchTask, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Type != "" && opts.Type != types.TaskTypeUnknown {
		q.Set("type", string(opts.Type))
	}
	if opts.AssignedNode != "" {
		q.Set("assignedNode", opts.AssignedNode)
	}
	if opts.CreatedAfter != nil {
		q.Set("createdAfter", opts.CreatedAfter.Format(time.RFC3339))
	}
	if opts.CreatedBefore != nil {
		q.Set("createdBefore", opts.CreatedBefore.Format(time.RFC3339))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}

	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var tasks []*types.BatchTask
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskUpdate is a partial task update. RowVersion pins the
// compare-and-set; leave it nil to let the server resolve conflicts.
type TaskUpdate struct {
	Status        *types.TaskStatus `json:"status,omitempty"`
	ResultMessage *string           `json:"resultMessage,omitempty"`
	RowVersion    *int64            `json:"rowVersion,omitempty"`
}

// UpdateTask applies one partial update. With a pinned RowVersion a
// mismatch returns an *APIError wrapping ErrConflict.
func (c *Client) UpdateTask(ctx context.Context, id int64, update TaskUpdate) (*types.BatchTask, error) {
	var task types.BatchTask
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%d", id), update, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus moves a task through its state machine with an
// optimistic compare-and-set: read the row version, pin the update to
// it, and on a conflict re-read and try again up to the retry limit.
func (c *Client) UpdateTaskStatus(ctx context.Context, id int64, status types.TaskStatus, message string) (*types.BatchTask, error) {
	var updated *types.BatchTask
	b := retry.NewFibonacci(retryBase)
	err := retry.Do(ctx, retry.WithMaxRetries(uint64(c.retryLimit), b), func(ctx context.Context) error {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return err
		}

		st := status
		update := TaskUpdate{Status: &st, RowVersion: &task.RowVersion}
		if message != "" {
			update.ResultMessage = &message
		}

		res, err := c.UpdateTask(ctx, id, update)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
				return retry.RetryableError(err)
			}
			return err
		}
		updated = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AssignTask sets the assigned node on a task.
func (c *Client) AssignTask(ctx context.Context, id int64, nodeID string) (*types.BatchTask, error) {
	var task types.BatchTask
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/assign", id),
		map[string]string{"nodeId": nodeID}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CheckComplete asks the coordinator to roll folder progress up into
// the task status.
func (c *Client) CheckComplete(ctx context.Context, id int64) (*types.BatchTask, error) {
	var task types.BatchTask
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/checkcomplete", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task and its folder rows.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", id), nil, nil)
}

// AddFolder registers a folder under a fan-out task. folderName may be
// empty; the server derives it from the path.
func (c *Client) AddFolder(ctx context.Context, taskID int64, folderPath, folderName string) (*types.FolderProgress, error) {
	var row types.FolderProgress
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/folders", taskID), map[string]string{
		"folderPath": folderPath,
		"folderName": folderName,
	}, &row)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListFolders returns the folder rows of one task.
func (c *Client) ListFolders(ctx context.Context, taskID int64) ([]*types.FolderProgress, error) {
	var rows []*types.FolderProgress
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/tasks/%d/folders", taskID), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// FolderUpdate is a partial folder-progress update.
type FolderUpdate struct {
	Status           *types.FolderStatus `json:"status,omitempty"`
	AssignedNodeID   *string             `json:"assignedNodeId,omitempty"`
	AssignedNodeName *string             `json:"assignedNodeName,omitempty"`
	Progress         *float64            `json:"progress,omitempty"`
	ErrorMessage     *string             `json:"errorMessage,omitempty"`
	OutputPath       *string             `json:"outputPath,omitempty"`
}

// UpdateFolder applies a partial update to one folder row.
func (c *Client) UpdateFolder(ctx context.Context, folderID int64, update FolderUpdate) (*types.FolderProgress, error) {
	var row types.FolderProgress
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/folders/%d", folderID), update, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (c *Client) lockCall(ctx context.Context, op, path, nodeID, scope string) error {
	body := map[string]string{"filePath": path, "nodeId": nodeID}
	if scope != "" {
		body["scope"] = scope
	}
	return c.do(ctx, http.MethodPost, "/api/filelocks/"+op, body, nil)
}

// AcquireLock takes or refreshes the exclusive lock on a path. A
// contested path returns an *APIError wrapping ErrConflict.
func (c *Client) AcquireLock(ctx context.Context, path, nodeID string) error {
	return c.lockCall(ctx, "acquire", path, nodeID, "")
}

// AcquireFolderLock takes or refreshes a folder-scoped lock.
func (c *Client) AcquireFolderLock(ctx context.Context, path, nodeID string) error {
	return c.lockCall(ctx, "acquire", path, nodeID, "folder")
}

// ReleaseLock gives the lock up. Releasing a lock the node does not
// hold wraps ErrForbidden.
func (c *Client) ReleaseLock(ctx context.Context, path, nodeID string) error {
	return c.lockCall(ctx, "release", path, nodeID, "")
}

// ReleaseFolderLock gives a folder-scoped lock up.
func (c *Client) ReleaseFolderLock(ctx context.Context, path, nodeID string) error {
	return c.lockCall(ctx, "release", path, nodeID, "folder")
}

// ListLocks returns every live lock row.
func (c *Client) ListLocks(ctx context.Context) ([]*types.FileLock, error) {
	var locks []*types.FileLock
	if err := c.do(ctx, http.MethodGet, "/api/filelocks", nil, &locks); err != nil {
		return nil, err
	}
	return locks, nil
}

// ResetLocks clears every lock row. Requires an admin token.
func (c *Client) ResetLocks(ctx context.Context) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/filelocks/reset", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// Events opens the websocket stream and returns a channel of events,
// optionally filtered by type. The channel closes when the context is
// done, the server closes the stream, or the connection breaks; a
// consumer that sees it close should resynchronize by querying current
// state before resubscribing. Event payloads decode as generic JSON
// maps.
func (c *Client) Events(ctx context.Context, eventTypes ...events.EventType) (<-chan *events.Event, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/events"

	q := url.Values{}
	if token := c.Token(); token != "" {
		q.Set("token", token)
	}
	if len(eventTypes) > 0 {
		names := make([]string, len(eventTypes))
		for i, t := range eventTypes {
			names[i] = string(t)
		}
		q.Set("types", strings.Join(names, ","))
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, apiError(resp)
		}
		return nil, fmt.Errorf("failed to dial event stream: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	ch := make(chan *events.Event, eventBuffer)
	readerDone := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readerDone:
		}
	}()

	go func() {
		defer close(ch)
		defer close(readerDone)
		defer conn.Close()
		for {
			var event events.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			select {
			case ch <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
