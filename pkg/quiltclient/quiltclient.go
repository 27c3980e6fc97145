// Package quiltclient is the HTTP-over-unix-socket client for quiltd:
// a plain http.Client dialing the socket, JSON bodies in, JSON bodies
// (or an ErrorResponse) out.
package quiltclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/banksean/quilt/internal/version"
	"github.com/banksean/quilt/pkg/quiltapi"
)

// Client talks to one quiltd instance over its unix socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// New builds a client dialing socketPath for every request, never a
// real TCP address; "http://unix" is just a placeholder host so
// net/http has something to put in the request line.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	u := "http://unix" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(encoded)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp quiltapi.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Message != "" {
			return fmt.Errorf("%s: %s", errResp.Kind, errResp.Message)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil, nil)
}

func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var info version.Info
	err := c.do(ctx, http.MethodGet, "/version", nil, nil, &info)
	return info, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil, nil)
}

func (c *Client) Create(ctx context.Context, req quiltapi.CreateRequest) (quiltapi.CreateResponse, error) {
	var resp quiltapi.CreateResponse
	err := c.do(ctx, http.MethodPost, "/containers/create", nil, req, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/containers/start", url.Values{"id": {id}}, nil, nil)
}

func (c *Client) Stop(ctx context.Context, id string, grace int) error {
	return c.do(ctx, http.MethodPost, "/containers/stop", url.Values{"id": {id}},
		quiltapi.StopRequest{GraceSeconds: grace}, nil)
}

func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	return c.do(ctx, http.MethodPost, "/containers/remove", url.Values{"id": {id}},
		quiltapi.RemoveRequest{Force: force}, nil)
}

func (c *Client) Get(ctx context.Context, id string) (quiltapi.Status, error) {
	var status quiltapi.Status
	err := c.do(ctx, http.MethodGet, "/containers/get", url.Values{"id": {id}}, nil, &status)
	return status, err
}

func (c *Client) List(ctx context.Context, state string) ([]quiltapi.Status, error) {
	var statuses []quiltapi.Status
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	err := c.do(ctx, http.MethodGet, "/containers/list", q, nil, &statuses)
	return statuses, err
}

func (c *Client) Exec(ctx context.Context, id string, req quiltapi.ExecRequest) (quiltapi.ExecResponse, error) {
	var resp quiltapi.ExecResponse
	err := c.do(ctx, http.MethodPost, "/containers/exec", url.Values{"id": {id}}, req, &resp)
	return resp, err
}

func (c *Client) GetLogs(ctx context.Context, id string) (string, error) {
	var resp quiltapi.GetLogsResponse
	err := c.do(ctx, http.MethodGet, "/containers/logs", url.Values{"id": {id}}, nil, &resp)
	return resp.Logs, err
}

func (c *Client) GetStats(ctx context.Context, id string) (map[string]string, error) {
	var resp quiltapi.GetStatsResponse
	err := c.do(ctx, http.MethodGet, "/containers/stats", url.Values{"id": {id}}, nil, &resp)
	return resp.Stats, err
}

func (c *Client) LaunchTask(ctx context.Context, id string, req quiltapi.LaunchTaskRequest) (quiltapi.LaunchTaskResponse, error) {
	var resp quiltapi.LaunchTaskResponse
	err := c.do(ctx, http.MethodPost, "/tasks/launch", url.Values{"id": {id}}, req, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (quiltapi.TaskStatus, error) {
	var status quiltapi.TaskStatus
	err := c.do(ctx, http.MethodGet, "/tasks/get", url.Values{"task_id": {taskID}}, nil, &status)
	return status, err
}

func (c *Client) ListTasks(ctx context.Context, containerID, statusFilter string, page int) ([]quiltapi.TaskStatus, error) {
	var tasks []quiltapi.TaskStatus
	q := url.Values{"id": {containerID}}
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	err := c.do(ctx, http.MethodGet, "/tasks/list", q, nil, &tasks)
	return tasks, err
}

func (c *Client) CancelTask(ctx context.Context, taskID string) (bool, error) {
	var resp map[string]bool
	err := c.do(ctx, http.MethodPost, "/tasks/cancel", url.Values{"task_id": {taskID}}, nil, &resp)
	return resp["cancelled"], err
}

// SocketReachable dials the socket without going through http.Client,
// used by callers polling for the daemon to come up after a restart.
func SocketReachable(socketPath string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
