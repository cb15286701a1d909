// Package client is a small HTTP client for a running attune server, used by
// the CLI commands that report on or drive the engine.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/attune/internal/engine"
	"github.com/lazypower/attune/internal/scheduler"
	"github.com/lazypower/attune/internal/store"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 10 * time.Second
)

// Client talks to the attune server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to ATTUNE_URL
// and then to DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("ATTUNE_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// WithTimeout returns a copy of c whose requests time out after d. Zero
// disables the timeout, which a synchronous train call needs.
func (c *Client) WithTimeout(d time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: d}, serverURL: c.serverURL}
}

// Post sends a POST request with JSON body. Returns response body.
func (c *Client) Post(path string, body []byte) ([]byte, error) {
	resp, err := c.http.Post(c.serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return readBody("POST", path, resp)
}

// Get sends a GET request. Returns response body.
func (c *Client) Get(path string) ([]byte, error) {
	resp, err := c.http.Get(c.serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return readBody("GET", path, resp)
}

func readBody(method, path string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return data, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return data, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	return data, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy() bool {
	resp, err := c.http.Get(c.serverURL + "/api/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) getJSON(path string, v any) error {
	data, err := c.Get(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	data, err := c.Post(path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Stats fetches the engine statistics.
func (c *Client) Stats() (*engine.Stats, error) {
	var s engine.Stats
	if err := c.getJSON("/api/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Train forces a training run and waits for its result.
func (c *Client) Train() (*scheduler.RunResult, error) {
	var res scheduler.RunResult
	if err := c.postJSON("/api/train", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// TrainAsync starts a training run without waiting for it.
func (c *Client) TrainAsync() error {
	return c.postJSON("/api/train?wait=false", nil, nil)
}

// History fetches training records for epochs in [from, to]. A negative to
// is unbounded.
func (c *Client) History(from, to int) ([]store.TrainingRecord, error) {
	q := url.Values{}
	q.Set("from", strconv.Itoa(from))
	q.Set("to", strconv.Itoa(to))

	var resp struct {
		Records []store.TrainingRecord `json:"records"`
	}
	if err := c.getJSON("/api/history?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// PruneHistory deletes records older than days and reports how many went.
func (c *Client) PruneHistory(days int) (int64, error) {
	var resp struct {
		Pruned int64 `json:"pruned"`
	}
	if err := c.postJSON("/api/history/prune", map[string]int{"days": days}, &resp); err != nil {
		return 0, err
	}
	return resp.Pruned, nil
}

// Runs fetches the most recent training runs.
func (c *Client) Runs(limit int) ([]store.TrainingRun, error) {
	var resp struct {
		Runs []store.TrainingRun `json:"runs"`
	}
	if err := c.getJSON("/api/runs?limit="+strconv.Itoa(limit), &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// EnhanceRequest is the body of an enhance call. Exactly one of Embedding
// or Text should be set.
type EnhanceRequest struct {
	Embedding []float64 `json:"embedding,omitempty"`
	Text      string    `json:"text,omitempty"`
	NodeIDs   []string  `json:"node_ids,omitempty"`
}

// Enhance runs the transform on the server.
func (c *Client) Enhance(req EnhanceRequest) (*engine.EnhanceResult, error) {
	var res engine.EnhanceResult
	if err := c.postJSON("/api/enhance", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AddTrajectory submits one feedback sample.
func (c *Client) AddTrajectory(t scheduler.Trajectory) error {
	return c.postJSON("/api/trajectories", t, nil)
}

// CompleteTask consolidates the current weights as a finished task.
func (c *Client) CompleteTask() error {
	return c.postJSON("/api/tasks/complete", nil, nil)
}
