package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/devsupd/devsupd/internal/command"
	"github.com/devsupd/devsupd/internal/session"
)

// Client is the devsupctl-side HTTP client over the daemon's unix
// socket, grounded in the teacher's internal/transport/client.go.
type Client struct {
	http *http.Client
}

// NewClient builds a Client that dials socketPath for every request.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	return c.http.Post("http://devsupd"+path, "application/json", bytes.NewReader(body))
}

func (c *Client) get(path string) (*http.Response, error) {
	return c.http.Get("http://devsupd" + path)
}

func (c *Client) StartSession(in command.StartInput) (session.Session, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return session.Session{}, err
	}
	resp, err := c.post("/sessions", body)
	if err != nil {
		return session.Session{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return session.Session{}, err
	}
	var sess session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return session.Session{}, fmt.Errorf("decode response: %w", err)
	}
	return sess, nil
}

func (c *Client) StopSession(id string, force bool) (session.Session, error) {
	path := fmt.Sprintf("/sessions/%s/stop", id)
	if force {
		path += "?force=true"
	}
	resp, err := c.post(path, nil)
	if err != nil {
		return session.Session{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return session.Session{}, err
	}
	var sess session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return session.Session{}, fmt.Errorf("decode response: %w", err)
	}
	return sess, nil
}

func (c *Client) RestartSession(id string) (session.Session, error) {
	resp, err := c.post(fmt.Sprintf("/sessions/%s/restart", id), nil)
	if err != nil {
		return session.Session{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return session.Session{}, err
	}
	var sess session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return session.Session{}, fmt.Errorf("decode response: %w", err)
	}
	return sess, nil
}

func (c *Client) GetSession(id string) (session.Session, error) {
	resp, err := c.get("/sessions/" + id)
	if err != nil {
		return session.Session{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return session.Session{}, err
	}
	var sess session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return session.Session{}, fmt.Errorf("decode response: %w", err)
	}
	return sess, nil
}

func (c *Client) ListSessions(statusFilter string) ([]session.Session, error) {
	path := "/sessions"
	if statusFilter != "" {
		path += "?status=" + statusFilter
	}
	resp, err := c.get(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var sessions []session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return sessions, nil
}

func (c *Client) ExportLogs(id string, path string) (command.LogsExportResult, error) {
	var body []byte
	if path != "" {
		var err error
		body, err = json.Marshal(struct {
			Path string `json:"path"`
		}{Path: path})
		if err != nil {
			return command.LogsExportResult{}, err
		}
	}
	resp, err := c.post(fmt.Sprintf("/sessions/%s/logs/export", id), body)
	if err != nil {
		return command.LogsExportResult{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return command.LogsExportResult{}, err
	}
	var out command.LogsExportResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return command.LogsExportResult{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return fmt.Errorf("devsupd: unexpected status %d: %v", resp.StatusCode, body)
}
