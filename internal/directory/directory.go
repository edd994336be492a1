// Package directory talks to the external directory service that maps a
// stable username to the peer's current transient address and tracks
// online status. Contract only; the service itself is an external
// collaborator.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrPeerOffline means the directory has no live address for the
// username: unknown user, reported offline, or no registered address.
var ErrPeerOffline = errors.New("peer offline")

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for the service at baseURL. token is the bearer
// token issued by the external identity service.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Register publishes our current transient address, called once after
// the transport assigns it.
func (c *Client) Register(ctx context.Context, address string) error {
	body := map[string]string{"peer_id": address}
	return c.post(ctx, "/api/users/update-peer-id", body, nil)
}

// Entry is one directory row for an online peer.
type Entry struct {
	Username string `json:"username"`
	Address  string `json:"peer_id"`
	Online   bool   `json:"online_status"`
}

// Lookup resolves a username to its current address. ErrPeerOffline
// when the directory reports no live address.
func (c *Client) Lookup(ctx context.Context, username string) (Entry, error) {
	var resp struct {
		Username string `json:"username"`
		PeerID   string `json:"peer_id"`
		Online   bool   `json:"online_status"`
	}
	err := c.post(ctx, "/api/users/lookup", map[string]string{"username": username}, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return Entry{}, fmt.Errorf("%w: unknown user %s", ErrPeerOffline, username)
		}
		return Entry{}, err
	}
	if !resp.Online || resp.PeerID == "" {
		return Entry{}, fmt.Errorf("%w: %s", ErrPeerOffline, username)
	}
	return Entry{Username: resp.Username, Address: resp.PeerID, Online: true}, nil
}

// ReportOffline tells the directory we are going away, called on
// shutdown.
func (c *Client) ReportOffline(ctx context.Context) error {
	return c.post(ctx, "/api/users/set-offline", struct{}{}, nil)
}

// Online lists peers the directory currently considers online.
func (c *Client) Online(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/users/online", nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, &statusError{code: res.StatusCode, path: "/api/users/online"}
	}
	var raw []struct {
		Username string `json:"username"`
		PeerID   string `json:"current_peer_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		out = append(out, Entry{Username: r.Username, Address: r.PeerID, Online: true})
	}
	return out, nil
}

type statusError struct {
	code int
	path string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("directory %s: status %d", e.path, e.code)
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &statusError{code: res.StatusCode, path: path}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
