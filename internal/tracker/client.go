package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPError is returned by Client when the tracker answers with a non-2xx status.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tracker: status %d: %s", e.Status, e.Body)
}

// Client is a Tracker that talks to a Server over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the tracker at baseURL. A nil hc gets a
// client with a 10s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) PublishSelf(ctx context.Context, userID *string, ip string, port int) (bool, error) {
	body, err := json.Marshal(publishRequest{UserID: userID, IP: ip, Port: port})
	if err != nil {
		return false, fmt.Errorf("tracker: marshal: %w", err)
	}
	if err := c.do(ctx, http.MethodPut, "/v1/peers", bytes.NewReader(body), nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) ListActivePeers(ctx context.Context, thresholdMinutes int) ([]PeerRecord, error) {
	var out []PeerRecord
	path := "/v1/peers?active_within=" + strconv.Itoa(thresholdMinutes)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	var out []string
	path := "/v1/channels/" + url.PathEscape(channelID) + "/members"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JoinChannel adds userID to channelID's member list.
func (c *Client) JoinChannel(ctx context.Context, channelID, userID string) error {
	return c.do(ctx, http.MethodPut, c.memberPath(channelID, userID), nil, nil)
}

// LeaveChannel removes userID from channelID's member list.
func (c *Client) LeaveChannel(ctx context.Context, channelID, userID string) error {
	return c.do(ctx, http.MethodDelete, c.memberPath(channelID, userID), nil, nil)
}

// BackupMessage posts msg to the channel's backup.
func (c *Client) BackupMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error) {
	body, err := json.Marshal(backupRequest{UserID: msg.UserID, Content: msg.Content, CreatedAt: msg.CreatedAt})
	if err != nil {
		return MessageRecord{}, fmt.Errorf("tracker: marshal: %w", err)
	}
	var out MessageRecord
	if err := c.do(ctx, http.MethodPost, c.messagesPath(msg.ChannelID), bytes.NewReader(body), &out); err != nil {
		return MessageRecord{}, err
	}
	return out, nil
}

func (c *Client) MessageBackups(ctx context.Context, channelID string, limit int) ([]MessageRecord, error) {
	path := c.messagesPath(channelID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []MessageRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) messagesPath(channelID string) string {
	return "/v1/channels/" + url.PathEscape(channelID) + "/messages"
}

func (c *Client) memberPath(channelID, userID string) string {
	return "/v1/channels/" + url.PathEscape(channelID) + "/members/" + url.PathEscape(userID)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("tracker: request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tracker: decode %s: %w", path, err)
	}
	return nil
}

var (
	_ Tracker = (*Client)(nil)
	_ Tracker = (*Local)(nil)

	_ Membership = (*Client)(nil)
	_ Membership = (*Local)(nil)

	_ Backup = (*Client)(nil)
	_ Backup = (*Local)(nil)

	_ Store   = (*Memory)(nil)
	_ Store   = (*BoltStore)(nil)
	_ Store   = (*EtcdStore)(nil)
	_ Store   = (*PostgresStore)(nil)
)
