package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Client asks a relay's /presence endpoint whether a peer is online.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *Client) IsReachable(ctx context.Context, peer domain.PeerID) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/presence/"+url.PathEscape(string(peer)), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("presence of %s: %w", peer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("presence of %s: status %d", peer, resp.StatusCode)
	}

	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("presence of %s: %w", peer, err)
	}
	return body.Online, nil
}
