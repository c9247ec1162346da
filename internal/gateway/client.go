package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://discord.com/api/v10"

var ErrMissingToken = errors.New("gateway token is required")

// BotInfo is the subset of the gateway bot endpoint the fleet relies on.
type BotInfo struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// Client queries the gateway HTTP API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// RecommendedShards returns the shard count the gateway recommends for the bot.
func (c *Client) RecommendedShards(ctx context.Context) (int, error) {
	info, err := c.BotInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.Shards, nil
}

func (c *Client) BotInfo(ctx context.Context) (BotInfo, error) {
	token := strings.TrimSpace(c.Token)
	if token == "" {
		return BotInfo{}, ErrMissingToken
	}
	token = strings.TrimPrefix(token, "Bot ")

	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	url := base + "/gateway/bot"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BotInfo{}, err
	}
	req.Header.Set("Authorization", "Bot "+token)
	req.Header.Set("Accept", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return BotInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return BotInfo{}, fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	var info BotInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return BotInfo{}, fmt.Errorf("decode gateway response: %w", err)
	}
	return info, nil
}
