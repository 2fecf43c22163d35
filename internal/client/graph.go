// Package client holds the HTTP collaborators this service reads from.
// Graph owns follow relationships, Post owns content; both are external
// and every call carries a bounded timeout.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GraphClient exposes the follow-graph reads the feed engine needs.
type GraphClient interface {
	FollowerCount(ctx context.Context, userID int64) (int, error)
	// Followers returns one page of follower ids plus a has-more flag.
	Followers(ctx context.Context, userID int64, page, pageSize int) ([]int64, bool, error)
	Following(ctx context.Context, userID int64, page, pageSize int) ([]int64, bool, error)
}

type graphHTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
	timeout time.Duration
}

func NewGraphClient(baseURL, serviceToken string, timeout time.Duration) GraphClient {
	return &graphHTTPClient{
		baseURL: baseURL,
		token:   serviceToken,
		hc:      &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *graphHTTPClient) get(ctx context.Context, url string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph service: unexpected status %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *graphHTTPClient) FollowerCount(ctx context.Context, userID int64) (int, error) {
	var body struct {
		FollowerCount int `json:"follower_count"`
	}
	url := fmt.Sprintf("%s/api/v1/graph/stats/%d", c.baseURL, userID)
	if err := c.get(ctx, url, &body); err != nil {
		return 0, err
	}
	return body.FollowerCount, nil
}

func (c *graphHTTPClient) Followers(ctx context.Context, userID int64, page, pageSize int) ([]int64, bool, error) {
	var body struct {
		Followers []struct {
			UserID int64 `json:"user_id"`
		} `json:"followers"`
		HasMore bool `json:"has_more"`
	}
	url := fmt.Sprintf("%s/api/v1/graph/followers/%d?page=%d&page_size=%d", c.baseURL, userID, page, pageSize)
	if err := c.get(ctx, url, &body); err != nil {
		return nil, false, err
	}
	ids := make([]int64, len(body.Followers))
	for i, f := range body.Followers {
		ids[i] = f.UserID
	}
	return ids, body.HasMore, nil
}

func (c *graphHTTPClient) Following(ctx context.Context, userID int64, page, pageSize int) ([]int64, bool, error) {
	var body struct {
		Following []struct {
			UserID int64 `json:"user_id"`
		} `json:"following"`
		HasMore bool `json:"has_more"`
	}
	url := fmt.Sprintf("%s/api/v1/graph/following/%d?page=%d&page_size=%d", c.baseURL, userID, page, pageSize)
	if err := c.get(ctx, url, &body); err != nil {
		return nil, false, err
	}
	ids := make([]int64, len(body.Following))
	for i, f := range body.Following {
		ids[i] = f.UserID
	}
	return ids, body.HasMore, nil
}
