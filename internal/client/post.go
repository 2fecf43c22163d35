package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PostSummary is the projection of a post this service needs.
type PostSummary struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Caption   string    `json:"caption"`
	MediaURL  string    `json:"media_url"`
	CreatedAt time.Time `json:"created_at"`
}

// PostClient exposes the content reads the feed engine needs.
type PostClient interface {
	GetPost(ctx context.Context, postID string) (*PostSummary, error)
	// RecentPostsByAuthor is the batch variant rebuild depends on.
	RecentPostsByAuthor(ctx context.Context, authorID int64, limit int) ([]*PostSummary, error)
	// PostsBatch resolves many post ids; missing or deleted posts are
	// silently dropped from the result.
	PostsBatch(ctx context.Context, postIDs []string) ([]*PostSummary, error)
}

type postHTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
	timeout time.Duration
}

func NewPostClient(baseURL, serviceToken string, timeout time.Duration) PostClient {
	return &postHTTPClient{
		baseURL: baseURL,
		token:   serviceToken,
		hc:      &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *postHTTPClient) get(ctx context.Context, url string, out interface{}) error {
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
	if resp.StatusCode == http.StatusNotFound {
		return ErrPostNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post service: unexpected status %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ErrPostNotFound marks a post the Post service no longer serves.
var ErrPostNotFound = fmt.Errorf("post not found")

func (c *postHTTPClient) GetPost(ctx context.Context, postID string) (*PostSummary, error) {
	var p PostSummary
	url := fmt.Sprintf("%s/api/v1/posts/%s", c.baseURL, postID)
	if err := c.get(ctx, url, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *postHTTPClient) RecentPostsByAuthor(ctx context.Context, authorID int64, limit int) ([]*PostSummary, error) {
	var body struct {
		Posts []*PostSummary `json:"posts"`
	}
	url := fmt.Sprintf("%s/api/v1/posts?user_id=%d&page_size=%d", c.baseURL, authorID, limit)
	if err := c.get(ctx, url, &body); err != nil {
		return nil, err
	}
	return body.Posts, nil
}

func (c *postHTTPClient) PostsBatch(ctx context.Context, postIDs []string) ([]*PostSummary, error) {
	if len(postIDs) == 0 {
		return nil, nil
	}
	var mu sync.Mutex
	found := make(map[string]*PostSummary, len(postIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range postIDs {
		id := id
		g.Go(func() error {
			p, err := c.GetPost(gctx, id)
			if err != nil {
				if err == ErrPostNotFound {
					return nil
				}
				return err
			}
			mu.Lock()
			found[id] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// keep input order
	out := make([]*PostSummary, 0, len(found))
	for _, id := range postIDs {
		if p, ok := found[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
