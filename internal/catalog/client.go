// Package catalog is the off-chain project catalog client: paged listings,
// detail lookup, the launch selection policy and the discovery loop.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"launchwatch/internal/config"
	"launchwatch/internal/errs"
	"launchwatch/internal/models"
)

// Sort orders accepted by the catalog API.
const (
	SortCreatedAt   = "createdAt:desc"
	SortLpCreatedAt = "lpCreatedAt:desc"
	SortLaunchedAt  = "launchedAt:desc"
)

const (
	requestTimeout   = 10 * time.Second
	requestAttempts  = 3
	upcomingCacheTTL = 30 * time.Second
	upcomingHorizon  = 10 * 24 * time.Hour
	discoverPageSize = 50
	maxDiscoverFails = 10
)

// Client is a read-only catalog API client. All operations are idempotent
// and safe for concurrent use.
type Client struct {
	baseURL         string
	httpc           *http.Client
	pollInterval    time.Duration
	taxWindow       time.Duration
	maxProjectAge   time.Duration
	preferredTicker string

	sf singleflight.Group

	mu         sync.Mutex
	upcoming   []models.Project
	upcomingAt time.Time
}

// New builds a catalog client from the loaded configuration.
func New(cfg *config.Config) *Client {
	return &Client{
		baseURL:         strings.TrimRight(cfg.Virtuals.APIBase, "/"),
		httpc:           &http.Client{Timeout: requestTimeout},
		pollInterval:    cfg.PollInterval(),
		taxWindow:       cfg.TaxWindow(),
		maxProjectAge:   cfg.MaxProjectAge(),
		preferredTicker: cfg.Virtuals.PreferredTicker,
	}
}

type wirePagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
}

type wirePage struct {
	Data []wireProject `json:"data"`
	Meta struct {
		Pagination wirePagination `json:"pagination"`
	} `json:"meta"`
}

type wireDetail struct {
	Data *wireProject `json:"data"`
}

type wireProject struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Symbol       string     `json:"symbol"`
	Factory      string     `json:"factory"`
	Status       string     `json:"status"`
	PreTokenPair string     `json:"preTokenPair"`
	LpAddress    string     `json:"lpAddress"`
	TokenAddress string     `json:"tokenAddress"`
	CreatedAt    time.Time  `json:"createdAt"`
	LaunchedAt   *time.Time `json:"launchedAt"`
	LpCreatedAt  *time.Time `json:"lpCreatedAt"`
	McapVirtual  float64    `json:"mcapInVirtual"`
}

func (w *wireProject) toModel() models.Project {
	p := models.Project{
		ID:           w.ID,
		Name:         w.Name,
		Symbol:       w.Symbol,
		Factory:      parseFactory(w.Factory),
		Status:       parseStatus(w.Status),
		PreTokenPair: w.PreTokenPair,
		LpAddress:    w.LpAddress,
		TokenAddress: w.TokenAddress,
		CreatedAt:    w.CreatedAt,
		McapVirtual:  w.McapVirtual,
	}
	if w.LaunchedAt != nil && !w.LaunchedAt.IsZero() {
		t := *w.LaunchedAt
		p.LaunchedAt = &t
	}
	if w.LpCreatedAt != nil && !w.LpCreatedAt.IsZero() {
		t := *w.LpCreatedAt
		p.LpCreatedAt = &t
	}
	return p
}

func parseStatus(s string) models.ProjectStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INITIALIZED":
		return models.StatusInitialized
	case "UNDERGRAD":
		return models.StatusUndergrad
	case "AVAILABLE":
		return models.StatusAvailable
	default:
		return models.ProjectStatus(strings.ToUpper(s))
	}
}

func parseFactory(s string) models.Factory {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BONDING_V2":
		return models.FactoryBondingV2
	case "BONDING_V4":
		return models.FactoryBondingV4
	case "VIBES":
		return models.FactoryVibes
	default:
		return models.FactoryOther
	}
}

// get runs one catalog request with retry: up to 3 attempts, backing off 1s
// then 10s. 4xx responses other than 429 are not retried.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= requestAttempts; attempt++ {
		err := c.getOnce(ctx, fullURL, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *errs.APIError
		if isAPIError(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests {
			return err
		}
		if attempt == requestAttempts {
			break
		}
		log.Printf("[catalog] request failed (attempt %d/%d): %v", attempt, requestAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = 10 * time.Second
	}
	return lastErr
}

func isAPIError(err error, target **errs.APIError) bool {
	if ae, ok := err.(*errs.APIError); ok {
		*target = ae
		return true
	}
	return false
}

func (c *Client) getOnce(ctx context.Context, fullURL string, out interface{}) error {
	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "launchwatch/1.0")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &errs.APIError{URL: fullURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &errs.APIError{Status: resp.StatusCode, URL: fullURL}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errs.APIError{URL: fullURL, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// ListBySort fetches one page ordered by the given sort key.
func (c *Client) ListBySort(ctx context.Context, sortKey string, page, pageSize int) ([]models.Project, int, error) {
	q := url.Values{}
	q.Set("sort", sortKey)
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var wp wirePage
	if err := c.get(ctx, "/api/virtuals", q, &wp); err != nil {
		return nil, 0, err
	}
	return toModels(wp.Data), wp.Meta.Pagination.PageCount, nil
}

// ListByFactory fetches one page filtered to a single factory tag.
func (c *Client) ListByFactory(ctx context.Context, factory models.Factory, page, pageSize int) ([]models.Project, int, error) {
	q := url.Values{}
	q.Set("factory", string(factory))
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var wp wirePage
	if err := c.get(ctx, "/api/virtuals", q, &wp); err != nil {
		return nil, 0, err
	}
	return toModels(wp.Data), wp.Meta.Pagination.PageCount, nil
}

// ListAllByFactory exhausts every page for one factory tag.
func (c *Client) ListAllByFactory(ctx context.Context, factory models.Factory) ([]models.Project, error) {
	var all []models.Project
	page := 1
	for {
		projects, pageCount, err := c.ListByFactory(ctx, factory, page, discoverPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, projects...)
		if pageCount <= 0 || page >= pageCount {
			return all, nil
		}
		page++
	}
}

// ByID looks up one project. A 404 yields (nil, nil); other HTTP failures
// are returned as APIError.
func (c *Client) ByID(ctx context.Context, id int64) (*models.Project, error) {
	var wd wireDetail
	err := c.get(ctx, "/api/virtuals/"+strconv.FormatInt(id, 10), nil, &wd)
	if err != nil {
		var apiErr *errs.APIError
		if isAPIError(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if wd.Data == nil {
		return nil, nil
	}
	p := wd.Data.toModel()
	return &p, nil
}

// UpcomingLaunches aggregates the three launch factories into a merged,
// filtered, launch-time-ascending list. The result is cached for 30s and
// concurrent callers share one in-flight aggregation.
func (c *Client) UpcomingLaunches(ctx context.Context) ([]models.Project, error) {
	c.mu.Lock()
	if time.Since(c.upcomingAt) < upcomingCacheTTL && c.upcoming != nil {
		cached := append([]models.Project(nil), c.upcoming...)
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("upcoming", func() (interface{}, error) {
		return c.fetchUpcoming(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Project), nil
}

func (c *Client) fetchUpcoming(ctx context.Context) ([]models.Project, error) {
	factories := []models.Factory{models.FactoryBondingV2, models.FactoryBondingV4, models.FactoryVibes}
	results := make([][]models.Project, len(factories))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range factories {
		i, f := i, f
		g.Go(func() error {
			projects, err := c.ListAllByFactory(gctx, f)
			if err != nil {
				return err
			}
			results[i] = projects
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeByID(results...)
	now := time.Now()
	horizon := now.Add(upcomingHorizon)

	out := merged[:0]
	for _, p := range merged {
		if p.Status != models.StatusInitialized || p.PreTokenPair == "" || p.LpCreatedAt != nil {
			continue
		}
		if p.LaunchedAt == nil || p.LaunchedAt.Before(now) || p.LaunchedAt.After(horizon) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LaunchedAt.Before(*out[j].LaunchedAt)
	})

	c.mu.Lock()
	c.upcoming = append([]models.Project(nil), out...)
	c.upcomingAt = time.Now()
	c.mu.Unlock()
	return out, nil
}

func toModels(wire []wireProject) []models.Project {
	out := make([]models.Project, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toModel())
	}
	return out
}

// mergeByID concatenates project lists keeping the first occurrence of each
// id.
func mergeByID(lists ...[]models.Project) []models.Project {
	seen := make(map[int64]bool)
	var out []models.Project
	for _, list := range lists {
		for _, p := range list {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out
}
