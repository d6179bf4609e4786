// Package insightvm is the paginated client for the InsightVM v3 REST API.
package insightvm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qualys/vmgraph/internal/models"
)

const (
	defaultPageSize = 500
	defaultTimeout  = 60 * time.Second
)

type Config struct {
	// Host is the console address, e.g. "vm.example.com:3780". A value with a
	// scheme is used as the base URL unchanged.
	Host               string
	Username           string
	Password           string
	PageSize           int
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("insightvm %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("insightvm %s: status %d", e.Endpoint, e.StatusCode)
}

type Client struct {
	baseURL  string
	username string
	password string
	pageSize int
	http     *http.Client
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("insightvm host is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("insightvm username and password are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := cfg.Host
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing insightvm host: %w", err)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // consoles ship self-signed certificates
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		pageSize: pageSize,
		http:     &http.Client{Timeout: timeout, Transport: transport},
		logger:   logger,
	}, nil
}

type pageInfo struct {
	Number         int `json:"number"`
	Size           int `json:"size"`
	TotalPages     int `json:"totalPages"`
	TotalResources int `json:"totalResources"`
}

type pageResponse[T any] struct {
	Resources []T      `json:"resources"`
	Page      pageInfo `json:"page"`
}

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			apiErr.Message = er.Message
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}

type validator interface {
	Validate() error
}

// iterate walks every page of endpoint, delivering each valid record once.
// Records that fail validation are logged and skipped.
func iterate[T any](ctx context.Context, c *Client, endpoint string, visit func(*T) error) error {
	for pageNum := 0; ; pageNum++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(pageNum))
		query.Set("size", strconv.Itoa(c.pageSize))

		var resp pageResponse[T]
		if err := c.get(ctx, endpoint, query, &resp); err != nil {
			return err
		}

		for i := range resp.Resources {
			rec := &resp.Resources[i]
			if v, ok := any(rec).(validator); ok {
				if err := v.Validate(); err != nil {
					c.logger.Warn("skipping invalid record",
						"endpoint", endpoint,
						"page", pageNum,
						"error", err)
					continue
				}
			}
			if err := visit(rec); err != nil {
				return err
			}
		}

		if len(resp.Resources) == 0 || resp.Page.Number+1 >= resp.Page.TotalPages {
			return nil
		}
	}
}

// VerifyAuthentication checks that the configured credentials are accepted.
func (c *Client) VerifyAuthentication(ctx context.Context) error {
	var info map[string]any
	if err := c.get(ctx, "/api/3/administration/info", nil, &info); err != nil {
		return fmt.Errorf("verifying authentication: %w", err)
	}
	return nil
}

func (c *Client) IterateUsers(ctx context.Context, visit func(*models.User) error) error {
	return iterate(ctx, c, "/api/3/users", visit)
}

func (c *Client) IterateSites(ctx context.Context, visit func(*models.Site) error) error {
	return iterate(ctx, c, "/api/3/sites", visit)
}

func (c *Client) IterateAssets(ctx context.Context, visit func(*models.Asset) error) error {
	return iterate(ctx, c, "/api/3/assets", visit)
}

func (c *Client) IterateSiteAssets(ctx context.Context, siteID string, visit func(*models.Asset) error) error {
	return iterate(ctx, c, "/api/3/sites/"+url.PathEscape(siteID)+"/assets", visit)
}

func (c *Client) IterateScans(ctx context.Context, visit func(*models.Scan) error) error {
	return iterate(ctx, c, "/api/3/scans", visit)
}

func (c *Client) IterateSiteScans(ctx context.Context, siteID string, visit func(*models.Scan) error) error {
	return iterate(ctx, c, "/api/3/sites/"+url.PathEscape(siteID)+"/scans", visit)
}

func (c *Client) IterateAssetVulnerabilities(ctx context.Context, assetID string, visit func(*models.AssetVulnerability) error) error {
	return iterate(ctx, c, "/api/3/assets/"+url.PathEscape(assetID)+"/vulnerabilities", visit)
}
