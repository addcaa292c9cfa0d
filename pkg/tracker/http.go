package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mangoml/trackoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// defaultRequestTimeout bounds a single tracker call when the config
// does not set one.
const defaultRequestTimeout = 30 * time.Second

// rateBurst allows short bursts above the sustained request rate.
const rateBurst = 5

// Compile-time interface check.
var _ Client = (*httpClient)(nil)

type httpClient struct {
	log     logrus.FieldLogger
	cfg     *config.TrackerConfig
	client  *http.Client
	limiter *rate.Limiter
	base    string
}

// NewHTTPClient creates a Client talking to the tracker's REST API. All
// requests pass through a shared rate limiter so reconciliation passes
// stay polite to the tracker.
func NewHTTPClient(
	log logrus.FieldLogger,
	cfg *config.TrackerConfig,
) Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}

	base := fmt.Sprintf("%s/api/v1/projects/%s/%s",
		cfg.BaseURL,
		url.PathEscape(cfg.Entity),
		url.PathEscape(cfg.Project),
	)

	return &httpClient{
		log:     log.WithField("component", "tracker"),
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rpm)/60, rateBurst),
		base:    base,
	}
}

// GetRun fetches one run by its tracker id.
func (c *httpClient) GetRun(
	ctx context.Context, externalID string,
) (*Record, error) {
	var record Record
	if err := c.get(ctx,
		"/runs/"+url.PathEscape(externalID), &record); err != nil {
		return nil, err
	}

	return &record, nil
}

// SearchRunsByName returns runs with exactly this display name, newest
// first.
func (c *httpClient) SearchRunsByName(
	ctx context.Context, name string,
) ([]Record, error) {
	q := url.Values{"name": {name}}

	var records []Record
	if err := c.get(ctx, "/runs?"+q.Encode(), &records); err != nil {
		return nil, err
	}

	return records, nil
}

// ListRuns returns the project's runs, newest first.
func (c *httpClient) ListRuns(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := c.get(ctx, "/runs", &records); err != nil {
		return nil, err
	}

	return records, nil
}

// GetHistory fetches the full logged metric history of a run.
func (c *httpClient) GetHistory(
	ctx context.Context, externalID string,
) ([]Step, error) {
	var steps []Step
	if err := c.get(ctx,
		"/runs/"+url.PathEscape(externalID)+"/history", &steps); err != nil {
		return nil, err
	}

	return steps, nil
}

// get performs a rate-limited GET against the project API and decodes
// the JSON response into out.
func (c *httpClient) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for tracker rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.base+path, nil,
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling tracker: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding tracker response: %w", err)
	}

	return nil
}
