// Package fews retrieves timeseries from the FEWS PI REST service.
package fews

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"timeseries-staging/internal/staging"
)

const (
	servicePath        = "/FewsWebServices/rest/fewspiservice/v1/timeseries"
	displayGroupsPath  = servicePath + "/displaygroups"
	displayGroupsQuery = "useDisplayUnits=false&showThresholds=true&omitMissing=true&onlyHeaders=false&documentFormat=PI_JSON"
	filterQuery        = "useDisplayUnits=false&showThresholds=true&showProducts=false&omitMissing=true&onlyHeaders=false&showEnsembleMemberIds=false&documentVersion=1.26&documentFormat=PI_JSON&forecastCount=1"
	timeLayout         = "2006-01-02T15:04:05Z"
	defaultTimeout     = 60 * time.Second
	maxErrorBody       = 512
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "staging_fews_request_duration_seconds",
	Help:    "Duration of FEWS PI requests by strategy and result.",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"strategy", "result"})

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fews pi service returned %d: %s", e.StatusCode, e.Body)
}

// Client implements staging.SeriesSource over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// DisplayGroupSeries fetches the series shown on plotID for locationIDs.
func (c *Client) DisplayGroupSeries(ctx context.Context, plotID string, locationIDs []string, window staging.Window) (staging.Series, error) {
	var params strings.Builder
	params.WriteString("&plotId=")
	params.WriteString(url.QueryEscape(plotID))
	for _, id := range locationIDs {
		params.WriteString("&locationIds=")
		params.WriteString(url.QueryEscape(id))
	}
	params.WriteString(windowParameters(window))
	return c.fetch(ctx, "display_group", displayGroupsPath, displayGroupsQuery, params.String())
}

// FilterSeries fetches the latest forecast series for filterID.
func (c *Client) FilterSeries(ctx context.Context, filterID string, window staging.Window) (staging.Series, error) {
	params := "&filterId=" + url.QueryEscape(filterID) + windowParameters(window)
	return c.fetch(ctx, "filter", servicePath, filterQuery, params)
}

func (c *Client) fetch(ctx context.Context, strategy, path, fixedQuery, params string) (staging.Series, error) {
	endpoint := c.baseURL + path + "?" + fixedQuery + params
	start := time.Now()
	data, err := c.get(ctx, endpoint)
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestDuration.WithLabelValues(strategy, result).Observe(time.Since(start).Seconds())
	if err != nil {
		return staging.Series{}, err
	}
	c.logger.Debug("Retrieved FEWS PI series", "strategy", strategy, "parameters", params, "bytes", len(data))
	return staging.Series{Parameters: params, Data: data}, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request fews pi service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read fews pi response: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("fews pi service returned an empty body")
	}
	return data, nil
}

func windowParameters(window staging.Window) string {
	return "&startTime=" + window.Start.UTC().Format(timeLayout) + "&endTime=" + window.End.UTC().Format(timeLayout)
}
