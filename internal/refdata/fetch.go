package refdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"timeseries-staging/internal/staging"
)

const (
	csvMediaType   = "text/csv"
	defaultTimeout = 60 * time.Second
	utf8BOM        = "\ufeff"
)

// Fetcher downloads and parses one CSV feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]Row, error)
}

// HTTPFetcher fetches CSV feeds over HTTP.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", csvMediaType)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch csv: %w", err)
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != csvMediaType {
		return nil, fmt.Errorf("%w (status %d, content type %q)", staging.ErrNotCSV, resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch csv: unexpected status %d", resp.StatusCode)
	}
	return ParseCSV(resp.Body)
}

// ParseCSV reads a headed CSV document into rows keyed by header. Short
// records leave their trailing keys empty.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, key := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(key, utf8BOM))
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		row := make(Row, len(header))
		for i, key := range header {
			if i < len(record) {
				row[key] = record[i]
			} else {
				row[key] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
