package controllog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPFetcher pulls the control-log grid from an export endpoint that serves
// the sheet as a JSON array of cell rows.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher builds a grid fetcher. A nil client gets a 10s timeout
// default; sheet exports are slow but not that slow.
func NewHTTPFetcher(url string, client *http.Client) (*HTTPFetcher, error) {
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{url: url, client: client}, nil
}

// FetchGrid implements Fetcher.
func (f *HTTPFetcher) FetchGrid(ctx context.Context) ([][]Cell, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building control log request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching control log: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching control log: unexpected status %d", resp.StatusCode)
	}

	var grid [][]Cell
	if err := json.NewDecoder(resp.Body).Decode(&grid); err != nil {
		return nil, fmt.Errorf("decoding control log grid: %w", err)
	}
	return grid, nil
}
