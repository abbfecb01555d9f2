package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Fetcher walks a paged listing to exhaustion.
type Fetcher struct {
	client   *Client
	pageSize int
}

// NewFetcher creates a Fetcher. pageSize <= 0 leaves the page size to the upstream.
func NewFetcher(client *Client, pageSize int) *Fetcher {
	return &Fetcher{client: client, pageSize: pageSize}
}

// FetchAll returns every record of the listing at endpoint filtered by
// filters, in upstream order. It is all-or-nothing: if any page fails no
// records are returned.
func (f *Fetcher) FetchAll(ctx context.Context, endpoint string, filters url.Values) ([]json.RawMessage, error) {
	query := url.Values{}
	for k, vs := range filters {
		query[k] = append([]string(nil), vs...)
	}
	if f.pageSize > 0 {
		query.Set("limit", strconv.Itoa(f.pageSize))
	}

	next, err := f.client.ResolveURL(endpoint, query)
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	seen := make(map[string]bool)
	for next != "" {
		if seen[next] {
			return nil, fmt.Errorf("fetch %s: pagination cursor repeats %s", endpoint, next)
		}
		seen[next] = true

		page, err := f.client.GetPage(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
		}
		records = append(records, page.Results...)

		next = ""
		if page.Next != nil && *page.Next != "" {
			if next, err = f.client.ResolveURL(*page.Next, nil); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
			}
		}
	}
	return records, nil
}
