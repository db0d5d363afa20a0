// Package namus is the I/O boundary to the NamUs case-set API: it lists
// partitions (states), searches a partition for case identifiers, and fetches
// individual case bodies. It performs no retries and no concurrency control.
package namus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/namus-crawler/internal/metrics"
)

// DefaultBaseURL is the public NamUs host.
const DefaultBaseURL = "https://www.namus.gov"

// DefaultPageSize caps a single search page. It must exceed the largest
// per-state case count because continuation pages are never requested.
const DefaultPageSize = 10000

// IDField is the numeric identifier projected from search results.
const IDField = "namus2Number"

// Operation names used in errors, logs, and metrics.
const (
	OpListPartitions  = "list_partitions"
	OpSearchPartition = "search_partition"
	OpGetRecord       = "get_record"
)

// Partition is a top-level grouping key, a state name.
type Partition string

// RecordID identifies one case within a category.
type RecordID uint64

// String renders the identifier in base 10.
func (id RecordID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// RecordBody is the untouched payload of a case fetch.
type RecordBody []byte

// Request is a single HTTP exchange handed to a Transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what a Transport hands back. Non-2xx statuses are responses, not errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Transport executes one HTTP exchange. Errors are network-level only.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Config controls endpoint construction.
type Config struct {
	BaseURL  string
	PageSize int
}

// Client performs the three logical fetches the crawler needs.
type Client struct {
	transport Transport
	baseURL   string
	pageSize  int
	logger    *zap.Logger
}

// NewClient builds a Client on top of the given transport.
func NewClient(transport Transport, cfg Config, logger *zap.Logger) (*Client, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		transport: transport,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:  cfg.PageSize,
		logger:    logger,
	}, nil
}

// PageSize reports the search cap sent with every search request.
func (c *Client) PageSize() int {
	return c.pageSize
}

// ListPartitions returns every state name the API knows about.
func (c *Client) ListPartitions(ctx context.Context) ([]Partition, error) {
	resp, err := c.exchange(ctx, OpListPartitions, Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/api/CaseSets/NamUs/States",
	})
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, c.observeBad(OpListPartitions, resp, badResponse(OpListPartitions, "decode: %v", err))
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, c.observeBad(OpListPartitions, resp, badResponse(OpListPartitions, "expected array, got %T", raw))
	}

	partitions := make([]Partition, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, c.observeBad(OpListPartitions, resp,
				badResponse(OpListPartitions, "element %d: expected object, got %T", i, item))
		}
		name, ok := obj["name"].(string)
		if !ok {
			return nil, c.observeBad(OpListPartitions, resp,
				badResponse(OpListPartitions, "element %d: missing or non-string name", i))
		}
		partitions = append(partitions, Partition(name))
	}
	metrics.ObserveRequest(OpListPartitions, metrics.OutcomeSuccess, resp.Duration)
	return partitions, nil
}

type searchRequest struct {
	Take        int               `json:"take"`
	Projections []string          `json:"projections"`
	Predicates  []searchPredicate `json:"predicates"`
}

type searchPredicate struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

type searchResponse struct {
	Results *[]map[string]any `json:"results"`
}

// SearchPartition returns the identifiers of every case in the partition. Only
// one page of PageSize results is requested.
func (c *Client) SearchPartition(ctx context.Context, partition Partition, category Category) ([]RecordID, error) {
	body, err := json.Marshal(searchRequest{
		Take:        c.pageSize,
		Projections: []string{IDField},
		Predicates: []searchPredicate{{
			Field:    category.PartitionField(),
			Operator: "IsIn",
			Values:   []string{string(partition)},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", OpSearchPartition, err)
	}

	resp, err := c.exchange(ctx, OpSearchPartition, Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/api/CaseSets/NamUs/%s/Search", c.baseURL, category.PathSegment()),
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var parsed searchResponse
	if err := dec.Decode(&parsed); err != nil {
		return nil, c.observeBad(OpSearchPartition, resp, badResponse(OpSearchPartition, "decode: %v", err))
	}
	if parsed.Results == nil {
		return nil, c.observeBad(OpSearchPartition, resp, badResponse(OpSearchPartition, "missing results array"))
	}

	results := *parsed.Results
	ids := make([]RecordID, 0, len(results))
	for i, row := range results {
		num, ok := row[IDField].(json.Number)
		if !ok {
			return nil, c.observeBad(OpSearchPartition, resp,
				badResponse(OpSearchPartition, "result %d: missing or non-numeric %s", i, IDField))
		}
		id, err := strconv.ParseUint(num.String(), 10, 64)
		if err != nil {
			return nil, c.observeBad(OpSearchPartition, resp,
				badResponse(OpSearchPartition, "result %d: %s %q is not an unsigned integer", i, IDField, num))
		}
		ids = append(ids, RecordID(id))
	}
	if len(ids) >= c.pageSize {
		c.logger.Warn("search page is full; partition may hold more cases than were returned",
			zap.String("partition", string(partition)),
			zap.String("category", category.Slug()),
			zap.Int("page_size", c.pageSize))
	}
	metrics.ObserveRequest(OpSearchPartition, metrics.OutcomeSuccess, resp.Duration)
	return ids, nil
}

// GetRecord returns the raw body of one case.
func (c *Client) GetRecord(ctx context.Context, id RecordID, category Category) (RecordBody, error) {
	resp, err := c.exchange(ctx, OpGetRecord, Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/api/CaseSets/NamUs/%s/Cases/%d", c.baseURL, category.PathSegment(), uint64(id)),
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveRequest(OpGetRecord, metrics.OutcomeSuccess, resp.Duration)
	return RecordBody(resp.Body), nil
}

// exchange runs the request and maps transport failures and non-2xx statuses.
func (c *Client) exchange(ctx context.Context, op string, req Request) (Response, error) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.transport.Do(ctx, req)
	if errors.Is(err, ErrBodyTooLarge) {
		metrics.ObserveRequest(op, metrics.OutcomeBadResponse, time.Since(start))
		c.logger.Debug("response body over cap", zap.String("op", op), zap.String("url", req.URL), zap.Error(err))
		return Response{}, &FetchError{Op: op, Kind: KindBadResponse, Err: err}
	}
	if err != nil {
		metrics.ObserveRequest(op, metrics.OutcomeTransport, time.Since(start))
		c.logger.Debug("request failed", zap.String("op", op), zap.String("url", req.URL), zap.Error(err))
		return Response{}, transportErr(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveRequest(op, metrics.OutcomeStatus, resp.Duration)
		c.logger.Debug("request returned non-2xx",
			zap.String("op", op), zap.String("url", req.URL), zap.Int("status", resp.StatusCode))
		return Response{}, statusErr(op, resp.StatusCode, resp.Body)
	}
	return resp, nil
}

func (c *Client) observeBad(op string, resp Response, err *FetchError) error {
	metrics.ObserveRequest(op, metrics.OutcomeBadResponse, resp.Duration)
	c.logger.Debug("unexpected response shape", zap.String("op", op), zap.Error(err))
	return err
}
