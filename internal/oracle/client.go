package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpSentinel/internal/model"
)

// Client fetches prices from a Pyth-style price service over HTTP.
// Quotes are cached for a short TTL to keep the risk loop from hammering
// the endpoint when many markets share a feed.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger

	cacheTTL time.Duration
	mu       sync.RWMutex
	cache    map[string]model.PriceQuote

	now func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithCacheTTL overrides the default 5s quote cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cacheTTL = ttl }
}

// NewClient builds an oracle client for the given price-service endpoint.
func NewClient(endpoint string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		cacheTTL:   5 * time.Second,
		cache:      make(map[string]model.PriceQuote),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type priceFeed struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
}

// GetPrice returns the latest quote for one feed.
func (c *Client) GetPrice(ctx context.Context, feedID string) (model.PriceQuote, error) {
	quotes, err := c.GetPrices(ctx, []string{feedID})
	if err != nil {
		return model.PriceQuote{}, err
	}
	quote, ok := quotes[feedID]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("no quote for feed %s", feedID)
	}
	return quote, nil
}

// GetPrices returns the latest quotes for the given feeds in one request.
// Feeds missing from the response are absent from the result map.
func (c *Client) GetPrices(ctx context.Context, feedIDs []string) (map[string]model.PriceQuote, error) {
	quotes := make(map[string]model.PriceQuote, len(feedIDs))

	var missing []string
	for _, id := range feedIDs {
		if quote, ok := c.cached(id); ok {
			quotes[id] = quote
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return quotes, nil
	}

	params := url.Values{}
	for _, id := range missing {
		params.Add("ids[]", id)
	}
	reqURL := fmt.Sprintf("%s/api/latest_price_feeds?%s", c.endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price service status %d", resp.StatusCode)
	}

	var feeds []priceFeed
	if err := json.NewDecoder(resp.Body).Decode(&feeds); err != nil {
		return nil, fmt.Errorf("decode price feeds: %w", err)
	}

	for _, feed := range feeds {
		quote, err := feed.toQuote()
		if err != nil {
			c.logger.Warn("skip unparseable price feed", zap.String("feed_id", feed.ID), zap.Error(err))
			continue
		}
		c.store(quote)
		quotes[feed.ID] = quote
	}

	return quotes, nil
}

// GetPriceUpdateData fetches the signed price attestation used as the
// payload of an on-chain price update.
func (c *Client) GetPriceUpdateData(ctx context.Context, feedID string) ([]byte, error) {
	params := url.Values{}
	params.Add("ids[]", feedID)
	reqURL := fmt.Sprintf("%s/api/latest_vaas?%s", c.endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch price update data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price service status %d", resp.StatusCode)
	}

	var vaas []string
	if err := json.NewDecoder(resp.Body).Decode(&vaas); err != nil {
		return nil, fmt.Errorf("decode vaas: %w", err)
	}
	if len(vaas) == 0 {
		return nil, fmt.Errorf("no price update data for feed %s", feedID)
	}

	// The attestation is base64; callers pass it through untouched.
	return []byte(vaas[0]), nil
}

func (f priceFeed) toQuote() (model.PriceQuote, error) {
	raw, err := decimal.NewFromString(f.Price.Price)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("price: %w", err)
	}
	conf, err := decimal.NewFromString(f.Price.Conf)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("conf: %w", err)
	}

	// Pyth encodes price as integer * 10^expo.
	scale := decimal.New(1, f.Price.Expo)
	return model.PriceQuote{
		FeedID:      f.ID,
		Price:       raw.Mul(scale),
		Confidence:  conf.Mul(scale),
		PublishTime: time.Unix(f.Price.PublishTime, 0).UTC(),
	}, nil
}

func (c *Client) cached(feedID string) (model.PriceQuote, bool) {
	c.mu.RLock()
	quote, ok := c.cache[feedID]
	c.mu.RUnlock()
	if !ok || quote.Age(c.now()) > c.cacheTTL {
		return model.PriceQuote{}, false
	}
	return quote, true
}

func (c *Client) store(quote model.PriceQuote) {
	c.mu.Lock()
	c.cache[quote.FeedID] = quote
	c.mu.Unlock()
}
