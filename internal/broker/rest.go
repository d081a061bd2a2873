package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"papertrade/pkg/types"
)

// quoteResponse is the broker's GET /quotes shape.
type quoteResponse struct {
	Status string               `json:"status"`
	Data   map[string]quoteData `json:"data"`
}

type quoteData struct {
	LTP       float64 `json:"last_price"`
	Close     float64 `json:"close_price"`
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"` // seconds
}

// instrumentRow is one row of the broker's instrument master dump.
type instrumentRow struct {
	InstrumentKey string  `json:"instrument_key"`
	TradingSymbol string  `json:"trading_symbol"`
	Name          string  `json:"name"`
	Underlying    string  `json:"underlying_symbol"`
	Expiry        string  `json:"expiry"` // "2006-01-02", empty for equities
	Strike        float64 `json:"strike_price"`
	OptionType    string  `json:"option_type"`
	LotSize       int64   `json:"lot_size"`
	TickSize      float64 `json:"tick_size"`
	Type          string  `json:"instrument_type"`
	Segment       string  `json:"segment"`
}

// Client is the broker REST API client. It wraps a resty HTTP client with
// rate limiting and retry; all fetches honor the configured hard timeout.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(baseURL, accessToken string, fetchTimeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(fetchTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(accessToken)

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "broker_rest"),
	}
}

// GetQuotes fetches current quotes for the given canonical keys.
func (c *Client) GetQuotes(ctx context.Context, keys []string) (map[string]types.QuoteRecord, error) {
	if len(keys) == 0 {
		return map[string]types.QuoteRecord{}, nil
	}
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}

	var result quoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("instrument_key", joinKeys(keys)).
		SetResult(&result).
		Get("/v2/market-quote/quotes")
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get quotes: status %d: %s", resp.StatusCode(), resp.String())
	}

	quotes := make(map[string]types.QuoteRecord, len(result.Data))
	for key, q := range result.Data {
		ts := q.Timestamp
		if ts == 0 {
			ts = time.Now().Unix()
		}
		rec := types.QuoteRecord{
			InstrumentKey: key,
			Symbol:        q.Symbol,
			Price:         q.LTP,
			PrevClose:     q.Close,
			Timestamp:     ts,
		}
		if q.Close > 0 {
			rec.Change = q.LTP - q.Close
			rec.ChangePct = rec.Change / q.Close * 100
		}
		quotes[key] = rec
	}
	return quotes, nil
}

// GetInstruments pages through the broker's instrument master dump.
func (c *Client) GetInstruments(ctx context.Context) ([]types.Instrument, error) {
	if err := c.rl.Instrument.Wait(ctx); err != nil {
		return nil, err
	}

	var all []types.Instrument
	offset := 0
	limit := 5000

	for {
		var page []instrumentRow
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/v2/instruments")
		if err != nil {
			return nil, fmt.Errorf("get instruments: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get instruments: status %d: %s", resp.StatusCode(), resp.String())
		}
		if len(page) == 0 {
			break
		}

		for _, row := range page {
			inst, err := convertInstrument(row)
			if err != nil {
				c.logger.Debug("skipping malformed instrument row", "key", row.InstrumentKey, "error", err)
				continue
			}
			all = append(all, inst)
		}
		offset += limit
	}

	return all, nil
}

func convertInstrument(row instrumentRow) (types.Instrument, error) {
	if row.InstrumentKey == "" {
		return types.Instrument{}, fmt.Errorf("missing instrument key")
	}
	if row.LotSize < 1 {
		row.LotSize = 1
	}

	inst := types.Instrument{
		InstrumentKey:  row.InstrumentKey,
		TradingSymbol:  row.TradingSymbol,
		Name:           row.Name,
		Underlying:     row.Underlying,
		Strike:         decimal.NewFromFloat(row.Strike),
		OptionType:     types.OptionType(row.OptionType),
		LotSize:        row.LotSize,
		TickSize:       decimal.NewFromFloat(row.TickSize),
		InstrumentType: types.InstrumentType(row.Type),
		Segment:        row.Segment,
		IsActive:       true,
	}
	if inst.TickSize.IsZero() {
		inst.TickSize = decimal.NewFromFloat(0.05)
	}
	if row.Expiry != "" {
		// Contracts expire at 15:30 IST on the expiry date.
		ist := time.FixedZone("IST", 5*3600+30*60)
		day, err := time.ParseInLocation("2006-01-02", row.Expiry, ist)
		if err != nil {
			return types.Instrument{}, fmt.Errorf("bad expiry %q: %w", row.Expiry, err)
		}
		expiry := day.Add(15*time.Hour + 30*time.Minute)
		inst.Expiry = &expiry
	}
	return inst, nil
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}
