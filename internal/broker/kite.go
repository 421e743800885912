package broker

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mananvora/nifty_strangler/internal/models"
)

const (
	defaultKiteBaseURL = "https://api.kite.trade"
	defaultTimeout     = 15 * time.Second

	// kiteVersion is the API version sent in the X-Kite-Version header.
	kiteVersion = "3"
)

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// KiteClient implements Broker against the Kite Connect REST API.
type KiteClient struct {
	client      *http.Client
	apiKey      string
	accessToken string
	baseURL     string
	timeout     time.Duration
}

// NewKiteClient creates a new Kite Connect client with default settings.
// accessToken is the session token obtained out-of-band; the login flow is
// not part of this client.
func NewKiteClient(apiKey, accessToken string) *KiteClient {
	return NewKiteClientWithBaseURL(apiKey, accessToken, "")
}

// NewKiteClientWithBaseURL creates a client against a custom base URL
// (tests, proxies). An empty baseURL selects the production endpoint.
func NewKiteClientWithBaseURL(apiKey, accessToken, baseURL string) *KiteClient {
	if baseURL == "" {
		baseURL = defaultKiteBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &KiteClient{
		client:      &http.Client{Timeout: defaultTimeout},
		apiKey:      apiKey,
		accessToken: accessToken,
		baseURL:     baseURL,
		timeout:     defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (k *KiteClient) WithHTTPClient(c *http.Client) *KiteClient {
	if c != nil {
		k.client = c
	}
	return k
}

// WithTimeout sets the HTTP client timeout duration.
func (k *KiteClient) WithTimeout(timeout time.Duration) *KiteClient {
	if timeout > 0 {
		k.timeout = timeout
		k.client.Timeout = timeout
	}
	return k
}

// ============ API response structures ============

// ltpEntry is one instrument's entry in a /quote/ltp response.
type ltpEntry struct {
	InstrumentToken int64   `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
}

// ltpResponse represents the /quote/ltp envelope.
type ltpResponse struct {
	Status string              `json:"status"`
	Data   map[string]ltpEntry `json:"data"`
}

// orderResponse represents the /orders/regular envelope.
type orderResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// GetLastPrice returns the last traded price for one symbol.
func (k *KiteClient) GetLastPrice(exchange, symbol string) (float64, error) {
	key := exchange + ":" + symbol
	data, err := k.fetchLTP([]string{key})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, key, err)
	}
	entry, ok := data[key]
	if !ok {
		return 0, fmt.Errorf("%w: no quote for %s", ErrQuoteUnavailable, key)
	}
	return entry.LastPrice, nil
}

// GetLastPrices batch-resolves last traded prices, preserving input order.
// The upstream returns a map keyed by "EXCHANGE:SYMBOL"; the result is
// reassembled in input order, and any missing key fails the whole call.
func (k *KiteClient) GetLastPrices(instruments []models.Instrument) ([]float64, error) {
	if len(instruments) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(instruments))
	for _, ins := range instruments {
		keys = append(keys, ins.Exchange+":"+ins.TradingSymbol)
	}
	data, err := k.fetchLTP(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: batch of %d: %v", ErrQuoteUnavailable, len(keys), err)
	}
	prices := make([]float64, 0, len(keys))
	for _, key := range keys {
		entry, ok := data[key]
		if !ok {
			return nil, fmt.Errorf("%w: no quote for %s in batch response", ErrQuoteUnavailable, key)
		}
		prices = append(prices, entry.LastPrice)
	}
	return prices, nil
}

func (k *KiteClient) fetchLTP(keys []string) (map[string]ltpEntry, error) {
	params := url.Values{}
	for _, key := range keys {
		params.Add("i", key)
	}
	var resp ltpResponse
	if err := k.makeRequest(http.MethodGet, k.baseURL+"/quote/ltp?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("unexpected response status %q", resp.Status)
	}
	return resp.Data, nil
}

// PlaceSellOrder places an intraday (MIS) stop-loss-market SELL order on the
// NFO segment. stopLoss is sent as the SL-M trigger price.
func (k *KiteClient) PlaceSellOrder(symbol string, quantity int, stopLoss float64) (string, error) {
	params := url.Values{}
	params.Set("tradingsymbol", symbol)
	params.Set("exchange", "NFO")
	params.Set("transaction_type", "SELL")
	params.Set("order_type", "SL-M")
	params.Set("quantity", strconv.Itoa(quantity))
	params.Set("product", "MIS")
	params.Set("validity", "DAY")
	params.Set("trigger_price", strconv.FormatFloat(stopLoss, 'f', 2, 64))

	var resp orderResponse
	if err := k.makeRequest(http.MethodPost, k.baseURL+"/orders/regular", params, &resp); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrOrderRejected, symbol, err)
	}
	if resp.Status != "success" || resp.Data.OrderID == "" {
		reason := resp.Message
		if reason == "" {
			reason = "no order id in response"
		}
		return "", fmt.Errorf("%w: %s: %s", ErrOrderRejected, symbol, reason)
	}
	return resp.Data.OrderID, nil
}

// GetInstruments downloads the NFO instrument dump and returns the option
// contracts for the given underlying name. The dump is CSV with a header row:
// instrument_token, exchange_token, tradingsymbol, name, last_price, expiry,
// strike, tick_size, lot_size, instrument_type, segment, exchange.
func (k *KiteClient) GetInstruments(underlying string) ([]models.Instrument, error) {
	req, err := http.NewRequest(http.MethodGet, k.baseURL+"/instruments/NFO", http.NoBody)
	if err != nil {
		return nil, err
	}
	k.setHeaders(req)

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	return parseInstrumentsCSV(resp.Body, underlying)
}

// parseInstrumentsCSV decodes the instrument dump, keeping only CE/PE rows
// matching the underlying name.
func parseInstrumentsCSV(r io.Reader, underlying string) ([]models.Instrument, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading instrument dump header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"tradingsymbol", "name", "expiry", "strike", "tick_size", "lot_size", "instrument_type", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("instrument dump missing column %q", required)
		}
	}

	var instruments []models.Instrument
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading instrument dump: %w", err)
		}
		if rec[col["name"]] != underlying {
			continue
		}
		optType := models.OptionType(rec[col["instrument_type"]])
		if !optType.Valid() {
			continue // futures and anything else in the dump
		}
		strike, err := strconv.ParseFloat(rec[col["strike"]], 64)
		if err != nil {
			continue
		}
		tick, err := strconv.ParseFloat(rec[col["tick_size"]], 64)
		if err != nil {
			continue
		}
		lot, err := strconv.Atoi(rec[col["lot_size"]])
		if err != nil || lot <= 0 {
			continue
		}
		expiry, err := time.Parse("2006-01-02", rec[col["expiry"]])
		if err != nil {
			continue
		}
		instruments = append(instruments, models.Instrument{
			TradingSymbol:  rec[col["tradingsymbol"]],
			Exchange:       rec[col["exchange"]],
			Name:           rec[col["name"]],
			InstrumentType: optType,
			Expiry:         expiry,
			Strike:         strike,
			TickSize:       tick,
			LotSize:        lot,
		})
	}
	return instruments, nil
}

// makeRequest performs an HTTP request and decodes the JSON response.
func (k *KiteClient) makeRequest(method, endpoint string, params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequest(method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequest(method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}
	k.setHeaders(req)

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		// Kite error envelopes carry a human-readable message field.
		var envelope orderResponse
		if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Message != "" {
			return &APIError{Status: resp.StatusCode, Body: envelope.Message}
		}
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (k *KiteClient) setHeaders(req *http.Request) {
	req.Header.Add("X-Kite-Version", kiteVersion)
	req.Header.Add("Authorization", "token "+k.apiKey+":"+k.accessToken)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "nifty-strangler/1.0 (+kite)")
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Printf("Failed to close response body: %v", err)
	}
}
