// Package datasource implements the two bulk REST feeds the streaming
// pipeline needs outside the ticker websocket itself: the daily
// instrument dump (instruments.Source) and historical candles
// (historical.Source). Kept separate from internal/broker, which both
// internal/historical and this package depend on, to avoid an import
// cycle.
package datasource

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/marketstream/internal/broker"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/historical"
)

// KiteSource is the REST collaborator for instrument dump and historical
// candle fetches, sharing the HTTP/1.1 client tuning internal/broker uses
// for its websocket dialer.
type KiteSource struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
}

// NewKiteSource constructs a KiteSource. accessToken is the token for
// whichever account is designated to fetch the shared instrument dump and
// historical candles (any healthy account's token works: Kite's
// instrument/candle endpoints aren't account-scoped data).
func NewKiteSource(baseURL, apiKey, accessToken string) *KiteSource {
	if baseURL == "" {
		baseURL = broker.DefaultOrdersBaseURL
	}
	return &KiteSource{
		baseURL:     baseURL,
		apiKey:      apiKey,
		accessToken: accessToken,
		httpClient:  broker.NewHTTP1Client(),
	}
}

func (s *KiteSource) authHeader(req *http.Request) {
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", s.apiKey, s.accessToken))
}

// FetchInstruments downloads and parses Kite's full instrument dump CSV,
// satisfying instruments.Source.
func (s *KiteSource) FetchInstruments(ctx context.Context) ([]domain.Instrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/instruments", nil)
	if err != nil {
		return nil, fmt.Errorf("build instruments request: %w", err)
	}
	s.authHeader(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch instruments: http %d", resp.StatusCode)
	}

	return parseInstrumentsCSV(resp.Body)
}

// parseInstrumentsCSV decodes Kite's documented instrument dump columns:
// instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,
// strike,tick_size,lot_size,instrument_type,segment,exchange.
func parseInstrumentsCSV(r io.Reader) ([]domain.Instrument, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read instruments header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}

	var out []domain.Instrument
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read instruments row: %w", err)
		}

		token, err := strconv.ParseInt(rec[col["instrument_token"]], 10, 64)
		if err != nil {
			continue
		}
		strike, _ := strconv.ParseFloat(rec[col["strike"]], 64)
		tickSize, _ := strconv.ParseFloat(rec[col["tick_size"]], 64)
		lotSize, _ := strconv.Atoi(rec[col["lot_size"]])

		inst := domain.Instrument{
			InstrumentToken:  token,
			Exchange:         rec[col["exchange"]],
			TradingSymbol:    rec[col["tradingsymbol"]],
			Segment:          mapKiteSegment(rec[col["segment"]], rec[col["instrument_type"]]),
			Strike:           strike,
			TickSize:         tickSize,
			LotSize:          lotSize,
			UnderlyingSymbol: rec[col["name"]],
			OptionType:       mapKiteOptionType(rec[col["instrument_type"]]),
		}
		if expiry := strings.TrimSpace(rec[col["expiry"]]); expiry != "" {
			if t, err := time.Parse("2006-01-02", expiry); err == nil {
				inst.Expiry = &t
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func mapKiteSegment(segment, instrumentType string) domain.Segment {
	switch {
	case instrumentType == "CE" || instrumentType == "PE":
		return domain.SegmentOptions
	case instrumentType == "FUT":
		return domain.SegmentFutures
	case strings.Contains(segment, "INDICES"):
		return domain.SegmentIndex
	default:
		return domain.SegmentEquity
	}
}

func mapKiteOptionType(instrumentType string) domain.OptionType {
	switch instrumentType {
	case "CE":
		return domain.OptionTypeCall
	case "PE":
		return domain.OptionTypePut
	default:
		return domain.OptionTypeNone
	}
}

// FetchCandles satisfies historical.Source, calling Kite's historical
// candle endpoint for one instrument and translating its response rows
// into historical.Bar.
func (s *KiteSource) FetchCandles(ctx context.Context, accountID string, instrument domain.Instrument, from, to time.Time, batchSize int) ([]historical.Bar, error) {
	q := url.Values{
		"from": {from.Format("2006-01-02 15:04:05")},
		"to":   {to.Format("2006-01-02 15:04:05")},
	}
	path := fmt.Sprintf("/instruments/historical/%d/day?%s", instrument.InstrumentToken, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build historical request: %w", err)
	}
	s.authHeader(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch historical candles: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch historical candles: http %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Candles [][]any `json:"candles"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode historical response: %w", err)
	}

	bars := make([]historical.Bar, 0, len(body.Data.Candles))
	for _, row := range body.Data.Candles {
		if len(row) < 6 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, fmt.Sprintf("%v", row[0]))
		bars = append(bars, historical.Bar{
			InstrumentToken: instrument.InstrumentToken,
			Timestamp:       ts,
			Open:            toFloat(row[1]),
			High:            toFloat(row[2]),
			Low:             toFloat(row[3]),
			Close:           toFloat(row[4]),
			Volume:          int64(toFloat(row[5])),
		})
		if batchSize > 0 && len(bars) >= batchSize {
			break
		}
	}
	return bars, nil
}

func toFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	f, _ := strconv.ParseFloat(fmt.Sprintf("%v", v), 64)
	return f
}
