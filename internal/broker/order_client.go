package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aristath/marketstream/internal/domain"
)

// DefaultOrdersBaseURL is Kite Connect's REST endpoint for order,
// instrument, and historical-candle operations. Per-account access tokens
// are sent as the Authorization header on every request; no state is
// shared across accounts.
const DefaultOrdersBaseURL = "https://api.kite.trade"

// KiteOrderClient implements orders.Broker against the Kite Connect REST
// order API. It is a thin wire adapter: deciding what to place, when, and
// with what idempotency key is the OrderExecutor's job, not this client's.
type KiteOrderClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tokens     map[string]string // account_id -> access_token
}

// NewKiteOrderClient constructs a KiteOrderClient. tokens maps each
// account_id the executor will see to that account's Kite access token.
func NewKiteOrderClient(baseURL, apiKey string, tokens map[string]string) *KiteOrderClient {
	if baseURL == "" {
		baseURL = DefaultOrdersBaseURL
	}
	return &KiteOrderClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: NewHTTP1Client(),
		tokens:     tokens,
	}
}

// Execute performs one order operation for accountID, matching
// orders.Broker. Any non-2xx response or transport error is returned
// as-is so the executor's retry/backoff/DLQ state machine decides what to
// do with it.
func (c *KiteOrderClient) Execute(ctx context.Context, accountID string, op domain.OrderOperation, params map[string]any) (string, error) {
	accessToken, ok := c.tokens[accountID]
	if !ok {
		return "", fmt.Errorf("kite order client: no access token configured for account %q", accountID)
	}

	method, path := routeForOperation(op, params)

	form := url.Values{}
	for k, v := range params {
		form.Set(k, fmt.Sprintf("%v", v))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("order request: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Data   struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}

	if resp.StatusCode >= 300 || body.Status != "success" {
		return "", fmt.Errorf("order %s rejected: %s (http %d)", op, body.Message, resp.StatusCode)
	}
	return body.Data.OrderID, nil
}

// routeForOperation maps an OrderOperation to Kite's REST verb/path.
// variety defaults to "regular" when params omits it, covering the common
// case without forcing every caller to specify it.
func routeForOperation(op domain.OrderOperation, params map[string]any) (method, path string) {
	variety, _ := params["variety"].(string)
	if variety == "" {
		variety = "regular"
	}

	switch op {
	case domain.OrderPlace:
		return http.MethodPost, "/orders/" + variety
	case domain.OrderModify:
		orderID, _ := params["order_id"].(string)
		return http.MethodPut, "/orders/" + variety + "/" + orderID
	case domain.OrderCancel, domain.OrderExit:
		orderID, _ := params["order_id"].(string)
		return http.MethodDelete, "/orders/" + variety + "/" + orderID
	default:
		return http.MethodPost, "/orders/" + variety
	}
}
