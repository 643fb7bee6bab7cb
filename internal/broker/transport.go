// Package broker shards a logical subscription set across many physical
// broker WebSocket connections, each capped at 1000 instruments, and
// guards per-account broker access behind leased semaphores. Built around
// an HTTP/1.1-forced dialer, a cancellable per-connection context, a read
// loop, and an exponential-backoff reconnect loop, generalized from one
// fixed connection to a pool of N, each independently reconnecting and
// each re-subscribing its own desired_tokens set once the wire comes back.
package broker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"nhooyr.io/websocket"
)

const (
	dialTimeout      = 30 * time.Second
	defaultWriteWait = 10 * time.Second
)

// Callbacks are the broker WebSocket event handlers: one batch of ticks,
// connect, close, error, and order update. All are optional; a nil
// callback is simply not invoked.
type Callbacks struct {
	OnTicks       func(ticks []domain.TickFrame)
	OnConnect     func()
	OnClose       func(err error)
	OnError       func(err error)
	OnOrderUpdate func(raw []byte)
}

// Transport is the per-connection wire protocol: dial, subscribe a mode
// for a token set, unsubscribe, read one message, and close. Kept as an
// interface so the pool's reconnect/backoff/index logic can be tested
// without a live broker socket.
type Transport interface {
	Dial(ctx context.Context) error
	Subscribe(ctx context.Context, tokens []int64, mode domain.SubscriptionMode) error
	Unsubscribe(ctx context.Context, tokens []int64) error
	ReadTick(ctx context.Context) ([]domain.TickFrame, error)
	Close() error
}

// NewHTTP1Client forces HTTP/1.1 so the WebSocket upgrade handshake isn't
// negotiated away by a front door that prefers HTTP/2 via ALPN. Exported so
// sibling REST collaborators (order placement, instrument/candle fetch)
// share the same transport tuning as the websocket dialer.
func NewHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
			ForceAttemptHTTP2: false,
		},
	}
}

// KiteTransport is the production Transport: a single nhooyr.io/websocket
// connection to the Kite ticker endpoint.
type KiteTransport struct {
	url        string
	apiKey     string
	accessTok  string
	writeWait  time.Duration
	httpClient *http.Client
	conn       *websocket.Conn
}

// NewKiteTransport constructs a Transport for one physical connection.
// Each BrokerConnection in the pool owns its own KiteTransport instance so
// connections can independently dial, fail, and reconnect. writeWait bounds
// each subscribe/unsubscribe wire write; <= 0 falls back to 10s.
func NewKiteTransport(baseURL, apiKey, accessToken string, writeWait time.Duration) *KiteTransport {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &KiteTransport{
		url:        baseURL,
		apiKey:     apiKey,
		accessTok:  accessToken,
		writeWait:  writeWait,
		httpClient: NewHTTP1Client(),
	}
}

func (t *KiteTransport) Dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	wsURL := t.url + "?api_key=" + t.apiKey + "&access_token=" + t.accessTok
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPClient: t.httpClient})
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *KiteTransport) Subscribe(ctx context.Context, tokens []int64, mode domain.SubscriptionMode) error {
	writeCtx, cancel := context.WithTimeout(ctx, t.writeWait)
	defer cancel()
	msg := kiteSubscribeMessage(tokens, mode)
	return t.conn.Write(writeCtx, websocket.MessageText, msg)
}

func (t *KiteTransport) Unsubscribe(ctx context.Context, tokens []int64) error {
	writeCtx, cancel := context.WithTimeout(ctx, t.writeWait)
	defer cancel()
	msg := kiteUnsubscribeMessage(tokens)
	return t.conn.Write(writeCtx, websocket.MessageText, msg)
}

func (t *KiteTransport) ReadTick(ctx context.Context) ([]domain.TickFrame, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return decodeKiteTicks(data)
}

func (t *KiteTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
