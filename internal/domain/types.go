// Package domain holds the data types shared across the market-data
// pipeline: instruments, subscriptions, ticks, and the derived snapshots
// produced by the processor and Greeks engine.
package domain

import "time"

// Segment classifies an instrument's market segment. It discriminates the
// tagged-union-shaped tick types below in place of any dynamic dispatch.
type Segment string

const (
	SegmentIndex   Segment = "index"
	SegmentFutures Segment = "futures"
	SegmentOptions Segment = "options"
	SegmentEquity  Segment = "equity"
)

// IsUnderlying reports whether this segment is treated as an underlying
// (index/futures/equity) rather than a derivative priced off one.
func (s Segment) IsUnderlying() bool {
	return s == SegmentIndex || s == SegmentFutures || s == SegmentEquity
}

// OptionType is CE, PE, or none for non-option instruments.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
	OptionTypeNone OptionType = ""
)

// SubscriptionMode is the broker tick verbosity requested for an instrument.
type SubscriptionMode string

const (
	ModeLTP   SubscriptionMode = "ltp"
	ModeQuote SubscriptionMode = "quote"
	ModeFull  SubscriptionMode = "full"
)

// SubscriptionStatus is the lifecycle state of a Subscription row.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// Instrument is the immutable-per-day identity and contract metadata for a
// single tradable token. Owned by InstrumentRegistry; refreshed wholesale,
// never mutated field-by-field.
type Instrument struct {
	InstrumentToken  int64
	Exchange         string
	TradingSymbol    string
	Segment          Segment
	Expiry           *time.Time // nil for non-derivatives
	Strike           float64    // options only
	OptionType       OptionType
	LotSize          int
	TickSize         float64
	UnderlyingSymbol string
}

// IsExpired reports whether this instrument's contract has lapsed as of the
// given market date (derivatives only; always false for non-derivatives).
func (i Instrument) IsExpired(marketDate time.Time) bool {
	if i.Expiry == nil {
		return false
	}
	return i.Expiry.Before(marketDate)
}

// Subscription is the persistent record of which instruments should be
// streamed and which account has been assigned to stream them. Exactly one
// row exists per InstrumentToken.
type Subscription struct {
	InstrumentToken   int64
	RequestedMode     SubscriptionMode
	Status            SubscriptionStatus
	AssignedAccountID string // empty until the orchestrator assigns it
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DepthLevel is one side of one level of market depth.
type DepthLevel struct {
	Price  float64 `json:"price"`
	Qty    int64   `json:"qty"`
	Orders int     `json:"orders"`
}

// MarketDepth is the five-level bid/ask ladder. Unfilled levels are left at
// their zero value rather than omitted, so downstream consumers always see
// exactly five entries per side.
type MarketDepth struct {
	Bids [5]DepthLevel `json:"bids"`
	Asks [5]DepthLevel `json:"asks"`
}

// TickFrame is a raw broker tick, transient: it lives only from the
// websocket read until the processor has routed it into an UnderlyingBar or
// OptionSnapshot.
type TickFrame struct {
	InstrumentToken int64
	LastPrice       float64
	Volume          int64
	OI              int64
	Timestamp       time.Time
	Depth           *MarketDepth // nil when mode doesn't carry depth
	HasOI           bool
}

// UnderlyingBar is the window-aggregated view of an underlying (index,
// futures, or equity) tick, produced by the processor and consumed by the
// batcher.
type UnderlyingBar struct {
	Symbol    string
	LastPrice float64
	Volume    int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Timestamp time.Time
}

// OHLC is the optional open/high/low/close block of the underlying wire
// payload; present only when the processor has aggregated a non-trivial
// window rather than a single print.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// UnderlyingBarPayload is the wire shape published on the
// "ticker:<prefix>:underlying" channel: snake_case keys and an
// integer epoch-millisecond timestamp rather than Go's default RFC3339
// string encoding of UnderlyingBar itself.
type UnderlyingBarPayload struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"last_price"`
	Volume      int64   `json:"volume"`
	OHLC        *OHLC   `json:"ohlc,omitempty"`
	TimestampMS int64   `json:"timestamp_ms"`
}

// Payload converts b into its wire shape. OHLC is omitted when the bar
// carries no aggregated range (all four fields zero), which is the case
// whenever the processor emits a single print rather than a window.
func (b UnderlyingBar) Payload() UnderlyingBarPayload {
	p := UnderlyingBarPayload{
		Symbol:      b.Symbol,
		LastPrice:   b.LastPrice,
		Volume:      b.Volume,
		TimestampMS: b.Timestamp.UnixMilli(),
	}
	if b.Open != 0 || b.High != 0 || b.Low != 0 || b.Close != 0 {
		p.OHLC = &OHLC{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}
	}
	return p
}

// OptionSnapshot is an enriched option tick: the raw fields plus contract
// metadata and, when computable, Greeks. GreeksOK is false whenever Greeks
// enrichment was skipped (missing underlying, non-convergent IV, or price
// below intrinsic) — the snapshot is still emitted, just without Greeks.
type OptionSnapshot struct {
	InstrumentToken  int64
	TradingSymbol    string
	UnderlyingSymbol string
	Strike           float64
	OptionType       OptionType
	Expiry           time.Time
	LastPrice        float64
	Volume           int64
	OI               int64
	Spot             float64
	Depth            MarketDepth
	Timestamp        time.Time

	GreeksOK bool
	IV       float64
	Delta    float64
	Gamma    float64
	Theta    float64
	Vega     float64
}

// OptionSnapshotPayload is the wire shape published on the
// "ticker:<prefix>:options" channel. The Greeks fields are
// pointers so they're omitted entirely — not merely zeroed — whenever
// GreeksOK was false; GreeksOK itself never reaches the wire.
type OptionSnapshotPayload struct {
	InstrumentToken  int64       `json:"instrument_token"`
	TradingSymbol    string      `json:"trading_symbol"`
	UnderlyingSymbol string      `json:"underlying_symbol"`
	Strike           float64     `json:"strike"`
	OptionType       OptionType  `json:"option_type"`
	ExpiryISO        string      `json:"expiry_iso"`
	LastPrice        float64     `json:"last_price"`
	Volume           int64       `json:"volume"`
	OI               int64       `json:"oi"`
	IV               *float64    `json:"iv,omitempty"`
	Delta            *float64    `json:"delta,omitempty"`
	Gamma            *float64    `json:"gamma,omitempty"`
	Theta            *float64    `json:"theta,omitempty"`
	Vega             *float64    `json:"vega,omitempty"`
	Depth            MarketDepth `json:"depth"`
	TimestampMS      int64       `json:"timestamp_ms"`
}

// Payload converts s into its wire shape, dropping GreeksOK and omitting
// the Greeks block entirely when it is false.
func (s OptionSnapshot) Payload() OptionSnapshotPayload {
	p := OptionSnapshotPayload{
		InstrumentToken:  s.InstrumentToken,
		TradingSymbol:    s.TradingSymbol,
		UnderlyingSymbol: s.UnderlyingSymbol,
		Strike:           s.Strike,
		OptionType:       s.OptionType,
		ExpiryISO:        s.Expiry.Format("2006-01-02"),
		LastPrice:        s.LastPrice,
		Volume:           s.Volume,
		OI:               s.OI,
		Depth:            s.Depth,
		TimestampMS:      s.Timestamp.UnixMilli(),
	}
	if s.GreeksOK {
		iv, delta, gamma, theta, vega := s.IV, s.Delta, s.Gamma, s.Theta, s.Vega
		p.IV, p.Delta, p.Gamma, p.Theta, p.Vega = &iv, &delta, &gamma, &theta, &vega
	}
	return p
}

// AccountAssignment maps an account to the ordered instruments it is
// responsible for streaming, rebuilt whenever the subscription set or the
// healthy-account set changes.
type AccountAssignment struct {
	AccountID   string
	Instruments []Instrument
}

// OrderOperation is the action an OrderTask performs against the broker.
type OrderOperation string

const (
	OrderPlace  OrderOperation = "place"
	OrderModify OrderOperation = "modify"
	OrderCancel OrderOperation = "cancel"
	OrderExit   OrderOperation = "exit"
)

// OrderTaskStatus is the OrderExecutor state-machine position of a task.
type OrderTaskStatus string

const (
	OrderStatusPending    OrderTaskStatus = "pending"
	OrderStatusRunning    OrderTaskStatus = "running"
	OrderStatusCompleted  OrderTaskStatus = "completed"
	OrderStatusFailed     OrderTaskStatus = "failed"
	OrderStatusDeadLetter OrderTaskStatus = "dead_letter"
)

// OrderTask is one durable unit of order-execution work.
type OrderTask struct {
	ID             string
	Operation      OrderOperation
	Params         map[string]any
	AccountID      string
	IdempotencyKey string
	Status         OrderTaskStatus
	AttemptCount   int
	MaxAttempts    int
	LastError      string
	Result         string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubscriptionEventType names one of the three lifecycle transitions a
// subscription can broadcast on the events channel.
type SubscriptionEventType string

const (
	SubscriptionCreated    SubscriptionEventType = "subscription_created"
	SubscriptionRemoved    SubscriptionEventType = "subscription_removed"
	SubscriptionReassigned SubscriptionEventType = "subscription_reassigned"
)

// SubscriptionEvent is the payload published on the events channel whenever
// the orchestrator's reconcile/reload pass changes an instrument's account
// assignment, published fire-and-forget alongside the tick streams.
type SubscriptionEvent struct {
	EventType       SubscriptionEventType `json:"event_type"`
	InstrumentToken int64                 `json:"instrument_token"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
	TimestampMS     int64                 `json:"timestamp_ms"`
}

// IsTerminal reports whether this task has reached a state the executor
// will no longer act on.
func (t OrderTask) IsTerminal() bool {
	return t.Status == OrderStatusCompleted || t.Status == OrderStatusDeadLetter
}
