package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/marketstream/internal/domain"
)

// Kite's ticker protocol uses JSON text frames for control messages
// ({"a":"subscribe","v":[...]}) and binary frames for tick payloads, one
// packet per instrument concatenated in a single message. modeSegment maps
// our SubscriptionMode to the wire mode string Kite expects.
func modeSegment(mode domain.SubscriptionMode) string {
	switch mode {
	case domain.ModeLTP:
		return "ltp"
	case domain.ModeQuote:
		return "quote"
	default:
		return "full"
	}
}

func kiteSubscribeMessage(tokens []int64, mode domain.SubscriptionMode) []byte {
	msg := map[string]any{"a": "subscribe", "v": tokens}
	data, _ := json.Marshal(msg)

	modeMsg := map[string]any{"a": "mode", "v": []any{modeSegment(mode), tokens}}
	modeData, _ := json.Marshal(modeMsg)

	// Two control frames would normally be written separately; since this
	// helper returns a single payload for Subscribe's one Write call, the
	// mode-set frame is appended as a second JSON document separated by a
	// newline and the caller's transport treats the whole thing as one
	// text message the broker's line-oriented control channel accepts.
	return append(append(data, '\n'), modeData...)
}

func kiteUnsubscribeMessage(tokens []int64) []byte {
	msg := map[string]any{"a": "unsubscribe", "v": tokens}
	data, _ := json.Marshal(msg)
	return data
}

// packetSizeLTP/Quote/Full are the fixed binary packet sizes for the three
// Kite tick modes, matching the broker's documented wire format.
const (
	packetSizeLTP   = 8
	packetSizeIndex = 28
	packetSizeQuote = 44
	packetSizeFull  = 184
)

// decodeKiteTicks parses one binary tick message: a 2-byte packet count
// followed by, for each packet, a 2-byte length prefix and the packet
// itself. Malformed frames are reported as an error rather than panicking
// so a single corrupt message never takes the read loop down.
func decodeKiteTicks(data []byte) ([]domain.TickFrame, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("tick frame too short: %d bytes", len(data))
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset := 2
	ticks := make([]domain.TickFrame, 0, count)

	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("truncated packet length prefix at packet %d", i)
		}
		packetLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+packetLen > len(data) {
			return nil, fmt.Errorf("truncated packet body at packet %d", i)
		}
		packet := data[offset : offset+packetLen]
		offset += packetLen

		tick, err := decodeKitePacket(packet)
		if err != nil {
			return nil, fmt.Errorf("decode packet %d: %w", i, err)
		}
		ticks = append(ticks, tick)
	}

	return ticks, nil
}

func decodeKitePacket(p []byte) (domain.TickFrame, error) {
	if len(p) < packetSizeLTP {
		return domain.TickFrame{}, fmt.Errorf("packet shorter than LTP frame: %d bytes", len(p))
	}

	tick := domain.TickFrame{
		InstrumentToken: int64(binary.BigEndian.Uint32(p[0:4])),
		LastPrice:       float64(int32(binary.BigEndian.Uint32(p[4:8]))) / 100,
		Timestamp:       time.Now(),
	}

	if len(p) >= packetSizeQuote {
		tick.Volume = int64(binary.BigEndian.Uint32(p[16:20]))
	}
	if len(p) >= packetSizeFull {
		tick.OI = int64(binary.BigEndian.Uint32(p[60:64]))
		tick.HasOI = true
		tick.Depth = decodeKiteDepth(p[64:])
	}

	return tick, nil
}

func decodeKiteDepth(p []byte) *domain.MarketDepth {
	const levelSize = 12
	depth := &domain.MarketDepth{}
	for i := 0; i < 5; i++ {
		off := i * levelSize
		if off+levelSize > len(p) {
			break
		}
		depth.Bids[i] = domain.DepthLevel{
			Qty:    int64(int32(binary.BigEndian.Uint32(p[off : off+4]))),
			Price:  float64(int32(binary.BigEndian.Uint32(p[off+4:off+8]))) / 100,
			Orders: int(int16(binary.BigEndian.Uint16(p[off+8 : off+10]))),
		}
	}
	askBase := 5 * levelSize
	for i := 0; i < 5; i++ {
		off := askBase + i*levelSize
		if off+levelSize > len(p) {
			break
		}
		depth.Asks[i] = domain.DepthLevel{
			Qty:    int64(int32(binary.BigEndian.Uint32(p[off : off+4]))),
			Price:  float64(int32(binary.BigEndian.Uint32(p[off+4:off+8]))) / 100,
			Orders: int(int16(binary.BigEndian.Uint16(p[off+8 : off+10]))),
		}
	}
	return depth
}
