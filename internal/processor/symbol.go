package processor

import "strings"

// normalizeSymbol strips an exchange-decorated prefix ("NSE:", "NFO:", ...)
// from a trading symbol, returning the bare root used to key the
// last-underlying-price table so an index quoted from two different feeds
// still lands in the same bucket.
func normalizeSymbol(raw string) string {
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		return raw[idx+1:]
	}
	return raw
}
