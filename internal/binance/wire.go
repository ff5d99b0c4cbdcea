// File: internal/binance/wire.go
package binance

import (
	"encoding/json"
	"strconv"
	"strings"
)

// command is the subscribe/unsubscribe request shape of the combined
// stream endpoint.
type command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// ack is the server's reply to a command. Result is null on success; a
// rejection carries the error member instead.
type ack struct {
	Result json.RawMessage `json:"result"`
	Error  *commandError   `json:"error"`
	ID     int             `json:"id"`
}

type commandError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// streamFrame wraps every combined-stream push with its stream identifier.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent is the kline channel payload. All numeric fields arrive as
// provider-native text.
type klineEvent struct {
	Event  string       `json:"e"`
	Time   int64        `json:"E"`
	Symbol string       `json:"s"`
	Kline  klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime    int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	BaseVolume  string `json:"v"`
	QuoteVolume string `json:"q"`
	Final       bool   `json:"x"`
}

// Kline is the decoded, typed sample event handed to consumers.
type Kline struct {
	Symbol      string
	OpenTime    int64
	CloseTime   int64
	Close       float64
	BaseVolume  float64
	QuoteVolume float64
	Final       bool
	EventTime   int64
}

// StreamName returns the kline stream identifier for a symbol, e.g.
// "btcusdt@kline_1m".
func StreamName(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// parseFloat parses a provider-native decimal string. Missing or blank
// fields resolve to the fallback rather than failing the whole frame.
func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
