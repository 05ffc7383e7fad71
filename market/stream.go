package market

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flowbot/logger"
)

const reconnectDelay = 3 * time.Second

// streamSink receives parsed public-stream events. Implemented by Engine.
type streamSink interface {
	onBookSnapshot(bids, asks []Level)
	onBookDelta(bids, asks []Level)
	onTrade(t Trade)
	onLiquidation(l Liquidation)
}

// Stream is a reconnecting consumer of the Bybit v5 public WebSocket for a
// single symbol: orderbook depth, public trades and liquidations.
type Stream struct {
	url    string
	symbol string
	sink   streamSink

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// NewStream creates a stream client. Start must be called to connect.
func NewStream(url, symbol string, sink streamSink) *Stream {
	return &Stream{
		url:    url,
		symbol: symbol,
		sink:   sink,
		done:   make(chan struct{}),
	}
}

// Start launches the consume loop. Reconnects with a fixed delay until Close.
func (s *Stream) Start() {
	go s.run()
}

// Close stops the consume loop and closes the connection.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Stream) run() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.connectAndConsume(); err != nil {
			logger.Warnf("market stream disconnected: %v, reconnecting in %s", err, reconnectDelay)
		}

		select {
		case <-s.done:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Stream) connectAndConsume() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	sub := map[string]interface{}{
		"op": "subscribe",
		"args": []string{
			"orderbook.50." + s.symbol,
			"publicTrade." + s.symbol,
			"liquidation." + s.symbol,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}
	logger.Infof("market stream connected: %s", s.symbol)

	// Bybit expects an application-level ping every 20s
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				s.mu.Lock()
				c := s.conn
				s.mu.Unlock()
				if c != nil {
					c.WriteJSON(map[string]string{"op": "ping"})
				}
			}
		}
	}()

	for {
		select {
		case <-s.done:
			conn.Close()
			return nil
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}
		s.handleMessage(message)
	}
}

type streamMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

func (s *Stream) handleMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Topic == "" {
		return
	}
	switch {
	case hasPrefix(msg.Topic, "orderbook"):
		s.handleOrderbook(&msg)
	case hasPrefix(msg.Topic, "publicTrade"):
		s.handleTrades(msg.Data)
	case hasPrefix(msg.Topic, "liquidation"):
		s.handleLiquidation(msg.Data)
	}
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

type bookPayload struct {
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
}

func (s *Stream) handleOrderbook(msg *streamMessage) {
	var data bookPayload
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	bids := parseLevels(data.Bids)
	asks := parseLevels(data.Asks)
	if msg.Type == "snapshot" {
		s.sink.onBookSnapshot(bids, asks)
	} else {
		s.sink.onBookDelta(bids, asks)
	}
}

func parseLevels(raw [][]string) []Level {
	out := make([]Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		p, err1 := strconv.ParseFloat(pair[0], 64)
		sz, err2 := strconv.ParseFloat(pair[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Level{Price: p, Size: sz})
	}
	return out
}

type tradePayload struct {
	Time  int64  `json:"T"`
	Side  string `json:"S"`
	Qty   string `json:"v"`
	Price string `json:"p"`
}

func (s *Stream) handleTrades(data json.RawMessage) {
	var list []tradePayload
	if err := json.Unmarshal(data, &list); err != nil {
		return
	}
	for _, d := range list {
		qty, _ := strconv.ParseFloat(d.Qty, 64)
		price, _ := strconv.ParseFloat(d.Price, 64)
		if qty <= 0 || price <= 0 {
			continue
		}
		s.sink.onTrade(Trade{Time: d.Time, Side: d.Side, Qty: qty, Price: price})
	}
}

type liqPayload struct {
	Time  int64  `json:"updatedTime"`
	Side  string `json:"side"`
	Size  string `json:"size"`
	Price string `json:"price"`
}

func (s *Stream) handleLiquidation(data json.RawMessage) {
	// data arrives as a single object; coerce parse failures to a no-op
	var d liqPayload
	if err := json.Unmarshal(data, &d); err != nil {
		return
	}
	qty, _ := strconv.ParseFloat(d.Size, 64)
	price, _ := strconv.ParseFloat(d.Price, 64)
	if qty <= 0 || price <= 0 {
		return
	}
	s.sink.onLiquidation(Liquidation{Time: d.Time, Side: d.Side, Qty: qty, Price: price})
}
