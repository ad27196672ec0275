package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSConfig configures WebSocket feed behavior.
type WSConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// BufferSize is the number of decoded signals buffered ahead of Next.
	BufferSize int `mapstructure:"buffer_size"`
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		BufferSize:        10_000,
	}
}

// WSSource reads JSON signals from a WebSocket feed. Each text frame holds
// one RawSignal object or an array of them. The connection is re-established
// with exponential backoff and the subscribe message re-sent after every
// reconnect.
type WSSource struct {
	endpoint  string
	subscribe []byte
	config    WSConfig
	logger    *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	out  chan RawSignal
	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
	reconnects   atomic.Int64
}

// NewWSSource connects to endpoint. subscribe, when non-nil, is marshalled
// to JSON and written after each connect.
func NewWSSource(ctx context.Context, endpoint string, subscribe any, config *WSConfig, logger *zap.Logger) (*WSSource, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &WSSource{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		out:      make(chan RawSignal, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	if subscribe != nil {
		msg, err := json.Marshal(subscribe)
		if err != nil {
			return nil, fmt.Errorf("marshal subscribe message: %w", err)
		}
		s.subscribe = msg
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return s, nil
}

// connect establishes WebSocket connection and subscribes.
func (s *WSSource) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	if s.subscribe != nil {
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, s.subscribe); err != nil {
			conn.Close()
			return fmt.Errorf("write subscribe: %w", err)
		}
	}

	s.conn = conn
	return nil
}

// Next returns the next decoded raw signal. Returns ErrSourceClosed after
// Close once the buffer is drained.
func (s *WSSource) Next(ctx context.Context) (RawSignal, error) {
	select {
	case raw, ok := <-s.out:
		if !ok {
			return RawSignal{}, ErrSourceClosed
		}
		return raw, nil
	case <-ctx.Done():
		return RawSignal{}, ctx.Err()
	}
}

// Reconnects returns how many reconnects have succeeded.
func (s *WSSource) Reconnects() int64 {
	return s.reconnects.Load()
}

// Close closes the WebSocket connection.
func (s *WSSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	close(s.out)
	return nil
}

// readLoop reads frames and decodes them into the output buffer.
func (s *WSSource) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("signal feed read failed", zap.String("endpoint", s.endpoint), zap.Error(err))

			if !s.reconnecting.Swap(true) {
				go s.reconnect(conn, reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = s.config.ReconnectDelay

		if !s.handleMessage(message) {
			return
		}
	}
}

// reconnect replaces the failed connection after delay.
func (s *WSSource) reconnect(failed *websocket.Conn, delay time.Duration) {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn == failed && s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		s.logger.Warn("signal feed reconnect failed", zap.String("endpoint", s.endpoint), zap.Error(err))
		return
	}
	if s.closed.Load() {
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
		return
	}
	s.reconnects.Add(1)
	s.logger.Info("signal feed reconnected", zap.String("endpoint", s.endpoint))
}

// handleMessage decodes one frame. Returns false when the source is closing.
func (s *WSSource) handleMessage(message []byte) bool {
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) == 0 {
		return true
	}

	var raws []RawSignal
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			s.logger.Warn("undecodable signal frame", zap.Error(err))
			return true
		}
	} else {
		var raw RawSignal
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			s.logger.Warn("undecodable signal frame", zap.Error(err))
			return true
		}
		raws = append(raws, raw)
	}

	for _, raw := range raws {
		// Block until buffered; never drop decoded signals.
		select {
		case s.out <- raw:
		case <-s.done:
			return false
		}
	}
	return true
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *WSSource) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.Debug("ping failed", zap.Error(err))
				}
			}
			s.connMu.Unlock()
		}
	}
}
