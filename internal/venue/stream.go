// stream.go implements the authenticated websocket account stream.
//
// A Stream is one connection carrying balance events for one account. Run
// reads until the connection drops and then returns; the feed layer owns
// reconnection and the fallback to polling, so no backoff happens here.
// A read deadline ensures silent server failures are detected within ~2
// missed pings.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers disconnect
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	balanceBufferLen = 64               // buffer for balance events
)

// BalanceEvent is one account-balance observation from the stream.
type BalanceEvent struct {
	Balance   decimal.Decimal
	Timestamp time.Time
}

// Stream manages a single authenticated websocket connection.
type Stream struct {
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes

	balanceCh chan BalanceEvent
	logger    *slog.Logger
}

type streamSubscribe struct {
	Op        string `json:"op"`
	Channel   string `json:"channel"`
	APIKey    string `json:"apiKey"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// openStream dials the venue websocket and subscribes to the account channel.
func openStream(ctx context.Context, wsURL string, signer *Signer, creds Credentials, logger *slog.Logger) (*Stream, error) {
	if wsURL == "" {
		return nil, fmt.Errorf("venue has no websocket endpoint")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, wrapTransport(fmt.Errorf("dial: %w", err))
	}

	s := &Stream{
		conn:      conn,
		balanceCh: make(chan BalanceEvent, balanceBufferLen),
		logger:    logger,
	}

	sig, nonce := signer.Sign(creds, "GET", "/ws/account", "")
	sub := streamSubscribe{
		Op:        "subscribe",
		Channel:   "account",
		APIKey:    creds.APIKey,
		Nonce:     strconv.FormatInt(nonce, 10),
		Signature: sig,
	}
	if err := s.writeJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("account stream connected")
	return s, nil
}

// OpenStream connects the futures account stream.
func (f *Futures) OpenStream(ctx context.Context, creds Credentials) (*Stream, error) {
	return openStream(ctx, f.wsURL, f.signer, creds, f.logger)
}

// OpenStream connects the spot account stream.
func (s *Spot) OpenStream(ctx context.Context, creds Credentials) (*Stream, error) {
	return openStream(ctx, s.wsURL, s.signer, creds, s.logger)
}

// Balances returns a read-only channel of balance events.
func (s *Stream) Balances() <-chan BalanceEvent { return s.balanceCh }

// Run reads messages until ctx is cancelled or the connection drops.
// The balance channel is closed on return.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.balanceCh)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return wrapTransport(fmt.Errorf("read: %w", err))
		}

		s.dispatchMessage(msg)
	}
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.Close()
}

func (s *Stream) dispatchMessage(data []byte) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Event {
	case "balance":
		var evt struct {
			Balance   decimal.Decimal `json:"balance"`
			Timestamp int64           `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal balance event", "error", err)
			return
		}
		out := BalanceEvent{
			Balance:   evt.Balance,
			Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
		}
		select {
		case s.balanceCh <- out:
		default:
			s.logger.Warn("balance channel full, dropping event")
		}

	case "subscribed", "pong", "heartbeat":
		s.logger.Debug("ignoring event", "type", envelope.Event)

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.Event)
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
