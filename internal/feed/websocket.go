package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/tidwall/gjson"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsReadTimeout      = 90 * time.Second
)

type frame struct {
	data []byte
	err  error
}

// WebSocketFeed subscribes to a block stream. After connecting it sends
// {"method":"subscribe","params":{"fromBlock":N}} where N follows the last
// committed block. Frames are either a block object or a JSON-RPC
// notification carrying the block in params.result.
type WebSocketFeed struct {
	url    string
	dialer websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	frames    chan frame
	stop      chan struct{}
	committed uint64
	delivered uint64
	closed    bool
}

// NewWebSocketFeed creates a feed that connects lazily on the first Next.
func NewWebSocketFeed(url string, from uint64) *WebSocketFeed {
	f := &WebSocketFeed{
		url:    url,
		dialer: websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
	}
	if from > 0 {
		f.committed = from - 1
		f.delivered = from - 1
	}
	return f
}

// Next returns the next block. A dropped connection yields a transient
// error; the following call reconnects and resubscribes from the last
// committed block.
func (f *WebSocketFeed) Next(ctx context.Context) (*domain.Block, error) {
	frames, err := f.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case fr := <-frames:
			if fr.err != nil {
				f.disconnect()
				return nil, &domain.TransientFeedError{Source: "websocket", Err: fr.err}
			}
			block, err := f.route(fr.data)
			if err != nil {
				return nil, err
			}
			if block == nil {
				continue
			}

			f.mu.Lock()
			stale := block.Number <= f.delivered
			if !stale {
				f.delivered = block.Number
			}
			f.mu.Unlock()
			if stale {
				// replayed after a resubscribe
				continue
			}
			return block, nil
		}
	}
}

// route extracts a block from a frame. Control frames yield nil.
func (f *WebSocketFeed) route(data []byte) (*domain.Block, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: websocket frame is not JSON", domain.ErrMalformedRecord)
	}
	msg := gjson.ParseBytes(data)

	switch {
	case msg.Get("error").Exists():
		return nil, &domain.TransientFeedError{Source: "websocket", Err: fmt.Errorf("server error: %s", msg.Get("error").Raw)}
	case msg.Get("method").String() == "subscription" || msg.Get("method").String() == "eth_subscription":
		return DecodeBlock([]byte(msg.Get("params.result").Raw))
	case msg.Get("number").Exists():
		return DecodeBlock(data)
	default:
		slog.Debug("websocket control frame", "frame", msg.Raw)
		return nil, nil
	}
}

func (f *WebSocketFeed) ensureConnected(ctx context.Context) (<-chan frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFeedClosed
	}
	if f.conn != nil {
		return f.frames, nil
	}

	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, &domain.TransientFeedError{Source: "websocket", Err: err}
	}

	sub := map[string]any{
		"method": "subscribe",
		"params": map[string]any{"fromBlock": f.committed + 1},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, &domain.TransientFeedError{Source: "websocket", Err: err}
	}

	// resume from the last committed block
	f.delivered = f.committed
	f.conn = conn
	f.frames = make(chan frame)
	f.stop = make(chan struct{})
	go readFrames(conn, f.frames, f.stop)

	slog.Info("websocket feed connected", "url", f.url, "from_block", f.committed+1)
	return f.frames, nil
}

func readFrames(conn *websocket.Conn, out chan<- frame, stop <-chan struct{}) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		fr := frame{data: data, err: err}
		select {
		case out <- fr:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (f *WebSocketFeed) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeConn()
}

func (f *WebSocketFeed) closeConn() error {
	if f.conn == nil {
		return nil
	}
	close(f.stop)
	err := f.conn.Close()
	f.conn = nil
	return err
}

// Commit records the last processed block.
func (f *WebSocketFeed) Commit(ctx context.Context, blockNumber uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if blockNumber > f.committed {
		f.committed = blockNumber
	}
	return nil
}

// Close closes the connection.
func (f *WebSocketFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeConn()
}
