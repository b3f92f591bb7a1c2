package comfy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// EventSource yields decoded events one at a time.
type EventSource interface {
	// Next blocks until the next event. Binary frames are skipped.
	Next() (Event, error)
	// Close releases the source and unblocks a pending Next. Idempotent.
	Close() error
}

// Stream is one websocket connection to the service's event endpoint. It
// must not be read from more than one goroutine; Close may be called from
// any goroutine.
type Stream struct {
	conn      *websocket.Conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// DialOption customises the websocket handshake.
type DialOption func(*dialOptions)

type dialOptions struct {
	dialer websocket.Dialer
	header http.Header
}

// WithHandshakeTimeout bounds the opening handshake.
func WithHandshakeTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.dialer.HandshakeTimeout = d }
}

// WithHeader adds request headers to the handshake.
func WithHeader(h http.Header) DialOption {
	return func(o *dialOptions) { o.header = h }
}

// Dial opens the event stream at streamURL, which must already carry the
// clientId query parameter.
func Dial(ctx context.Context, streamURL string, opts ...DialOption) (*Stream, error) {
	o := dialOptions{dialer: *websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}

	conn, resp, err := o.dialer.DialContext(ctx, streamURL, o.header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %v (status %d)", ErrConnectionFailed, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, classifyError(err))
	}

	return &Stream{conn: conn}, nil
}

// Next returns the next text frame as an Event. A close frame from the peer
// yields ErrEndOfStream; any other failure yields ErrStreamReadFailed. After
// an error the stream is unusable.
func (s *Stream) Next() (Event, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return nil, fmt.Errorf("%w: %w", ErrStreamReadFailed, ErrStreamClosed)
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, fmt.Errorf("%w: %v", ErrEndOfStream, closeErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrStreamReadFailed, err)
		}

		// Binary frames carry preview images and are irrelevant here.
		if kind != websocket.TextMessage {
			continue
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStreamReadFailed, err)
		}
		return ev, nil
	}
}

// Close sends a close frame and tears down the connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

var _ EventSource = (*Stream)(nil)
