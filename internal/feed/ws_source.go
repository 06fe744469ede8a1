package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// WSSource reads opportunity JSON frames from an upstream WebSocket and
// hands each one to the feeder. It reconnects with a growing backoff.
type WSSource struct {
	url       string
	feeder    *Feeder
	dialer    *websocket.Dialer
	maxBackoff time.Duration
	logger    *slog.Logger
}

// NewWSSource creates a WSSource for url.
func NewWSSource(url string, feeder *Feeder, logger *slog.Logger) *WSSource {
	return &WSSource{
		url:       url,
		feeder:    feeder,
		dialer:    &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		maxBackoff: 30 * time.Second,
		logger:    logger.With(slog.String("component", "feed_ws")),
	}
}

// Run keeps a connection open until ctx is cancelled.
func (s *WSSource) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		started := time.Now()
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		s.logger.Warn("upstream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *WSSource) runConnection(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", s.url, err)
	}
	defer conn.Close()
	s.logger.Info("upstream connected", slog.String("url", s.url))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		s.feeder.HandleRaw(ctx, data)
	}
}
