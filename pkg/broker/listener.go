package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maestro-run/maestro/pkg/eventlog"
)

// Listener holds a dedicated PostgreSQL connection on LISTEN and
// forwards each notified execution id to the broker's wake channel.
// The receive loop is the sole goroutine touching the pgx connection.
type Listener struct {
	connString string
	conn       *pgx.Conn
	connMu     sync.Mutex
	wakeCh     chan<- int64

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a listener for the event notify channel.
func NewListener(connString string, wakeCh chan<- int64) *Listener {
	return &Listener{connString: connString, wakeCh: wakeCh}
}

// Start establishes the LISTEN connection and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{eventlog.NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s failed: %w", eventlog.NotifyChannel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Event listener started", "channel", eventlog.NotifyChannel)
	return nil
}

func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		id, err := strconv.ParseInt(notification.Payload, 10, 64)
		if err != nil {
			slog.Warn("Ignoring malformed notification payload", "payload", notification.Payload)
			continue
		}
		select {
		case l.wakeCh <- id:
		default:
			// Wake channel full; the poll loop covers the miss.
		}
	}
}

// reconnect re-establishes the LISTEN connection with backoff.
// Notifications missed while disconnected are covered by the broker's
// poll fallback.
func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{eventlog.NotifyChannel}.Sanitize()); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn
		slog.Info("Event listener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes
// the connection.
func (l *Listener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
