package venue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed runs one websocket connection with reconnect, resubscribe and
// keepalive. Each concrete adapter supplies the subscribe/handle/ping
// behavior; the loop shape is shared by every venue.
type Feed struct {
	URL            string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Log            *zap.Logger

	// Subscribe is invoked after every (re)connect.
	Subscribe func(ctx context.Context, conn *Conn) error
	// Handle is invoked for every raw frame. It receives the connection so
	// protocols with application-level ping (OKX, Gate) can reply inline.
	Handle func(ctx context.Context, conn *Conn, data []byte)
	// Ping, when set, is invoked every PingInterval on the live connection.
	Ping func(ctx context.Context, conn *Conn) error
	// OnDisconnect is invoked whenever the read loop fails and a reconnect
	// is scheduled.
	OnDisconnect func(err error)
}

type Conn struct {
	ws *websocket.Conn
}

func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) WriteText(ctx context.Context, s string) error {
	return c.ws.Write(ctx, websocket.MessageText, []byte(s))
}

// Run blocks until ctx is cancelled. Transport failures are reported through
// OnDisconnect and followed by a delayed reconnect; they are never returned.
func (f *Feed) Run(ctx context.Context) error {
	if f.URL == "" {
		return errors.New("feed url is required")
	}
	delay := f.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	for {
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.OnDisconnect != nil {
			f.OnDisconnect(err)
		}
		f.logDisconnect(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, f.URL, nil)
	if err != nil {
		return err
	}
	conn := &Conn{ws: ws}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "reset")
	}()
	if f.Subscribe != nil {
		if err := f.Subscribe(ctx, conn); err != nil {
			return err
		}
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		f.pingLoop(pingCtx, conn)
	}()
	err = f.readLoop(ctx, conn)
	cancel()
	<-pingDone
	return err
}

func (f *Feed) readLoop(ctx context.Context, conn *Conn) error {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return err
		}
		if f.Handle != nil {
			f.Handle(ctx, conn, data)
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *Conn) {
	if f.Ping == nil || f.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(f.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Ping(ctx, conn); err != nil {
				return
			}
		}
	}
}

func (f *Feed) logDisconnect(err error) {
	if f.Log == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		f.Log.Info("feed read loop ended", zap.Error(err))
		return
	}
	f.Log.Warn("feed read loop ended", zap.Error(err))
}
