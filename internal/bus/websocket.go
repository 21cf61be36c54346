package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsEndpoint is an Endpoint over a WebSocket connection. Text frames carry
// the Message envelope. The read loop dispatches inbound events one at a
// time, same as the local endpoint.
type wsEndpoint struct {
	*handlerSet
	conn    net.Conn
	state   ws.State
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	closeMu sync.Mutex
	onClose []func()
}

func newWSEndpoint(conn net.Conn, state ws.State) *wsEndpoint {
	e := &wsEndpoint{
		handlerSet: newHandlerSet(),
		conn:       conn,
		state:      state,
		done:       make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// Dial connects to a WebSocket bus listener and returns the client-side
// endpoint.
func Dial(ctx context.Context, url string) (Endpoint, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", url, err)
	}
	return newWSEndpoint(conn, ws.StateClientSide), nil
}

func (e *wsEndpoint) Send(event string, payload any) error {
	select {
	case <-e.done:
		return fmt.Errorf("bus: endpoint closed")
	default:
	}

	p, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", event, err)
	}
	data, err := json.Marshal(Message{Event: event, Payload: p})
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.state == ws.StateClientSide {
		err = wsutil.WriteClientText(e.conn, data)
	} else {
		err = wsutil.WriteServerText(e.conn, data)
	}
	if err != nil {
		return fmt.Errorf("bus: write %s: %w", event, err)
	}
	return nil
}

func (e *wsEndpoint) Subscribe(event string, h Handler) func() {
	return e.subscribe(event, h)
}

// OnClose registers fn to run once when the endpoint shuts down, whether
// locally or because the peer went away.
func (e *wsEndpoint) OnClose(fn func()) {
	e.closeMu.Lock()
	e.onClose = append(e.onClose, fn)
	e.closeMu.Unlock()
}

func (e *wsEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.conn.Close()
		e.closeMu.Lock()
		fns := e.onClose
		e.closeMu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
	return nil
}

func (e *wsEndpoint) readLoop() {
	for {
		var data []byte
		var err error
		if e.state == ws.StateClientSide {
			data, err = wsutil.ReadServerText(e.conn)
		} else {
			data, err = wsutil.ReadClientText(e.conn)
		}
		if err != nil {
			slog.Debug("bus: read loop exit", "error", err)
			_ = e.Close()
			return
		}

		var msg Message
		if json.Unmarshal(data, &msg) != nil || msg.Event == "" {
			continue
		}
		e.dispatch(msg)
	}
}

// Listener accepts WebSocket bus peers over HTTP. Each accepted connection
// is handed to the connect callback as a server-side endpoint.
type Listener struct {
	onConnect func(Endpoint)
}

// NewListener creates a Listener delivering accepted endpoints to onConnect.
func NewListener(onConnect func(Endpoint)) *Listener {
	return &Listener{onConnect: onConnect}
}

// ServeHTTP upgrades the request and starts the endpoint's read loop.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("bus: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("bus: peer connected", "remote", r.RemoteAddr)
	e := newWSEndpoint(conn, ws.StateServerSide)
	e.OnClose(func() {
		slog.Info("bus: peer disconnected", "remote", r.RemoteAddr)
	})
	l.onConnect(e)
}
