package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blueapplecc-ppp/tts-vocl/internal/provider/frame"
)

// Transport is the bidirectional byte-frame connection a Provider Session
// drives. It is implemented by wsTransport (gorilla/websocket) in
// production and by a fake in tests.
type Transport interface {
	WriteFrame(ctx context.Context, f frame.Frame) error
	ReadFrame(ctx context.Context) (frame.Frame, error)
	Close() error
}

// Dialer opens a Transport given connect-time credentials. Production
// wiring uses DialWebsocket; tests inject a fake.
type Dialer func(ctx context.Context, connectTimeout time.Duration) (Transport, error)

// Credentials are the static per-deployment secrets used to authenticate
// the bidi connection. The per-session nonce is passed to DialWebsocket
// separately.
type Credentials struct {
	AppID       string
	AccessToken string
}

// DialWebsocket opens a gorilla/websocket connection to addr, deriving
// authentication headers from creds and nonce.
func DialWebsocket(addr string, creds Credentials, nonce string) Dialer {
	return func(ctx context.Context, connectTimeout time.Duration) (Transport, error) {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		header := http.Header{}
		header.Set("AppId", creds.AppID)
		header.Set("AccessToken", creds.AccessToken)
		header.Set("X-Request-Nonce", nonce)

		dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
		conn, _, err := dialer.DialContext(dialCtx, addr, header)
		if err != nil {
			return nil, err
		}

		return &wsTransport{conn: conn}, nil
	}
}

// wsTransport adapts a *websocket.Conn to Transport, encoding/decoding the
// provider's binary frame header around each message.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(ctx context.Context, f frame.Frame) error {
	wire, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, wire)
}

func (t *wsTransport) ReadFrame(ctx context.Context) (frame.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return frame.Frame{}, err
		}
		if msgType != websocket.BinaryMessage {
			// Control/text frames (pings, keepalives) carry no payload
			// for this protocol; keep reading for the next binary frame.
			continue
		}
		return frame.Decode(data)
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
