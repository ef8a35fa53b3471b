package nimbus

import (
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const readBufSize = 64 * 1024

// dial opens a transport-level connection to ep, choosing a plain TCP
// socket or a WebSocket-framed one depending on Options.UseWebSocket, then
// upgrades it to TLS when Options.TLSConfig is set. It runs before INFO is
// read, so the broker's tls_required flag does not trigger an upgrade. It
// never performs the CONNECT/INFO handshake; that belongs to
// Conn.connectToEndpoint.
func dial(ep *endpoint, opts *Options) (net.Conn, error) {
	u, err := url.Parse(ep.url)
	if err != nil {
		return nil, errf(ErrInvalidArgument, "invalid endpoint url %q", ep.url)
	}

	var conn net.Conn
	if opts.UseWebSocket {
		conn, err = dialWebSocket(u, opts)
	} else {
		conn, err = net.DialTimeout("tcp", u.Host, opts.ConnectTimeout)
	}
	if err != nil {
		return nil, wrapf(ErrIO, err, "dial %s failed", ep.url)
	}

	if opts.TLSConfig != nil {
		transport := opts.SecureDialer
		if transport == nil {
			transport = defaultSecureTransport{}
		}
		conn, err = transport.Upgrade(conn, opts.TLSConfig, u.Hostname())
		if err != nil {
			return nil, err
		}
	}

	return conn, nil
}

func dialWebSocket(u *url.URL, opts *Options) (net.Conn, error) {
	scheme := "ws"
	if opts.TLSConfig != nil {
		scheme = "wss"
	}
	wsURL := url.URL{Scheme: scheme, Host: u.Host, Path: "/"}

	dialer := websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout}
	wc, _, err := dialer.Dial(wsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(wc), nil
}

// wsConn adapts a *websocket.Conn (message-framed) to net.Conn (byte
// stream), which is what the shared parser/write-queue plumbing expects.
// Each binary WebSocket message is treated as a chunk of the byte stream;
// a partial Read drains the current message before asking for the next.
type wsConn struct {
	ws      *websocket.Conn
	pending []byte
}

func newWSConn(ws *websocket.Conn) *wsConn { return &wsConn{ws: ws} }

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error      { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.UnderlyingConn().SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.UnderlyingConn().SetWriteDeadline(t) }
