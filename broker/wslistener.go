package broker

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/axmq/ax/network"
)

// wsListener serves MQTT over WebSocket (MQTT 3.1.1 §6 / 5.0 §6, the "mqtt"
// subprotocol) for the "ws"/"wss" listener protocols. It runs an HTTP server
// and upgrades every request via nhooyr.io/websocket, then wraps the result
// as a net.Conn and feeds it through the same ConnectionHandler the plain
// TCP/TLS network.Listener uses, so connection.serve() never has to know
// whether it is reading a raw socket or a WebSocket frame stream.
type wsListener struct {
	addr    string
	path    string
	tlsCfg  *tls.Config
	server  *http.Server
	handler network.ConnectionHandler

	seq atomic.Uint64
}

func newWSListener(addr, path string, tlsCfg *tls.Config) *wsListener {
	if path == "" {
		path = "/"
	}
	return &wsListener{addr: addr, path: path, tlsCfg: tlsCfg}
}

func (l *wsListener) OnConnection(h network.ConnectionHandler) {
	l.handler = h
}

func (l *wsListener) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.upgrade)

	l.server = &http.Server{Addr: l.addr, Handler: mux, TLSConfig: l.tlsCfg}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("ws listener: %w", err)
	}

	go func() {
		if l.tlsCfg != nil {
			_ = l.server.ServeTLS(ln, "", "")
			return
		}
		_ = l.server.Serve(ln)
	}()
	return nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"mqtt"},
	})
	if err != nil {
		return
	}

	netConn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)
	id := fmt.Sprintf("ws-%d", l.seq.Add(1))
	conn := network.NewConnection(netConn, id, &network.ConnectionConfig{TLSConfig: l.tlsCfg})

	if l.handler == nil {
		_ = conn.Close()
		return
	}
	_ = l.handler(conn)
}

func (l *wsListener) Close() error {
	if l.server == nil {
		return nil
	}
	return l.server.Close()
}
