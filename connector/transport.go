package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/guseggert/evalclient/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

// endpoint is where the current eval server lives and how to authenticate to it.
type endpoint struct {
	uri   string
	token string
}

// transport sends one encoded request to the eval server and returns its response.
// Every failure it returns wraps ErrDeadServer.
// A connector picks one transport at construction and keeps it for its lifetime.
type transport interface {
	send(ctx context.Context, ep endpoint, body []byte) (*protocol.Response, error)
	close() error
}

func decodeResponse(b []byte) (*protocol.Response, error) {
	var resp protocol.Response
	err := protocol.Unmarshal(b, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrDeadServer, err)
	}
	return &resp, nil
}

// oneShotTransport issues an independent PUT per request.
type oneShotTransport struct {
	put *putter
	log *zap.SugaredLogger
}

func (t *oneShotTransport) send(ctx context.Context, ep endpoint, body []byte) (*protocol.Response, error) {
	if ep.uri == "" {
		return nil, fmt.Errorf("%w: no eval server endpoint", ErrDeadServer)
	}
	t.log.Debugw("sending request", "URL", ep.uri)
	b, err := t.put.put(ctx, ep.uri, ep.token, body)
	if err != nil {
		t.log.Debugf("request rejected: %s", err)
		return nil, fmt.Errorf("%w: %w", ErrDeadServer, err)
	}
	return decodeResponse(b)
}

func (t *oneShotTransport) close() error { return nil }

// persistentTransport exchanges requests and responses over a WebSocket.
// The socket is kept open between requests and is re-dialed when it fails or when the endpoint changes.
// Sends must not run concurrently; the connector guarantees that.
type persistentTransport struct {
	httpClient *http.Client
	log        *zap.SugaredLogger

	mut     sync.Mutex
	conn    *websocket.Conn
	connURI string
}

// connect dials the endpoint and stores the connection.
func (t *persistentTransport) connect(ctx context.Context, ep endpoint) (*websocket.Conn, error) {
	if ep.uri == "" {
		return nil, fmt.Errorf("%w: no eval server endpoint", ErrDeadServer)
	}

	header := http.Header{}
	if ep.token != "" {
		header.Set("Authorization", "Bearer "+ep.token)
	}

	t.log.Debugw("dialing WebSocket", "URL", ep.uri)
	conn, _, err := websocket.Dial(ctx, ep.uri, &websocket.DialOptions{
		HTTPClient:      t.httpClient,
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		t.log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrDeadServer, ep.uri, err)
	}
	conn.SetReadLimit(readLimit)
	t.log.Debug("WebSocket open")

	t.mut.Lock()
	t.conn = conn
	t.connURI = ep.uri
	t.mut.Unlock()
	return conn, nil
}

// current returns the open connection to uri, closing a connection to any other endpoint.
func (t *persistentTransport) current(uri string) *websocket.Conn {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.conn != nil && t.connURI != uri {
		t.log.Debugw("eval server changed, closing old WebSocket", "Old", t.connURI, "New", uri)
		t.closeLocked(websocket.StatusNormalClosure, "eval server replaced")
	}
	return t.conn
}

func (t *persistentTransport) send(ctx context.Context, ep endpoint, body []byte) (*protocol.Response, error) {
	conn := t.current(ep.uri)
	if conn == nil {
		c, err := t.connect(ctx, ep)
		if err != nil {
			return nil, err
		}
		conn = c
	}

	t.log.Debugw("sending request", "URL", ep.uri)
	err := conn.Write(ctx, websocket.MessageText, body)
	if err != nil {
		t.drop(conn, err)
		return nil, fmt.Errorf("%w: writing request: %w", ErrDeadServer, err)
	}

	_, b, err := conn.Read(ctx)
	if err != nil {
		t.drop(conn, err)
		return nil, fmt.Errorf("%w: reading response: %w", ErrDeadServer, err)
	}
	resp, err := decodeResponse(b)
	if err != nil {
		t.drop(conn, err)
		return nil, err
	}
	return resp, nil
}

// drop closes conn if it is still the current connection, so the next send re-dials.
func (t *persistentTransport) drop(conn *websocket.Conn, cause error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.conn != conn {
		return
	}
	reason := cause.Error()
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	t.closeLocked(websocket.StatusInternalError, reason)
}

func (t *persistentTransport) closeLocked(code websocket.StatusCode, reason string) {
	if t.conn == nil {
		return
	}
	err := t.conn.Close(code, reason)
	if err != nil {
		t.log.Debugf("error closing conn: %s", err)
	}
	t.conn = nil
	t.connURI = ""
}

func (t *persistentTransport) close() error {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.closeLocked(websocket.StatusNormalClosure, "")
	return nil
}
