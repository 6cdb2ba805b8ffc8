package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/guseggert/evalclient/protocol"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Evaluator computes the result of a request. Returning a *protocol.Error controls the error code sent back.
type Evaluator func(ctx context.Context, method string, params protocol.RawMessage) (any, error)

// EchoEvaluator answers darkmatter/eval with the params it was given.
func EchoEvaluator(ctx context.Context, method string, params protocol.RawMessage) (any, error) {
	if method != protocol.MethodEval {
		return nil, &protocol.Error{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
	var p protocol.EvalParams
	err := protocol.Unmarshal(params, &p)
	if err != nil {
		return nil, &protocol.Error{Code: codeInvalidParams, Message: err.Error()}
	}
	return p, nil
}

func (s *Server) answer(ctx context.Context, req *protocol.Request) *protocol.Response {
	resp := &protocol.Response{JSONRPC: protocol.Version, ID: req.ID}
	result, err := s.evaluator(ctx, req.Method, req.Params)
	if err != nil {
		var rpcErr *protocol.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &protocol.Error{Code: codeServerError, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else {
		b, err := protocol.Marshal(result)
		if err != nil {
			resp.Error = &protocol.Error{Code: codeServerError, Message: fmt.Sprintf("encoding result: %s", err)}
		} else {
			resp.Result = b
		}
	}

	s.mut.Lock()
	s.requests++
	s.mut.Unlock()
	return resp
}

// evalPut answers a single request sent as the body of a PUT.
func (s *Server) evalPut(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	_, code := s.authorize(r, params)
	if code != http.StatusOK {
		http.Error(w, http.StatusText(code), code)
		return
	}

	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req protocol.Request
	err = protocol.Unmarshal(b, &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.answer(r.Context(), &req))
}

// evalWS answers requests sent as WebSocket messages, one response per request, until the client goes away.
func (s *Server) evalWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ep, code := s.authorize(r, params)
	if code != http.StatusOK {
		http.Error(w, http.StatusText(code), code)
		return
	}
	s.wsHandlers.Add(1)
	defer s.wsHandlers.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.logger.Debugw("accepted WebSocket conn", "ID", ep.id)

	s.mut.Lock()
	if s.endpoints[ep.id] != ep {
		s.mut.Unlock()
		conn.CloseNow()
		return
	}
	ep.conns[conn] = struct{}{}
	s.connections++
	s.mut.Unlock()
	defer func() {
		s.mut.Lock()
		delete(ep.conns, conn)
		s.mut.Unlock()
	}()

	ctx := r.Context()
	for {
		var req protocol.Request
		err := wsjson.Read(ctx, conn, &req)
		if websocket.CloseStatus(err) != -1 {
			s.logger.Debugw("WebSocket closed", "ID", ep.id, "Status", websocket.CloseStatus(err))
			return
		}
		if err != nil {
			s.logger.Debugf("message reader got error: %s", err)
			conn.Close(websocket.StatusInternalError, "reading request")
			return
		}
		err = wsjson.Write(ctx, conn, s.answer(ctx, &req))
		if err != nil {
			s.logger.Debugf("error writing response: %s", err)
			return
		}
	}
}
