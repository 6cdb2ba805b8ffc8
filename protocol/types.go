package protocol

import (
	stdjson "encoding/json"
	"fmt"

	gjson "github.com/goccy/go-json"
)

const (
	// Version is the JSON-RPC version carried by every request.
	Version = "2.0"

	MethodEval       = "darkmatter/eval"
	MethodMakeServer = "makeServer"
)

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// Request is a JSON-RPC request. Params are encoded when the request is built,
// so a Request never changes after construction.
type Request struct {
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	Params  RawMessage `json:"params"`
	// ID is the correlation id. A nil ID is sent as null.
	ID *string `json:"id"`
}

// NewRequest builds a request for method with the given params and correlation id.
func NewRequest(method string, params any, id *string) (*Request, error) {
	if method == "" {
		return nil, fmt.Errorf("request has no method")
	}
	b, err := Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %q: %w", method, err)
	}
	var reqID *string
	if id != nil {
		s := *id
		reqID = &s
	}
	return &Request{
		JSONRPC: Version,
		Method:  method,
		Params:  b,
		ID:      reqID,
	}, nil
}

// Response is a JSON-RPC response. Exactly one of Result and Error is expected to be set,
// but that is not enforced.
type Response struct {
	JSONRPC string     `json:"jsonrpc,omitempty"`
	ID      *string    `json:"id"`
	Result  RawMessage `json:"result,omitempty"`
	Error   *Error     `json:"error,omitempty"`
}

// Correlates reports whether the response answers a request with the given id.
// Two null ids correlate.
func (r *Response) Correlates(id *string) bool {
	if r.ID == nil || id == nil {
		return r.ID == nil && id == nil
	}
	return *r.ID == *id
}

// Err returns the server-reported error, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// DecodeResult decodes the result payload into v.
func (r *Response) DecodeResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	return Unmarshal(r.Result, v)
}

// Error is the error object of a JSON-RPC response.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("eval server error %d: %s", e.Code, e.Message)
}

// EvalParams are the params of a darkmatter/eval request.
type EvalParams struct {
	Code            string `json:"code"`
	OutputRendering bool   `json:"outputRendering"`
	CellID          string `json:"cellId"`
}

// MakeServerRequest is sent to the coordinator to create an eval server.
type MakeServerRequest struct {
	Method string           `json:"method"`
	Params MakeServerParams `json:"params"`
}

type MakeServerParams struct {
	EnableWebSocket bool   `json:"enableWebSocket"`
	ClientID        string `json:"clientId"`
}

func NewMakeServerRequest(clientID string, websocket bool) MakeServerRequest {
	return MakeServerRequest{
		Method: MethodMakeServer,
		Params: MakeServerParams{
			EnableWebSocket: websocket,
			ClientID:        clientID,
		},
	}
}

// MakeServerResponse is the coordinator's answer to a MakeServerRequest.
type MakeServerResponse struct {
	URI   string `json:"uri"`
	Token string `json:"token"`
}
