package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestNewRequest(t *testing.T) {
	cases := []struct {
		name    string
		method  string
		params  any
		id      *string
		expJSON string
		expErr  string
	}{
		{
			name:    "eval request",
			method:  MethodEval,
			params:  EvalParams{Code: "1+1", OutputRendering: true, CellID: "c1"},
			id:      strPtr("client-1"),
			expJSON: `{"jsonrpc":"2.0","method":"darkmatter/eval","params":{"code":"1+1","outputRendering":true,"cellId":"c1"},"id":"client-1"}`,
		},
		{
			name:    "null id",
			method:  "ping",
			params:  []int{1, 2},
			expJSON: `{"jsonrpc":"2.0","method":"ping","params":[1,2],"id":null}`,
		},
		{
			name:   "no method",
			params: EvalParams{},
			expErr: "request has no method",
		},
		{
			name:   "unencodable params",
			method: "ping",
			params: make(chan int),
			expErr: `encoding params for "ping"`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req, err := NewRequest(c.method, c.params, c.id)
			if c.expErr != "" {
				require.ErrorContains(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			b, err := Marshal(req)
			require.NoError(t, err)
			assert.JSONEq(t, c.expJSON, string(b))
		})
	}
}

func TestNewRequestCopiesID(t *testing.T) {
	id := "a"
	req, err := NewRequest(MethodEval, EvalParams{}, &id)
	require.NoError(t, err)
	id = "b"
	assert.Equal(t, "a", *req.ID)
}

func TestCorrelates(t *testing.T) {
	cases := []struct {
		name   string
		respID *string
		reqID  *string
		exp    bool
	}{
		{name: "same id", respID: strPtr("x"), reqID: strPtr("x"), exp: true},
		{name: "different id", respID: strPtr("x"), reqID: strPtr("y"), exp: false},
		{name: "both null", exp: true},
		{name: "null response id", reqID: strPtr("x"), exp: false},
		{name: "null request id", respID: strPtr("x"), exp: false},
		{name: "empty is not null", respID: strPtr(""), exp: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := &Response{ID: c.respID}
			assert.Equal(t, c.exp, resp.Correlates(c.reqID))
		})
	}
}

func TestResponse(t *testing.T) {
	t.Run("result", func(t *testing.T) {
		var resp Response
		require.NoError(t, Unmarshal([]byte(`{"jsonrpc":"2.0","id":"c","result":{"value":42}}`), &resp))
		assert.True(t, resp.Correlates(strPtr("c")))
		assert.NoError(t, resp.Err())

		var result struct {
			Value int `json:"value"`
		}
		require.NoError(t, resp.DecodeResult(&result))
		assert.Equal(t, 42, result.Value)
	})

	t.Run("error", func(t *testing.T) {
		var resp Response
		require.NoError(t, Unmarshal([]byte(`{"id":null,"error":{"code":-32601,"message":"nope"}}`), &resp))
		assert.Nil(t, resp.ID)
		require.NotNil(t, resp.Error)
		assert.EqualError(t, resp.Err(), "eval server error -32601: nope")

		var result any
		err := resp.DecodeResult(&result)
		var rpcErr *Error
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32601, rpcErr.Code)
	})

	t.Run("no result", func(t *testing.T) {
		var resp Response
		require.NoError(t, Unmarshal([]byte(`{"id":"c"}`), &resp))
		var result any
		assert.EqualError(t, resp.DecodeResult(&result), "response has no result")
	})
}

func TestMakeServer(t *testing.T) {
	b, err := Marshal(NewMakeServerRequest("abc", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"makeServer","params":{"enableWebSocket":true,"clientId":"abc"}}`, string(b))

	var resp MakeServerResponse
	require.NoError(t, Unmarshal([]byte(`{"uri":"ws://h/eval/1","token":"t1"}`), &resp))
	assert.Equal(t, MakeServerResponse{URI: "ws://h/eval/1", Token: "t1"}, resp)
}
