package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/guseggert/evalclient/devserver"
	"github.com/guseggert/evalclient/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setup(t *testing.T, opts ...devserver.Option) (*devserver.Server, string) {
	opts = append([]devserver.Option{devserver.WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := devserver.NewServer(opts...)
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		hs.Close()
	})

	path := filepath.Join(t.TempDir(), "evalctl.yaml")
	contents := "coordinator: " + hs.URL + "/servers\nshort-delay: 1ms\nlong-delay: 1ms\nlog-level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return s, path
}

func runApp(t *testing.T, stdin string, args ...string) (string, error) {
	app := newApp()
	out := &bytes.Buffer{}
	app.Writer = out
	app.ErrWriter = &bytes.Buffer{}
	app.Reader = strings.NewReader(stdin)
	err := app.RunContext(context.Background(), append([]string{"evalctl"}, args...))
	return out.String(), err
}

func decodeOutput(t *testing.T, out string) protocol.EvalParams {
	var resp protocol.Response
	require.NoError(t, protocol.Unmarshal([]byte(strings.TrimSpace(out)), &resp))
	var params protocol.EvalParams
	require.NoError(t, resp.DecodeResult(&params))
	return params
}

func TestEval(t *testing.T) {
	cases := []struct {
		name      string
		stdin     string
		args      []string
		expParams protocol.EvalParams
	}{
		{
			name:      "code argument",
			args:      []string{"eval", "--cell-id", "c1", "1 + 1"},
			expParams: protocol.EvalParams{Code: "1 + 1", OutputRendering: true, CellID: "c1"},
		},
		{
			name:      "code from stdin over a WebSocket",
			stdin:     "print(1)\n",
			args:      []string{"eval", "--websocket", "--no-render", "-"},
			expParams: protocol.EvalParams{Code: "print(1)\n"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, path := setup(t)
			out, err := runApp(t, c.stdin, append([]string{"--config", path}, c.args...)...)
			require.NoError(t, err)
			assert.Equal(t, c.expParams, decodeOutput(t, out))
			assert.Equal(t, 1, s.Provisioned())
		})
	}
}

func TestEvalFlagsOverrideConfig(t *testing.T) {
	_, path := setup(t, devserver.WithFailProvisioning(1<<30))
	_, err := runApp(t, "", "--config", path, "eval", "--max-attempts", "2", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")

	_, err = runApp(t, "", "--config", path, "--log-level", "loud", "eval", "x")
	require.ErrorContains(t, err, "parsing log level")
}

func TestEvalClientID(t *testing.T) {
	_, path := setup(t)
	out, err := runApp(t, "", "--config", path, "eval", "--client-id", "me", "x")
	require.NoError(t, err)
	assert.Contains(t, out, `"id":"me"`)

	_, err = runApp(t, "", "--config", path, "eval")
	require.EqualError(t, err, "no code given")
}

func TestEvalServerError(t *testing.T) {
	_, path := setup(t, devserver.WithEvaluator(
		func(ctx context.Context, method string, params protocol.RawMessage) (any, error) {
			return nil, &protocol.Error{Code: 3, Message: "NameError"}
		},
	))
	out, err := runApp(t, "", "--config", path, "eval", "x")
	require.EqualError(t, err, "eval server error 3: NameError")
	assert.Contains(t, out, `"message":"NameError"`)
}
