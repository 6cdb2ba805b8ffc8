package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/evalclient/protocol"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultShortDelay = 100 * time.Millisecond
	DefaultLongDelay  = 1000 * time.Millisecond
)

// Connector evaluates code on a remote eval server, creating the server through the coordinator when needed.
// Requests are retried until the eval server answers, so with the default settings
// an unreachable coordinator makes Evaluate block until its context is done.
//
// A Connector runs one request at a time. Concurrent callers wait their turn.
type Connector struct {
	Logger *zap.SugaredLogger

	clientID       string
	websocket      bool
	coordinatorURI string

	httpClient               *http.Client
	customizeRetryableClient func(*retryablehttp.Client)
	coordinator              *putter
	transport                transport

	shortDelay     time.Duration
	longDelay      time.Duration
	maxAttempts    int
	attemptTimeout time.Duration
	observer       func(RetryEvent)

	inflight *semaphore.Weighted

	mut      sync.Mutex
	endpoint endpoint
}

// RetryEvent describes a retry that has just been scheduled.
type RetryEvent struct {
	// Attempt is the number of the send attempt that failed, starting at 1.
	Attempt int
	// Cause is the send failure, or the provisioning failure if provisioning failed too.
	Cause error
	// Provisioned is true if a new eval server was provisioned before this retry.
	Provisioned bool
	// Delay is how long the connector waits before the next attempt.
	Delay time.Duration
}

type Option func(c *Connector)

// WithClientID sets the client identity sent to the coordinator and used as the correlation id.
// Defaults to a random UUID.
func WithClientID(id string) Option {
	return func(c *Connector) {
		c.clientID = id
	}
}

// WithWebSocket selects the persistent WebSocket transport instead of one PUT per request.
func WithWebSocket(enabled bool) Option {
	return func(c *Connector) {
		c.websocket = enabled
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Connector) {
		c.Logger = l.Named("evalconnector").Sugar()
	}
}

// WithRetryDelays sets the wait after a successful provisioning (short) and after a failed one (long).
func WithRetryDelays(short, long time.Duration) Option {
	return func(c *Connector) {
		c.shortDelay = short
		c.longDelay = long
	}
}

// WithMaxAttempts bounds the number of send attempts per request. Zero, the default, retries forever.
func WithMaxAttempts(n int) Option {
	return func(c *Connector) {
		c.maxAttempts = n
	}
}

// WithRetryObserver registers a callback invoked every time a retry is scheduled.
// It runs on the requesting goroutine, after provisioning and before the delay.
func WithRetryObserver(f func(RetryEvent)) Option {
	return func(c *Connector) {
		c.observer = f
	}
}

// WithAttemptTimeout bounds a single send attempt. A timed out attempt counts as a dead server.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.attemptTimeout = d
	}
}

// WithHTTPClient replaces the retrying HTTP client used for the coordinator, one-shot sends, and WebSocket dials.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) {
		c.httpClient = hc
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Connector) {
		c.customizeRetryableClient = f
	}
}

// New constructs a connector for the coordinator at coordinatorURI.
// No network I/O happens until the first request.
func New(coordinatorURI string, opts ...Option) (*Connector, error) {
	u, err := url.Parse(coordinatorURI)
	if err != nil {
		return nil, fmt.Errorf("parsing coordinator URI: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("coordinator URI %q is not absolute", coordinatorURI)
	}

	c := &Connector{
		coordinatorURI: coordinatorURI,
		shortDelay:     DefaultShortDelay,
		longDelay:      DefaultLongDelay,
		inflight:       semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative, got %d", c.maxAttempts)
	}
	if c.Logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		c.Logger = l.Named("evalconnector").Sugar()
	}
	if c.clientID == "" {
		c.clientID = uuid.NewString()
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient(c.Logger.Named("http"), c.customizeRetryableClient)
	}

	c.coordinator = &putter{client: c.httpClient, log: c.Logger.Named("coordinator")}
	if c.websocket {
		c.transport = &persistentTransport{
			httpClient: c.httpClient,
			log:        c.Logger.Named("ws"),
		}
	} else {
		c.transport = &oneShotTransport{
			put: &putter{client: c.httpClient, log: c.Logger.Named("put")},
			log: c.Logger.Named("put"),
		}
	}
	return c, nil
}

func (c *Connector) ClientID() string { return c.clientID }

func (c *Connector) WebSocket() bool { return c.websocket }

// Endpoint returns the URI and access token of the current eval server, both empty before the first provisioning.
func (c *Connector) Endpoint() (uri, token string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.endpoint.uri, c.endpoint.token
}

func (c *Connector) currentEndpoint() endpoint {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.endpoint
}

type EvalOption func(p *protocol.EvalParams)

// WithOutputRendering controls whether the eval server renders output. It defaults to true.
func WithOutputRendering(render bool) EvalOption {
	return func(p *protocol.EvalParams) {
		p.OutputRendering = render
	}
}

// Evaluate runs code for the given cell on the eval server and returns its response.
// The only failures it returns are an *InvalidCorrelationError, context errors,
// and ErrRetriesExhausted when WithMaxAttempts is set.
func (c *Connector) Evaluate(ctx context.Context, code, cellID string, opts ...EvalOption) (*protocol.Response, error) {
	params := protocol.EvalParams{
		Code:            code,
		OutputRendering: true,
		CellID:          cellID,
	}
	for _, opt := range opts {
		opt(&params)
	}
	return c.Call(ctx, protocol.MethodEval, params)
}

// Call sends an arbitrary method to the eval server, with the same retry behavior as Evaluate.
func (c *Connector) Call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := c.clientID
	req, err := protocol.NewRequest(method, params, &id)
	if err != nil {
		return nil, err
	}

	err = c.inflight.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer c.inflight.Release(1)

	return c.evaluateWithRetry(ctx, req)
}

func (c *Connector) evaluateWithRetry(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := protocol.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	for attempt := 1; ; attempt++ {
		c.Logger.Debugw("trying request", "Method", req.Method, "Attempt", attempt)
		resp, err := c.sendOnce(ctx, body)
		if err == nil {
			if !resp.Correlates(req.ID) {
				return nil, &InvalidCorrelationError{Want: req.ID, Got: resp.ID}
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrDeadServer) {
			return nil, err
		}
		c.Logger.Infow("request failed, making a new eval server", "Attempt", attempt, "Error", err)

		event := RetryEvent{Attempt: attempt, Cause: err, Provisioned: true, Delay: c.shortDelay}
		perr := c.provision(ctx)
		if perr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.Logger.Warnw("unable to make eval server", "Attempt", attempt, "Error", perr)
			event = RetryEvent{Attempt: attempt, Cause: perr, Delay: c.longDelay}
		}

		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, event.Cause)
		}
		if c.observer != nil {
			c.observer(event)
		}

		err = sleep(ctx, event.Delay)
		if err != nil {
			return nil, err
		}
	}
}

func (c *Connector) sendOnce(ctx context.Context, body []byte) (*protocol.Response, error) {
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}
	return c.transport.send(ctx, c.currentEndpoint(), body)
}

// Close closes the WebSocket to the eval server, if one is open.
// The connector stays usable and reconnects on the next request.
func (c *Connector) Close() error {
	return c.transport.close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
