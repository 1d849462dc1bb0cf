// Package rpcclient sends JSON-RPC requests to chain nodes through the
// router's endpoint pool, failing over on endpoint errors.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/rpcrouter"
)

// Caller is the subset of *rpc.Client the transport uses.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// Dialer opens a client for one endpoint URL.
type Dialer func(ctx context.Context, url string) (Caller, error)

// DialHTTP dials url with go-ethereum's rpc client.
func DialHTTP(ctx context.Context, url string) (Caller, error) {
	return rpc.DialOptions(ctx, url)
}

// Request is one JSON-RPC call.
type Request struct {
	Method  string
	Params  []interface{}
	Timeout time.Duration // overrides the transport default when non-zero
}

// Transport routes requests for a chain through its endpoint pool.
type Transport struct {
	router  *rpcrouter.Router
	dial    Dialer
	timeout time.Duration
	retry   *apperrors.RetryConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	clients map[string]Caller
}

// NewTransport creates a transport. A nil dial uses DialHTTP.
func NewTransport(router *rpcrouter.Router, dial Dialer, timeout time.Duration, logger zerolog.Logger) *Transport {
	if dial == nil {
		dial = DialHTTP
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Transport{
		router:  router,
		dial:    dial,
		timeout: timeout,
		retry:   &apperrors.RetryConfig{MaxAttempts: 1},
		logger:  logger.With().Str("component", "rpc_transport").Logger(),
		clients: make(map[string]Caller),
	}
}

// SetRetry sets the retry budget spent on one endpoint before failing over.
func (t *Transport) SetRetry(cfg *apperrors.RetryConfig) {
	if cfg != nil {
		t.retry = cfg
	}
}

// Request sends req to chainRef's active endpoint. Endpoint failures are
// reported to the router and the next candidate is tried; a JSON-RPC error
// from a node that answered is returned as an envelope without failover.
func (t *Transport) Request(ctx context.Context, chainRef string, req Request) (json.RawMessage, error) {
	candidates, err := t.router.Candidates(chainRef)
	if err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	params := req.Params
	if params == nil {
		params = []interface{}{}
	}

	var lastErr error
	for _, url := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result, latency, err := t.call(ctx, url, timeout, req.Method, params)
		if err == nil {
			t.router.ReportRpcOutcome(chainRef, rpcrouter.Outcome{URL: url, Success: true, Latency: latency})
			return result, nil
		}
		if !apperrors.IsEndpointFailure(err) {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			t.router.ReportRpcOutcome(chainRef, rpcrouter.Outcome{URL: url, Success: true, Latency: latency})
			return nil, toEnvelope(err)
		}

		t.router.ReportRpcOutcome(chainRef, rpcrouter.Outcome{URL: url, Success: false, Err: err, Latency: latency})
		t.dropClient(url)
		lastErr = err
		t.logger.Debug().
			Str("chain", chainRef).
			Str("url", url).
			Str("method", req.Method).
			Err(err).
			Msg("endpoint failed, trying next")
	}
	return nil, apperrors.Wrap(apperrors.ReasonRpcUnavailable, lastErr, "all rpc endpoints failed").
		WithContext("chainRef", chainRef)
}

// Call is Request with the result decoded into out.
func (t *Transport) Call(ctx context.Context, chainRef string, out interface{}, method string, params ...interface{}) error {
	raw, err := t.Request(ctx, chainRef, Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.NewInternal("decode "+method+" result", err)
	}
	return nil
}

// Probe performs a liveness call against one URL, bypassing the router.
func (t *Transport) Probe(ctx context.Context, chainRef, url string) error {
	method := "eth_chainId"
	if strings.HasPrefix(chainRef, "solana:") {
		method = "getHealth"
	}
	_, _, err := t.call(ctx, url, t.timeout, method, []interface{}{})
	if err != nil && apperrors.IsEndpointFailure(err) {
		t.dropClient(url)
		return err
	}
	return nil
}

// Close closes every cached client.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for url, c := range t.clients {
		c.Close()
		delete(t.clients, url)
	}
}

func (t *Transport) call(ctx context.Context, url string, timeout time.Duration, method string, params []interface{}) (json.RawMessage, time.Duration, error) {
	client, err := t.client(ctx, url)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.ReasonRpcUnavailable, err, "dial "+url)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result json.RawMessage
	start := time.Now()
	err = apperrors.RetryWithConfig(callCtx, func() error {
		return client.CallContext(callCtx, &result, method, params...)
	}, t.retry)
	return result, time.Since(start), err
}

func (t *Transport) client(ctx context.Context, url string) (Caller, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[url]; ok {
		return c, nil
	}
	c, err := t.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	t.clients[url] = c
	return c, nil
}

func (t *Transport) dropClient(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[url]; ok {
		c.Close()
		delete(t.clients, url)
	}
}

func toEnvelope(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	env := &apperrors.Envelope{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		env.Data = dataErr.ErrorData()
	}
	return env
}
