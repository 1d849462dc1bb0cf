package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/rpcrouter"
)

const chainRef = "eip155:1"

type fakeCaller struct {
	url    string
	result string
	err    error

	mu    sync.Mutex
	calls []string
}

func (f *fakeCaller) CallContext(_ context.Context, result interface{}, method string, _ ...interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.result), result)
}

func (f *fakeCaller) Close() {}

type rpcErr struct {
	code int
	msg  string
	data interface{}
}

func (e rpcErr) Error() string          { return e.msg }
func (e rpcErr) ErrorCode() int         { return e.code }
func (e rpcErr) ErrorData() interface{} { return e.data }

func newRouter(t *testing.T, urls ...string) *rpcrouter.Router {
	t.Helper()
	r := rpcrouter.NewRouter(rpcrouter.Config{Logger: zerolog.Nop()})
	require.NoError(t, r.SyncChain(rpcrouter.ChainMetadata{ChainRef: chainRef, RPCURLs: urls}))
	return r
}

func fakeDialer(callers ...*fakeCaller) Dialer {
	byURL := map[string]*fakeCaller{}
	for _, c := range callers {
		byURL[c.url] = c
	}
	return func(_ context.Context, url string) (Caller, error) {
		c, ok := byURL[url]
		if !ok {
			return nil, errors.New("no route to host")
		}
		return c, nil
	}
}

func TestRequestFailsOver(t *testing.T) {
	a := &fakeCaller{url: "https://a.example", err: errors.New("connection refused")}
	b := &fakeCaller{url: "https://b.example", result: `"0x10"`}
	router := newRouter(t, a.url, b.url)
	tr := NewTransport(router, fakeDialer(a, b), time.Second, zerolog.Nop())

	raw, err := tr.Request(context.Background(), chainRef, Request{Method: "eth_blockNumber"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(raw))

	active, err := router.GetActiveEndpoint(chainRef)
	require.NoError(t, err)
	assert.Equal(t, b.url, active)

	state, _ := router.State(chainRef)
	assert.Equal(t, 1, state.Endpoints[0].Health.ConsecutiveFailures)
	assert.Equal(t, uint64(1), state.Endpoints[1].Health.SuccessCount)
}

func TestRequestErrorDoesNotFailOver(t *testing.T) {
	a := &fakeCaller{url: "https://a.example", err: rpcErr{code: 3, msg: "execution reverted", data: "0x08c379a0"}}
	b := &fakeCaller{url: "https://b.example", result: `"0x"`}
	router := newRouter(t, a.url, b.url)
	tr := NewTransport(router, fakeDialer(a, b), time.Second, zerolog.Nop())

	_, err := tr.Request(context.Background(), chainRef, Request{Method: "eth_call"})
	require.Error(t, err)

	var env *apperrors.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, 3, env.Code)
	assert.Equal(t, "execution reverted", env.Message)
	assert.Equal(t, "0x08c379a0", env.Data)

	assert.Empty(t, b.calls)
	active, _ := router.GetActiveEndpoint(chainRef)
	assert.Equal(t, a.url, active)
}

func TestRequestAllEndpointsFail(t *testing.T) {
	a := &fakeCaller{url: "https://a.example", err: rpcErr{code: -32005, msg: "rate limited"}}
	router := newRouter(t, a.url, "https://unreachable.example")
	tr := NewTransport(router, fakeDialer(a), time.Second, zerolog.Nop())

	_, err := tr.Request(context.Background(), chainRef, Request{Method: "eth_blockNumber"})
	require.Error(t, err)
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonRpcUnavailable))

	state, _ := router.State(chainRef)
	assert.Equal(t, 1, state.Endpoints[0].Health.ConsecutiveFailures)
	assert.Equal(t, 1, state.Endpoints[1].Health.ConsecutiveFailures)
}

func TestRequestRetriesBeforeFailover(t *testing.T) {
	a := &flakyCaller{fakeCaller: fakeCaller{url: "https://a.example", result: `"0x1"`}, failures: 1}
	router := newRouter(t, a.url, "https://b.example")
	tr := NewTransport(router, func(context.Context, string) (Caller, error) { return a, nil }, time.Second, zerolog.Nop())
	ticks := make(chan time.Duration, 1)
	clk := clock.NewTestClockWithTickSignal(time.Unix(0, 0), ticks)
	tr.SetRetry(&apperrors.RetryConfig{MaxAttempts: 2, InitialDelay: time.Minute, Multiplier: 2, Clock: clk})
	go func() {
		d := <-ticks
		clk.SetTime(time.Unix(0, 0).Add(d))
	}()

	raw, err := tr.Request(context.Background(), chainRef, Request{Method: "eth_chainId"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(raw))

	active, _ := router.GetActiveEndpoint(chainRef)
	assert.Equal(t, a.url, active)
	assert.Len(t, a.calls, 2)
}

type flakyCaller struct {
	fakeCaller
	failures int
}

func (f *flakyCaller) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
		f.calls = append(f.calls, method)
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.fakeCaller.CallContext(ctx, result, method, args...)
}

func TestRequestUnknownChain(t *testing.T) {
	tr := NewTransport(newRouter(t, "https://a.example"), fakeDialer(), time.Second, zerolog.Nop())
	_, err := tr.Request(context.Background(), "eip155:5", Request{Method: "eth_blockNumber"})
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonChainNotFound))
}

func TestProbe(t *testing.T) {
	ok := &fakeCaller{url: "https://a.example", result: `"0x1"`}
	down := &fakeCaller{url: "https://b.example", err: context.DeadlineExceeded}
	tr := NewTransport(newRouter(t, ok.url, down.url), fakeDialer(ok, down), time.Second, zerolog.Nop())

	assert.NoError(t, tr.Probe(context.Background(), chainRef, ok.url))
	assert.Error(t, tr.Probe(context.Background(), chainRef, down.url))
	assert.Equal(t, []string{"eth_chainId"}, ok.calls)

	sol := &fakeCaller{url: "https://sol.example", result: `"ok"`}
	tr = NewTransport(newRouter(t, sol.url), fakeDialer(sol), time.Second, zerolog.Nop())
	require.NoError(t, tr.Probe(context.Background(), "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", sol.url))
	assert.Equal(t, []string{"getHealth"}, sol.calls)
}

func TestEIP155ClientOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.Unmarshal(body, &req)

		result := `null`
		switch req.Method {
		case "eth_chainId":
			result = `"0x1"`
		case "eth_blockNumber":
			result = `"0x2a"`
		case "eth_getTransactionReceipt":
			result = `{"transactionHash":"0x0000000000000000000000000000000000000000000000000000000000000001","blockNumber":"0x2a","status":"0x1","gasUsed":"0x5208"}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	defer srv.Close()

	tr := NewTransport(newRouter(t, srv.URL), nil, time.Second, zerolog.Nop())
	defer tr.Close()
	client := tr.EIP155(chainRef)

	id, err := client.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	n, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	raw, receipt, err := client.TransactionReceipt(context.Background(), [32]byte{31: 1})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.NotEmpty(t, raw)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, uint64(21000), uint64(receipt.GasUsed))

	known, err := client.TransactionByHash(context.Background(), [32]byte{31: 2})
	require.NoError(t, err)
	assert.False(t, known)
}
