package chain_test

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// rpcReply is either a result or an error; status overrides the HTTP code.
type rpcReply struct {
	result any
	err    *rpcError
	status int
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// stubNode answers JSON-RPC methods from a table of handlers and counts
// requests per method.
type stubNode struct {
	mu       sync.Mutex
	handlers map[string]func(n int) rpcReply
	counts   map[string]int
}

func newStubNode(t *testing.T, chainID uint64) (*stubNode, *httptest.Server) {
	t.Helper()
	s := &stubNode{
		handlers: map[string]func(int) rpcReply{
			"eth_chainId": func(int) rpcReply { return rpcReply{result: hexutil.EncodeUint64(chainID)} },
		},
		counts: make(map[string]int),
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *stubNode) on(method string, fn func(n int) rpcReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *stubNode) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

func (s *stubNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.counts[req.Method]++
	n := s.counts[req.Method]
	fn, ok := s.handlers[req.Method]
	s.mu.Unlock()

	reply := rpcReply{err: &rpcError{Code: -32601, Message: "method not found: " + req.Method}}
	if ok {
		reply = fn(n)
	}
	if reply.status != 0 {
		http.Error(w, http.StatusText(reply.status), reply.status)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if reply.err != nil {
		resp["error"] = reply.err
	} else {
		resp["result"] = reply.result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func profileFor(url string, chainID uint64) chain.Profile {
	return chain.Profile{ID: chain.Primary, ChainID: chainID, RPCURL: url, DisplayName: "stub"}
}

func fastOptions() chain.Options {
	return chain.Options{
		Retry:        chain.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
		PollInterval: 10 * time.Millisecond,
	}
}

func dial(t *testing.T, url string, chainID uint64) *chain.EthClient {
	t.Helper()
	c, err := chain.Dial(context.Background(), profileFor(url, chainID), fastOptions())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestDialRejectsEndpointOnOtherChain(t *testing.T) {
	_, srv := newStubNode(t, 5)

	_, err := chain.Dial(context.Background(), profileFor(srv.URL, 1001), fastOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrWrongChain)
}

func TestDialUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := chain.Dial(context.Background(), profileFor(url, 1001), fastOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrNetworkUnreachable)
}

func encodeDecimals(t *testing.T, d uint8) string {
	t.Helper()
	out, err := contracts.TokenABI.Methods["decimals"].Outputs.Pack(d)
	require.NoError(t, err)
	return hexutil.Encode(out)
}

func TestCallRetriesTransientFailures(t *testing.T) {
	node, srv := newStubNode(t, 1001)
	encoded := encodeDecimals(t, 6)
	node.on("eth_call", func(n int) rpcReply {
		if n < 3 {
			return rpcReply{status: http.StatusServiceUnavailable}
		}
		return rpcReply{result: encoded}
	})
	c := dial(t, srv.URL, 1001)

	out, err := c.Call(context.Background(), common.HexToAddress("0x01"), contracts.TokenABI, "decimals")
	require.NoError(t, err)
	d, err := chain.Uint8At(out, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), d)
	assert.Equal(t, 3, node.count("eth_call"))
}

func TestCallRevertIsNotRetried(t *testing.T) {
	node, srv := newStubNode(t, 1001)
	node.on("eth_call", func(int) rpcReply {
		return rpcReply{err: &rpcError{Code: 3, Message: "execution reverted: not owner"}}
	})
	c := dial(t, srv.URL, 1001)

	_, err := c.Call(context.Background(), common.HexToAddress("0x01"), contracts.TokenABI, "decimals")
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrCallReverted)
	assert.Equal(t, "not owner", chain.RevertReason(err))
	assert.Equal(t, 1, node.count("eth_call"))
}

func TestCallEmptyReturnDataIsRevert(t *testing.T) {
	node, srv := newStubNode(t, 1001)
	node.on("eth_call", func(int) rpcReply { return rpcReply{result: "0x"} })
	c := dial(t, srv.URL, 1001)

	_, err := c.Call(context.Background(), common.HexToAddress("0x01"), contracts.TokenABI, "decimals")
	assert.ErrorIs(t, err, chain.ErrCallReverted)
}

func receiptJSON(hash common.Hash, block uint64, status uint64) map[string]any {
	return map[string]any{
		"transactionHash":   hash.Hex(),
		"transactionIndex":  "0x0",
		"blockHash":         common.HexToHash("0xb1").Hex(),
		"blockNumber":       hexutil.EncodeUint64(block),
		"cumulativeGasUsed": "0x5208",
		"gasUsed":           "0x5208",
		"logs":              []any{},
		"logsBloom":         "0x" + strings.Repeat("00", 256),
		"status":            hexutil.EncodeUint64(status),
		"type":              "0x2",
	}
}

func TestAwaitConfirmationsWaitsForDepth(t *testing.T) {
	node, srv := newStubNode(t, 1001)
	hash := common.HexToHash("0xabc")
	node.on("eth_getTransactionReceipt", func(int) rpcReply { return rpcReply{result: receiptJSON(hash, 100, 1)} })
	node.on("eth_blockNumber", func(n int) rpcReply { return rpcReply{result: hexutil.EncodeUint64(uint64(99 + n))} })
	c := dial(t, srv.URL, 1001)

	receipt, err := c.AwaitConfirmations(context.Background(), chain.TxHandle{Hash: hash, Kind: chain.OpVaultDeposit}, 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), receipt.BlockNumber)
	assert.GreaterOrEqual(t, receipt.Confirmations, uint64(3))
	assert.GreaterOrEqual(t, node.count("eth_blockNumber"), 3)
}

func TestAwaitConfirmationsFailedReceipt(t *testing.T) {
	node, srv := newStubNode(t, 1001)
	hash := common.HexToHash("0xdef")
	node.on("eth_getTransactionReceipt", func(int) rpcReply { return rpcReply{result: receiptJSON(hash, 7, 0)} })
	c := dial(t, srv.URL, 1001)

	_, err := c.AwaitConfirmations(context.Background(), chain.TxHandle{Hash: hash, Kind: chain.OpPayRent}, 1, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrTransactionFailed)
	assert.True(t, chain.FundsMayHaveMoved(err))
}

func TestAwaitConfirmationsUnknownTransactionTimesOut(t *testing.T) {
	node, srv := newStubNode(t, 1001)
	node.on("eth_getTransactionReceipt", func(int) rpcReply { return rpcReply{result: nil} })
	node.on("eth_getTransactionByHash", func(int) rpcReply { return rpcReply{result: nil} })
	c := dial(t, srv.URL, 1001)

	handle := chain.TxHandle{Hash: common.HexToHash("0x123"), Kind: chain.OpApprove}
	_, err := c.AwaitConfirmations(context.Background(), handle, 1, 60*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrTransactionTimeout)
	h, ok := chain.PendingHandle(err)
	require.True(t, ok)
	assert.Equal(t, handle.Hash, h.Hash)
}

func TestAwaitConfirmationsCancelledWaitIsPending(t *testing.T) {
	node, srv := newStubNode(t, 1001)
	node.on("eth_getTransactionReceipt", func(int) rpcReply { return rpcReply{result: nil} })
	node.on("eth_getTransactionByHash", func(int) rpcReply { return rpcReply{result: nil} })
	c := dial(t, srv.URL, 1001)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := c.AwaitConfirmations(ctx, chain.TxHandle{Hash: common.HexToHash("0x456"), Kind: chain.OpApprove}, 1, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrTransactionPending, "abandoning the wait does not mean the transaction failed")
}

func TestPing(t *testing.T) {
	node, srv := newStubNode(t, 1001)
	node.on("eth_blockNumber", func(int) rpcReply { return rpcReply{result: "0x10"} })
	c := dial(t, srv.URL, 1001)

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, big.NewInt(1001), mustChainID(t, c))
}

func mustChainID(t *testing.T, c *chain.EthClient) *big.Int {
	t.Helper()
	id, err := c.ChainID(context.Background())
	require.NoError(t, err)
	return id
}
