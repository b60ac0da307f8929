package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"time"

	"roomfi/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// RetryPolicy bounds the retries of idempotent reads. Writes are never
// retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type Options struct {
	Retry          RetryPolicy
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Registry
}

func (o Options) withDefaults() Options {
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.InitialBackoff <= 0 {
		o.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if o.Retry.BackoffMultiplier <= 0 {
		o.Retry.BackoffMultiplier = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// EthClient is the go-ethereum backed Client for one network.
type EthClient struct {
	client  *ethclient.Client
	profile Profile
	chainID *big.Int
	opts    Options
	log     *zap.Logger
}

var _ Client = (*EthClient)(nil)

// Dial connects to the profile's RPC endpoint and verifies the node serves
// the expected chain.
func Dial(ctx context.Context, profile Profile, opts Options) (*EthClient, error) {
	if profile.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required for %s", profile.ID)
	}
	opts = opts.withDefaults()

	cli, err := ethclient.DialContext(ctx, profile.RPCURL)
	if err != nil {
		return nil, newError(ErrNetworkUnreachable, "dial "+string(profile.ID), err)
	}

	c := &EthClient{
		client:  cli,
		profile: profile,
		opts:    opts,
		log:     opts.Logger.With(zap.String("network", string(profile.ID)), zap.Uint64("chain_id", profile.ChainID)),
	}

	id, err := c.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, err
	}
	if id.Uint64() != profile.ChainID {
		cli.Close()
		return nil, &Error{
			Kind:   ErrWrongChain,
			Op:     "dial " + string(profile.ID),
			Reason: fmt.Sprintf("endpoint serves chain %s, expected %d", id, profile.ChainID),
		}
	}
	c.chainID = id
	return c, nil
}

func (c *EthClient) Profile() Profile {
	return c.profile
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	var id *big.Int
	err := c.retryRead(ctx, "eth_chainId", func(ctx context.Context) error {
		var err error
		id, err = c.client.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, classifyReadError("chain id", err)
	}
	return id, nil
}

func (c *EthClient) Call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &contract, Data: data}
	var out []byte
	err = c.retryRead(ctx, method, func(ctx context.Context) error {
		var err error
		out, err = c.client.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		return nil, classifyReadError(method, err)
	}
	if len(out) == 0 {
		// Calls to a method the deployed contract does not implement come
		// back empty rather than as an RPC error on some nodes.
		return nil, Reverted(method, "empty return data", nil)
	}

	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *EthClient) Send(ctx context.Context, kind OperationKind, contract common.Address, contractABI *abi.ABI, method string, signer Signer, args ...any) (TxHandle, error) {
	op := string(kind)
	if signer == nil {
		return TxHandle{}, fmt.Errorf("%s: signer is required", op)
	}

	signerChain, err := signer.ChainID(ctx)
	if err != nil {
		return TxHandle{}, classifyWriteError(op, err)
	}
	if signerChain.Cmp(c.chainID) != 0 {
		return TxHandle{}, &Error{
			Kind:   ErrWrongChain,
			Op:     op,
			Reason: fmt.Sprintf("signer on chain %s, client on %s", signerChain, c.chainID),
		}
	}

	opts, err := signer.TransactOpts(ctx)
	if err != nil {
		return TxHandle{}, classifyWriteError(op, err)
	}
	txOpts := *opts
	txOpts.Context = ctx
	txOpts.NoSend = true

	// Sign without sending so a transport failure during broadcast can be
	// reported against a known hash.
	bound := bind.NewBoundContract(contract, *contractABI, c.client, c.client, c.client)
	tx, err := bound.Transact(&txOpts, method, args...)
	if err != nil {
		return TxHandle{}, classifyWriteError(op, err)
	}

	handle := TxHandle{
		Hash:        tx.Hash(),
		ChainID:     c.chainID.Uint64(),
		Kind:        kind,
		From:        signer.Address(),
		To:          contract,
		Method:      method,
		Nonce:       tx.Nonce(),
		SubmittedAt: time.Now().UTC(),
	}

	if err := c.client.SendTransaction(ctx, tx); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			// The node answered and refused the transaction.
			return TxHandle{}, classifyWriteError(op, err)
		}
		c.log.Warn("broadcast outcome unknown", zap.String("op", op), zap.String("tx", handle.Hash.Hex()), zap.Error(err))
		return handle, &Error{Kind: ErrTransactionPending, Op: op, Tx: &handle, Broadcast: true, Err: err}
	}

	c.opts.Metrics.IncSubmitted(op, string(c.profile.ID))
	c.log.Info("transaction broadcast",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("tx", handle.Hash.Hex()),
		zap.Uint64("nonce", handle.Nonce),
	)
	return handle, nil
}

// AwaitConfirmations polls until the transaction is mined under at least
// minConfirmations blocks, the timeout elapses or ctx is cancelled.
// Cancellation abandons the wait only; the transaction may still land.
func (c *EthClient) AwaitConfirmations(ctx context.Context, handle TxHandle, minConfirmations uint64, timeout time.Duration) (*Receipt, error) {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	if timeout <= 0 {
		timeout = c.opts.ConfirmTimeout
	}
	op := string(handle.Kind)
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	seen := false
	for {
		receipt, err := c.client.TransactionReceipt(waitCtx, handle.Hash)
		switch {
		case err == nil && receipt != nil:
			seen = true
			if receipt.Status == types.ReceiptStatusFailed {
				c.opts.Metrics.ObserveConfirmation(op, "failed", time.Since(start))
				return nil, &Error{Kind: ErrTransactionFailed, Op: op, Reason: "receipt status 0", Tx: &handle, Broadcast: true}
			}
			head, herr := c.client.BlockNumber(waitCtx)
			if herr == nil {
				confs := confirmationsAt(head, receipt.BlockNumber.Uint64())
				if confs >= minConfirmations {
					c.opts.Metrics.ObserveConfirmation(op, "confirmed", time.Since(start))
					return &Receipt{
						TxHash:        receipt.TxHash,
						BlockNumber:   receipt.BlockNumber.Uint64(),
						Confirmations: confs,
						GasUsed:       receipt.GasUsed,
						Logs:          receipt.Logs,
					}, nil
				}
			}
		case errors.Is(err, ethereum.NotFound):
			if !seen {
				if _, _, terr := c.client.TransactionByHash(waitCtx, handle.Hash); terr == nil {
					seen = true
				}
			}
		case err != nil:
			c.log.Debug("receipt poll failed", zap.String("tx", handle.Hash.Hex()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			outcome := expiredWait(ctx, op, handle, seen)
			c.opts.Metrics.ObserveConfirmation(op, outcomeLabel(outcome), time.Since(start))
			return nil, outcome
		case <-ticker.C:
		}
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *EthClient) retryRead(ctx context.Context, method string, fn func(context.Context) error) error {
	attempts := c.opts.Retry.MaxAttempts
	backoff := c.opts.Retry.InitialBackoff

	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			if i > 1 {
				c.opts.Metrics.IncReadRetry(method, "success")
			}
			return nil
		}
		if !isRetryable(err) || i == attempts {
			if i > 1 {
				c.opts.Metrics.IncReadRetry(method, "failed")
			}
			return err
		}

		c.opts.Metrics.IncReadRetry(method, "retry")
		sleep := backoff
		if c.opts.Retry.MaxBackoff > 0 && sleep > c.opts.Retry.MaxBackoff {
			sleep = c.opts.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= time.Duration(c.opts.Retry.BackoffMultiplier)
	}
	return fmt.Errorf("exhausted retries")
}

func confirmationsAt(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block + 1
}

// expiredWait maps an abandoned wait onto the taxonomy: a transaction the
// node has seen is pending, one it has never seen has timed out. Both
// carry the handle because the transaction may still land.
func expiredWait(parent context.Context, op string, handle TxHandle, seen bool) *Error {
	if parent.Err() != nil {
		return &Error{Kind: ErrTransactionPending, Op: op, Tx: &handle, Broadcast: true, Err: parent.Err()}
	}
	if seen {
		return &Error{Kind: ErrTransactionPending, Op: op, Tx: &handle, Broadcast: true}
	}
	return &Error{Kind: ErrTransactionTimeout, Op: op, Tx: &handle, Broadcast: true}
}

func outcomeLabel(err *Error) string {
	if errors.Is(err.Kind, ErrTransactionTimeout) {
		return "timeout"
	}
	return "pending"
}

func classifyReadError(op string, err error) error {
	if reason, ok := revertReason(err); ok {
		return Reverted(op, reason, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return newError(ErrNetworkUnreachable, op, err)
}

func classifyWriteError(op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if isUserRejection(err) {
		return newError(ErrUserRejected, op, err)
	}
	if reason, ok := revertReason(err); ok {
		return Reverted(op, reason, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &Error{Kind: ErrTransactionFailed, Op: op, Reason: rpcErr.Error(), Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return newError(ErrNetworkUnreachable, op, err)
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(raw); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len("execution reverted"):], ":")
		return strings.TrimSpace(reason), true
	}
	return "", false
}

func isUserRejection(err error) bool {
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := revertReason(err); ok {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "timeout")
}
