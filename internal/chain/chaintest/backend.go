// Package chaintest provides an in-memory chain.Client with simple models of
// the RoomFi contracts, incremental block production and an ordered journal
// of every call, send and confirmation step.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"roomfi/internal/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Contract is a simulated deployed contract. Returning an error from either
// method behaves like a revert with err.Error() as the reason.
type Contract interface {
	Call(method string, args []any) ([]any, error)
	Transact(tc *TxContext, method string, args []any) ([]*types.Log, error)
}

// TxContext is handed to contracts while a transaction executes. The backend
// lock is held for the duration.
type TxContext struct {
	From  common.Address
	Self  common.Address
	Block uint64
	b     *Backend
}

// Deploy registers a contract created by the executing transaction.
func (tc *TxContext) Deploy(addr common.Address, name string, c Contract) {
	tc.b.contracts[addr] = &deployed{name: name, c: c}
}

// Lookup returns the contract deployed at addr.
func (tc *TxContext) Lookup(addr common.Address) Contract {
	if d, ok := tc.b.contracts[addr]; ok {
		return d.c
	}
	return nil
}

type deployed struct {
	name string
	c    Contract
}

type txRecord struct {
	handle  chain.TxHandle
	from    common.Address
	args    []any
	mined   bool
	failed  bool
	block   uint64
	logs    []*types.Log
	reports uint64
}

type Backend struct {
	mu        sync.Mutex
	chainID   uint64
	head      uint64
	nonce     uint64
	contracts map[common.Address]*deployed
	txs       map[common.Hash]*txRecord
	held      []*txRecord
	journal   []string
	calls     map[string]int
	sends     map[string]int
	mined     chan struct{}
	autoMine  bool
	hold      map[string]bool
	failMine  map[string]bool
	sendErr   map[string]error
	callErr   map[string]error
	closed    bool
}

var _ chain.Client = (*Backend)(nil)

// NewBackend returns a backend that mines one block per confirmation poll.
func NewBackend(chainID uint64) *Backend {
	return &Backend{
		chainID:   chainID,
		head:      100,
		contracts: make(map[common.Address]*deployed),
		txs:       make(map[common.Hash]*txRecord),
		calls:     make(map[string]int),
		sends:     make(map[string]int),
		mined:     make(chan struct{}),
		autoMine:  true,
		hold:      make(map[string]bool),
		failMine:  make(map[string]bool),
		sendErr:   make(map[string]error),
		callErr:   make(map[string]error),
	}
}

func (b *Backend) Register(addr common.Address, name string, c Contract) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contracts[addr] = &deployed{name: name, c: c}
}

// SetAutoMine controls whether confirmation waits produce blocks on their
// own. With it off, blocks only appear through Mine.
func (b *Backend) SetAutoMine(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoMine = on
}

// HoldNext keeps transactions calling method in the mempool until Mine.
func (b *Backend) HoldNext(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold[method] = true
}

// FailOnMine makes the next transaction calling method mine with status 0.
func (b *Backend) FailOnMine(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failMine[method] = true
}

// FailSend makes Send for method return err before anything is broadcast.
func (b *Backend) FailSend(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr[method] = err
}

// FailCall makes calls to "name.method" return err until cleared with nil.
func (b *Backend) FailCall(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.callErr, key)
		return
	}
	b.callErr[key] = err
}

// Mine produces n blocks, including any held transactions in the first.
func (b *Backend) Mine(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.mineLocked(i == 0)
	}
}

func (b *Backend) Head() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Journal returns a copy of the ordered event log.
func (b *Backend) Journal() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.journal...)
}

// Sends counts broadcast transactions for "name.method".
func (b *Backend) Sends(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends[key]
}

func (b *Backend) TotalSends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.sends {
		total += n
	}
	return total
}

// Calls counts read calls for "name.method".
func (b *Backend) Calls(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[key]
}

func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(b.chainID), nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *Backend) Call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := contractABI.Methods[method]; !ok {
		return nil, fmt.Errorf("pack %s: method not found in abi", method)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.contracts[contract]
	if !ok {
		return nil, chain.Reverted(method, "empty return data", nil)
	}
	key := d.name + "." + method
	b.calls[key]++
	b.journal = append(b.journal, "call:"+key)
	if err, ok := b.callErr[key]; ok {
		return nil, err
	}

	out, err := d.c.Call(method, args)
	if err != nil {
		return nil, chain.Reverted(method, err.Error(), nil)
	}
	return out, nil
}

func (b *Backend) Send(ctx context.Context, kind chain.OperationKind, contract common.Address, contractABI *abi.ABI, method string, signer chain.Signer, args ...any) (chain.TxHandle, error) {
	op := string(kind)
	if err := ctx.Err(); err != nil {
		return chain.TxHandle{}, err
	}
	if _, ok := contractABI.Methods[method]; !ok {
		return chain.TxHandle{}, fmt.Errorf("pack %s: method not found in abi", method)
	}
	signerChain, err := signer.ChainID(ctx)
	if err != nil {
		return chain.TxHandle{}, err
	}
	if signerChain.Uint64() != b.chainID {
		return chain.TxHandle{}, &chain.Error{Kind: chain.ErrWrongChain, Op: op, Reason: fmt.Sprintf("signer on chain %s", signerChain)}
	}
	if _, err := signer.TransactOpts(ctx); err != nil {
		if errors.Is(err, chain.ErrUserRejected) {
			return chain.TxHandle{}, &chain.Error{Kind: chain.ErrUserRejected, Op: op, Err: err}
		}
		return chain.TxHandle{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.sendErr[method]; ok {
		delete(b.sendErr, method)
		return chain.TxHandle{}, err
	}

	d, ok := b.contracts[contract]
	if !ok {
		return chain.TxHandle{}, chain.Reverted(op, "no contract at "+contract.Hex(), nil)
	}
	key := d.name + "." + method

	b.nonce++
	handle := chain.TxHandle{
		Hash:        crypto.Keccak256Hash([]byte(fmt.Sprintf("%d/%s/%s/%d", b.chainID, contract.Hex(), method, b.nonce))),
		ChainID:     b.chainID,
		Kind:        kind,
		From:        signer.Address(),
		To:          contract,
		Method:      method,
		Nonce:       b.nonce,
		SubmittedAt: time.Now().UTC(),
	}
	rec := &txRecord{handle: handle, from: signer.Address(), args: args}

	if b.hold[method] {
		delete(b.hold, method)
		b.txs[handle.Hash] = rec
		b.held = append(b.held, rec)
		b.sends[key]++
		b.journal = append(b.journal, "send:"+key)
		return handle, nil
	}

	// Execute immediately so reverts surface before broadcast, the way gas
	// estimation rejects them on a real node.
	if b.failMine[method] {
		delete(b.failMine, method)
		rec.failed = true
	} else {
		tc := &TxContext{From: rec.from, Self: contract, Block: b.head + 1, b: b}
		logs, err := d.c.Transact(tc, method, args)
		if err != nil {
			b.nonce--
			return chain.TxHandle{}, chain.Reverted(op, err.Error(), nil)
		}
		rec.logs = logs
	}

	b.txs[handle.Hash] = rec
	b.sends[key]++
	b.journal = append(b.journal, "send:"+key)
	b.head++
	rec.mined = true
	rec.block = b.head
	b.journal = append(b.journal, fmt.Sprintf("mine:%d", b.head))
	b.broadcastLocked()
	return handle, nil
}

func (b *Backend) AwaitConfirmations(ctx context.Context, handle chain.TxHandle, minConfirmations uint64, timeout time.Duration) (*chain.Receipt, error) {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	op := string(handle.Kind)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		rec, ok := b.txs[handle.Hash]
		if !ok {
			b.mu.Unlock()
			return nil, &chain.Error{Kind: chain.ErrTransactionTimeout, Op: op, Tx: &handle, Broadcast: true}
		}
		key := b.contracts[handle.To].name + "." + handle.Method
		if rec.mined {
			if rec.failed {
				b.journal = append(b.journal, "failed:"+key)
				b.mu.Unlock()
				return nil, &chain.Error{Kind: chain.ErrTransactionFailed, Op: op, Reason: "receipt status 0", Tx: &handle, Broadcast: true}
			}
			confs := b.head - rec.block + 1
			for rec.reports < confs {
				rec.reports++
				b.journal = append(b.journal, fmt.Sprintf("confirm:%s:%d", key, rec.reports))
			}
			if confs >= minConfirmations {
				receipt := &chain.Receipt{
					TxHash:        handle.Hash,
					BlockNumber:   rec.block,
					Confirmations: confs,
					Logs:          rec.logs,
				}
				b.mu.Unlock()
				return receipt, nil
			}
		}
		if b.autoMine && rec.mined {
			b.mineLocked(false)
			b.mu.Unlock()
			continue
		}
		wait := b.mined
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, &chain.Error{Kind: chain.ErrTransactionPending, Op: op, Tx: &handle, Broadcast: true, Err: ctx.Err()}
		case <-timer.C:
			// Every recorded transaction has been seen by the node.
			return nil, &chain.Error{Kind: chain.ErrTransactionPending, Op: op, Tx: &handle, Broadcast: true}
		}
	}
}

func (b *Backend) mineLocked(includeHeld bool) {
	b.head++
	b.journal = append(b.journal, fmt.Sprintf("mine:%d", b.head))
	if includeHeld {
		for _, rec := range b.held {
			if b.failMine[rec.handle.Method] {
				delete(b.failMine, rec.handle.Method)
				rec.mined, rec.block, rec.failed = true, b.head, true
				continue
			}
			d := b.contracts[rec.handle.To]
			tc := &TxContext{From: rec.from, Self: rec.handle.To, Block: b.head, b: b}
			logs, err := d.c.Transact(tc, rec.handle.Method, rec.args)
			rec.mined = true
			rec.block = b.head
			rec.logs = logs
			rec.failed = err != nil
		}
		b.held = nil
	}
	b.broadcastLocked()
}

func (b *Backend) broadcastLocked() {
	close(b.mined)
	b.mined = make(chan struct{})
}

// Signer is a test signer bound to one address and chain.
type Signer struct {
	Addr   common.Address
	Chain  uint64
	Reject bool
}

var _ chain.Signer = Signer{}

func (s Signer) Address() common.Address {
	return s.Addr
}

func (s Signer) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(s.Chain), nil
}

func (s Signer) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if s.Reject {
		return nil, chain.ErrUserRejected
	}
	return &bind.TransactOpts{From: s.Addr, Context: ctx}, nil
}
