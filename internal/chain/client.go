package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client abstracts one network's RPC surface. Implementations hold no state
// beyond the connection handle.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error)
	Send(ctx context.Context, kind OperationKind, contract common.Address, contractABI *abi.ABI, method string, signer Signer, args ...any) (TxHandle, error)
	AwaitConfirmations(ctx context.Context, handle TxHandle, minConfirmations uint64, timeout time.Duration) (*Receipt, error)
	Ping(ctx context.Context) error
	Close()
}

// Signer authorises transactions for one account.
type Signer interface {
	Address() common.Address
	ChainID(ctx context.Context) (*big.Int, error)
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// TxHandle identifies a broadcast transaction.
type TxHandle struct {
	Hash        common.Hash    `json:"hash"`
	ChainID     uint64         `json:"chainId"`
	Kind        OperationKind  `json:"kind"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Method      string         `json:"method"`
	Nonce       uint64         `json:"nonce"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// Receipt is a mined transaction with the confirmation depth observed when
// the wait returned.
type Receipt struct {
	TxHash        common.Hash
	BlockNumber   uint64
	Confirmations uint64
	GasUsed       uint64
	Logs          []*types.Log
}

// OperationKind labels a write so the confirmation policy and metrics can
// tell operations apart.
type OperationKind string

const (
	OpApprove       OperationKind = "approve"
	OpSign          OperationKind = "sign"
	OpMintPassport  OperationKind = "mint_passport"
	OpCreate        OperationKind = "create_agreement"
	OpVaultDeposit  OperationKind = "vault_deposit"
	OpVaultWithdraw OperationKind = "vault_withdraw"
	OpPayDeposit    OperationKind = "pay_deposit"
	OpPayRent       OperationKind = "pay_rent"
	OpDispute       OperationKind = "dispute"
)

// ConfirmationPolicy maps each operation kind to the confirmation depth at
// which its effects are treated as durable.
type ConfirmationPolicy map[OperationKind]uint64

// DefaultConfirmationPolicy waits deeper for value-bearing operations.
func DefaultConfirmationPolicy() ConfirmationPolicy {
	return ConfirmationPolicy{
		OpApprove:       1,
		OpSign:          1,
		OpMintPassport:  1,
		OpCreate:        1,
		OpVaultDeposit:  2,
		OpVaultWithdraw: 1,
		OpPayDeposit:    2,
		OpPayRent:       2,
		OpDispute:       1,
	}
}

// For returns the configured depth, never less than one.
func (p ConfirmationPolicy) For(kind OperationKind) uint64 {
	if n, ok := p[kind]; ok && n > 0 {
		return n
	}
	return 1
}

// With returns a copy of p with overrides applied.
func (p ConfirmationPolicy) With(overrides map[OperationKind]uint64) ConfirmationPolicy {
	out := make(ConfirmationPolicy, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Writer submits transactions against one client and waits for the depth
// the policy requires for each kind.
type Writer struct {
	Client  Client
	Policy  ConfirmationPolicy
	Timeout time.Duration
	// OnPending, when set, is told about every broadcast transaction whose
	// outcome was still unknown when the wait ended.
	OnPending func(TxHandle)
}

// Submit sends a transaction and awaits its confirmations. The handle is
// returned even when the wait fails so callers can keep watching.
func (w Writer) Submit(ctx context.Context, kind OperationKind, contract common.Address, contractABI *abi.ABI, method string, signer Signer, args ...any) (TxHandle, *Receipt, error) {
	handle, err := w.Client.Send(ctx, kind, contract, contractABI, method, signer, args...)
	if err != nil {
		if h, ok := PendingHandle(err); ok && w.OnPending != nil {
			w.OnPending(*h)
		}
		return TxHandle{}, nil, err
	}
	receipt, err := w.Client.AwaitConfirmations(ctx, handle, w.Policy.For(kind), w.Timeout)
	if err != nil && w.OnPending != nil {
		if _, ok := PendingHandle(err); ok {
			w.OnPending(handle)
		}
	}
	return handle, receipt, err
}

// ParseAddress validates and parses a hex address. Hex parsing is
// case-insensitive so checksummed and lower-case forms compare equal.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
