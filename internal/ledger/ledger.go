// Package ledger reads and approves the stable-value token of one network.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"roomfi/internal/chain"
	"roomfi/internal/contracts"
	"roomfi/internal/lastknown"
	"roomfi/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DecimalsCache remembers token decimals per chain and token address for
// the life of the process. It is shared by every ledger the coordinator
// builds.
type DecimalsCache struct {
	mu    sync.RWMutex
	known map[string]uint8
	group singleflight.Group
}

func NewDecimalsCache() *DecimalsCache {
	return &DecimalsCache{known: make(map[string]uint8)}
}

func decimalsKey(chainID uint64, token common.Address) string {
	return fmt.Sprintf("%d/%s", chainID, token.Hex())
}

func (c *DecimalsCache) get(key string) (uint8, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.known[key]
	return d, ok
}

func (c *DecimalsCache) put(key string, d uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[key] = d
}

type Config struct {
	Client   chain.Client
	Writer   chain.Writer
	ChainID  uint64
	Token    common.Address
	Decimals *DecimalsCache
	Clock    clockwork.Clock
	Metrics  *metrics.Registry
	Logger   *zap.Logger
}

type Ledger struct {
	client   chain.Client
	writer   chain.Writer
	chainID  uint64
	token    common.Address
	decimals *DecimalsCache
	balances *lastknown.Cache[common.Address, Amount]
	metrics  *metrics.Registry
	log      *zap.Logger
}

func New(cfg Config) *Ledger {
	if cfg.Decimals == nil {
		cfg.Decimals = NewDecimalsCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Ledger{
		client:   cfg.Client,
		writer:   cfg.Writer,
		chainID:  cfg.ChainID,
		token:    cfg.Token,
		decimals: cfg.Decimals,
		balances: lastknown.New[common.Address, Amount](cfg.Clock),
		metrics:  cfg.Metrics,
		log:      cfg.Logger.With(zap.String("component", "ledger"), zap.String("token", cfg.Token.Hex())),
	}
}

func (l *Ledger) Token() common.Address {
	return l.token
}

func (l *Ledger) Decimals(ctx context.Context) (uint8, error) {
	return l.DecimalsOf(ctx, l.token)
}

// DecimalsOf fetches decimals for token once per chain and caches them.
// Concurrent first lookups share one RPC call.
func (l *Ledger) DecimalsOf(ctx context.Context, token common.Address) (uint8, error) {
	key := decimalsKey(l.chainID, token)
	if d, ok := l.decimals.get(key); ok {
		return d, nil
	}
	v, err, _ := l.decimals.group.Do(key, func() (any, error) {
		if d, ok := l.decimals.get(key); ok {
			return d, nil
		}
		out, err := l.client.Call(ctx, token, contracts.TokenABI, "decimals")
		if err != nil {
			return uint8(0), err
		}
		d, err := chain.Uint8At(out, 0)
		if err != nil {
			return uint8(0), fmt.Errorf("decimals: %w", err)
		}
		l.decimals.put(key, d)
		l.log.Debug("token decimals cached", zap.Uint8("decimals", d), zap.Uint64("chain_id", l.chainID))
		return d, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint8), nil
}

// Parse converts a human string into an amount of this ledger's token.
func (l *Ledger) Parse(ctx context.Context, human string) (Amount, error) {
	d, err := l.Decimals(ctx)
	if err != nil {
		return Amount{}, err
	}
	return ParseHuman(human, d)
}

// FromRaw tags raw base units with this token's decimals.
func (l *Ledger) FromRaw(ctx context.Context, raw *big.Int) (Amount, error) {
	d, err := l.Decimals(ctx)
	if err != nil {
		return Amount{}, err
	}
	return NewAmount(raw, d), nil
}

func (l *Ledger) readAmount(ctx context.Context, method string, args ...any) (Amount, error) {
	d, err := l.Decimals(ctx)
	if err != nil {
		return Amount{}, err
	}
	out, err := l.client.Call(ctx, l.token, contracts.TokenABI, method, args...)
	if err != nil {
		return Amount{}, err
	}
	raw, err := chain.BigAt(out, 0)
	if err != nil {
		return Amount{}, fmt.Errorf("%s: %w", method, err)
	}
	return NewAmount(raw, d), nil
}

func (l *Ledger) BalanceOf(ctx context.Context, owner common.Address) (Amount, error) {
	return l.readAmount(ctx, "balanceOf", owner)
}

// Balance reads owner's balance, falling back to the last successful read
// when the refresh fails.
func (l *Ledger) Balance(ctx context.Context, owner common.Address) (lastknown.Value[Amount], error) {
	v, err := l.balances.Fetch(ctx, owner, func(ctx context.Context) (Amount, error) {
		return l.BalanceOf(ctx, owner)
	})
	if err == nil && v.Stale {
		l.metrics.IncStaleRead("token_balance")
		l.log.Warn("serving last known token balance",
			zap.String("owner", owner.Hex()),
			zap.Time("as_of", v.AsOf),
			zap.Error(v.Warning),
		)
	}
	return v, err
}

func (l *Ledger) Allowance(ctx context.Context, owner, spender common.Address) (Amount, error) {
	return l.readAmount(ctx, "allowance", owner, spender)
}

// Approve sets spender's allowance to amount and waits for the approval to
// reach its confirmation depth.
func (l *Ledger) Approve(ctx context.Context, spender common.Address, amount Amount, signer chain.Signer) (chain.TxHandle, error) {
	d, err := l.Decimals(ctx)
	if err != nil {
		return chain.TxHandle{}, err
	}
	if amount.Decimals != d {
		return chain.TxHandle{}, fmt.Errorf("approve: %w: token has %d, amount has %d", ErrDecimalsMismatch, d, amount.Decimals)
	}

	handle, receipt, err := l.writer.Submit(ctx, chain.OpApprove, l.token, contracts.TokenABI, "approve", signer, spender, amount.Raw)
	if err != nil {
		return handle, err
	}
	l.log.Info("approval confirmed",
		zap.String("spender", spender.Hex()),
		zap.String("amount", amount.Human()),
		zap.String("tx", handle.Hash.Hex()),
		zap.Uint64("confirmations", receipt.Confirmations),
	)
	return handle, nil
}

// EnsureAllowance re-reads the signer's allowance for spender and approves
// exactly amount when it falls short. It reports whether a fresh approval
// was needed. The allowance is never assumed from an earlier approval.
func (l *Ledger) EnsureAllowance(ctx context.Context, spender common.Address, amount Amount, signer chain.Signer) (bool, error) {
	owner := signer.Address()
	current, err := l.Allowance(ctx, owner, spender)
	if err != nil {
		return false, err
	}
	ok, err := current.Covers(amount)
	if err != nil {
		return false, err
	}
	if ok {
		l.log.Debug("allowance sufficient",
			zap.String("owner", owner.Hex()),
			zap.String("spender", spender.Hex()),
			zap.String("allowance", current.Human()),
		)
		return false, nil
	}

	if _, err := l.Approve(ctx, spender, amount, signer); err != nil {
		return true, err
	}

	after, err := l.Allowance(ctx, owner, spender)
	if err != nil {
		return true, err
	}
	if ok, _ := after.Covers(amount); !ok {
		return true, &chain.Error{
			Kind:   chain.ErrInsufficientAllowance,
			Op:     string(chain.OpApprove),
			Reason: fmt.Sprintf("allowance %s below %s after approval", after.Human(), amount.Human()),
		}
	}
	return true, nil
}
