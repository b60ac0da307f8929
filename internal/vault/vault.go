// Package vault drives deposits into and withdrawals from the yield vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/contracts"
	"roomfi/internal/keylock"
	"roomfi/internal/lastknown"
	"roomfi/internal/ledger"
	"roomfi/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPositionUnavailable means a deposit or withdrawal confirmed but the
// position could not be re-read afterwards.
var ErrPositionUnavailable = errors.New("position unavailable")

// Position is the cached projection of an owner's vault holdings. Accrued
// interest is computed on chain and only drops after a withdrawal.
type Position struct {
	Owner           common.Address `json:"owner"`
	Principal       ledger.Amount  `json:"principal"`
	AccruedInterest ledger.Amount  `json:"accruedInterest"`
	Allowance       ledger.Amount  `json:"allowance"`
	Stale           bool           `json:"stale"`
	AsOf            time.Time      `json:"asOf"`
}

type Config struct {
	Client   chain.Client
	Writer   chain.Writer
	Ledger   *ledger.Ledger
	Contract common.Address
	Locks    *keylock.Locker[common.Address]
	Clock    clockwork.Clock
	Metrics  *metrics.Registry
	Logger   *zap.Logger
}

type Service struct {
	client    chain.Client
	writer    chain.Writer
	ledger    *ledger.Ledger
	contract  common.Address
	locks     *keylock.Locker[common.Address]
	positions *lastknown.Cache[common.Address, Position]
	metrics   *metrics.Registry
	log       *zap.Logger
}

func New(cfg Config) *Service {
	if cfg.Locks == nil {
		cfg.Locks = keylock.New[common.Address]()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		client:    cfg.Client,
		writer:    cfg.Writer,
		ledger:    cfg.Ledger,
		contract:  cfg.Contract,
		locks:     cfg.Locks,
		positions: lastknown.New[common.Address, Position](cfg.Clock),
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With(zap.String("component", "vault"), zap.String("vault", cfg.Contract.Hex())),
	}
}

func (s *Service) Address() common.Address {
	return s.contract
}

// EnsureAllowance makes sure the vault may pull amount from the signer. It
// reports whether a fresh approval was needed and submitted.
func (s *Service) EnsureAllowance(ctx context.Context, amount ledger.Amount, signer chain.Signer) (bool, error) {
	return s.ledger.EnsureAllowance(ctx, s.contract, amount, signer)
}

// Deposit approves if needed, waits for that approval, then deposits and
// waits for the deposit's full confirmation depth before re-reading the
// position.
func (s *Service) Deposit(ctx context.Context, amount ledger.Amount, signer chain.Signer) (Position, error) {
	if amount.Sign() <= 0 {
		return Position{}, fmt.Errorf("deposit: %w: must be positive", ledger.ErrInvalidAmount)
	}
	owner := signer.Address()
	unlock, err := s.locks.Lock(ctx, owner)
	if err != nil {
		return Position{}, err
	}
	defer unlock()

	log := s.log.With(zap.String("owner", owner.Hex()), zap.String("amount", amount.Human()))

	approved, err := s.EnsureAllowance(ctx, amount, signer)
	if err != nil {
		log.Warn("deposit aborted, approval did not complete", zap.Error(err))
		return Position{}, err
	}

	handle, receipt, err := s.writer.Submit(ctx, chain.OpVaultDeposit, s.contract, contracts.VaultABI, "deposit", signer, amount.Raw)
	if err != nil {
		log.Warn("deposit did not complete", zap.Bool("approved", approved), zap.Error(err))
		return Position{}, depositError(err)
	}
	log.Info("deposit confirmed",
		zap.Bool("approved", approved),
		zap.String("tx", handle.Hash.Hex()),
		zap.Uint64("confirmations", receipt.Confirmations),
	)
	return s.refreshAfter(ctx, owner, handle)
}

func depositError(err error) error {
	if errors.Is(err, chain.ErrCallReverted) && strings.Contains(strings.ToLower(chain.RevertReason(err)), "allowance") {
		return chain.Wrap(chain.ErrInsufficientAllowance, string(chain.OpVaultDeposit), err)
	}
	return err
}

// Withdraw forwards to the vault without checking sufficiency locally; the
// contract decides whether accrued interest counts.
func (s *Service) Withdraw(ctx context.Context, amount ledger.Amount, signer chain.Signer) (Position, error) {
	if amount.Sign() <= 0 {
		return Position{}, fmt.Errorf("withdraw: %w: must be positive", ledger.ErrInvalidAmount)
	}
	d, err := s.ledger.Decimals(ctx)
	if err != nil {
		return Position{}, err
	}
	if amount.Decimals != d {
		return Position{}, fmt.Errorf("withdraw: %w", ledger.ErrDecimalsMismatch)
	}

	owner := signer.Address()
	unlock, err := s.locks.Lock(ctx, owner)
	if err != nil {
		return Position{}, err
	}
	defer unlock()

	handle, _, err := s.writer.Submit(ctx, chain.OpVaultWithdraw, s.contract, contracts.VaultABI, "withdraw", signer, amount.Raw)
	if err != nil {
		if errors.Is(err, chain.ErrCallReverted) || errors.Is(err, chain.ErrTransactionFailed) {
			err = chain.Wrap(chain.ErrInsufficientVaultBalance, string(chain.OpVaultWithdraw), err)
		}
		s.log.Warn("withdraw did not complete", zap.String("owner", owner.Hex()), zap.Error(err))
		return Position{}, err
	}
	s.log.Info("withdraw confirmed",
		zap.String("owner", owner.Hex()),
		zap.String("amount", amount.Human()),
		zap.String("tx", handle.Hash.Hex()),
	)
	return s.refreshAfter(ctx, owner, handle)
}

// refreshAfter re-reads owner's position once handle confirmed. The cached
// position predates the transaction and is never served in its place.
func (s *Service) refreshAfter(ctx context.Context, owner common.Address, handle chain.TxHandle) (Position, error) {
	s.positions.Forget(owner)
	p, err := s.Position(ctx, owner)
	if err != nil {
		s.log.Error("position re-read failed after confirmed transaction",
			zap.String("owner", owner.Hex()),
			zap.String("tx", handle.Hash.Hex()),
			zap.Error(err),
		)
		return Position{}, &chain.Error{
			Kind:      ErrPositionUnavailable,
			Op:        string(handle.Kind),
			Reason:    "transaction confirmed, position re-read failed",
			Tx:        &handle,
			Broadcast: true,
			Err:       err,
		}
	}
	return p, nil
}

// Position reads the owner's principal, accrued interest and allowance
// towards the vault. A failed refresh falls back to the last known
// position, flagged Stale.
func (s *Service) Position(ctx context.Context, owner common.Address) (Position, error) {
	v, err := s.positions.Fetch(ctx, owner, func(ctx context.Context) (Position, error) {
		return s.readPosition(ctx, owner)
	})
	if err != nil {
		return Position{}, err
	}
	p := v.V
	p.AsOf = v.AsOf
	p.Stale = v.Stale
	if v.Stale {
		s.metrics.IncStaleRead("vault_position")
		s.log.Warn("serving last known vault position",
			zap.String("owner", owner.Hex()),
			zap.Time("as_of", v.AsOf),
			zap.Error(v.Warning),
		)
	}
	return p, nil
}

func (s *Service) readPosition(ctx context.Context, owner common.Address) (Position, error) {
	d, err := s.ledger.Decimals(ctx)
	if err != nil {
		return Position{}, err
	}
	p := Position{Owner: owner}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := s.readUint(gctx, "balanceOf", owner)
		p.Principal = ledger.NewAmount(raw, d)
		return err
	})
	g.Go(func() error {
		raw, err := s.readUint(gctx, "calculateInterest", owner)
		p.AccruedInterest = ledger.NewAmount(raw, d)
		return err
	})
	g.Go(func() error {
		a, err := s.ledger.Allowance(gctx, owner, s.contract)
		p.Allowance = a
		return err
	})
	if err := g.Wait(); err != nil {
		return Position{}, err
	}
	return p, nil
}

func (s *Service) readUint(ctx context.Context, method string, owner common.Address) (*big.Int, error) {
	out, err := s.client.Call(ctx, s.contract, contracts.VaultABI, method, owner)
	if err != nil {
		return nil, err
	}
	v, err := chain.BigAt(out, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil
}
