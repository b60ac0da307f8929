package agreement

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
	"roomfi/internal/ledger"
	"roomfi/internal/passport"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Client          chain.Client
	Writer          chain.Writer
	Ledger          *ledger.Ledger
	Passports       *passport.Service
	Factory         common.Address
	DisputeResolver common.Address
	Locks           *keylock.Locker[common.Address]
	// Journal, when set, is consulted before value-bearing sends so an
	// earlier attempt whose outcome is unknown is settled instead of repeated.
	Journal Journal
	Logger  *zap.Logger
}

// Journal lists broadcast transactions whose outcome is still unknown and
// forgets them once settled.
type Journal interface {
	Unresolved(ctx context.Context) ([]chain.TxHandle, error)
	Resolve(ctx context.Context, h chain.TxHandle) error
}

// recentCreations bounds how many of a landlord's newest agreements Create
// inspects for an identical pending one.
const recentCreations = 5

type Orchestrator struct {
	client    chain.Client
	writer    chain.Writer
	ledger    *ledger.Ledger
	passports *passport.Service
	factory   common.Address
	disputes  common.Address
	locks     *keylock.Locker[common.Address]
	journal   Journal
	log       *zap.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Locks == nil {
		cfg.Locks = keylock.New[common.Address]()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		client:    cfg.Client,
		writer:    cfg.Writer,
		ledger:    cfg.Ledger,
		passports: cfg.Passports,
		factory:   cfg.Factory,
		disputes:  cfg.DisputeResolver,
		locks:     cfg.Locks,
		journal:   cfg.Journal,
		log:       cfg.Logger.With(zap.String("component", "agreement")),
	}
}

// Get reads the agreement at addr from chain.
func (o *Orchestrator) Get(ctx context.Context, addr common.Address) (*Agreement, error) {
	decimals, err := o.ledger.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	a := &Agreement{Address: addr}

	var details []any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		details, err = o.client.Call(gctx, addr, contracts.AgreementABI, "getAgreementDetails")
		return err
	})
	g.Go(func() error {
		out, err := o.client.Call(gctx, addr, contracts.AgreementABI, "status")
		if err != nil {
			return err
		}
		s, err := chain.Uint8At(out, 0)
		a.State = State(s)
		return err
	})
	for _, flag := range []struct {
		method string
		dst    *bool
	}{
		{"landlordSigned", &a.LandlordSigned},
		{"tenantSigned", &a.TenantSigned},
		{"depositPaid", &a.DepositPaid},
	} {
		flag := flag
		g.Go(func() error {
			out, err := o.client.Call(gctx, addr, contracts.AgreementABI, flag.method)
			if err != nil {
				return err
			}
			*flag.dst, err = chain.BoolAt(out, 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := decodeDetails(a, details, decimals); err != nil {
		return nil, fmt.Errorf("agreement %s: %w", addr.Hex(), err)
	}
	return a, nil
}

func decodeDetails(a *Agreement, out []any, decimals uint8) error {
	var err error
	if a.PropertyID, err = chain.BigAt(out, 0); err != nil {
		return err
	}
	if a.Landlord, err = chain.AddressAt(out, 1); err != nil {
		return err
	}
	if a.Tenant, err = chain.AddressAt(out, 2); err != nil {
		return err
	}
	nums := make([]*big.Int, 5)
	for i := range nums {
		if nums[i], err = chain.BigAt(out, 3+i); err != nil {
			return err
		}
	}
	a.MonthlyRent = ledger.NewAmount(nums[0], decimals)
	a.SecurityDeposit = ledger.NewAmount(nums[1], decimals)
	a.DurationMonths = nums[2].Uint64()
	a.PaymentsMade = nums[3].Uint64()
	if due := nums[4]; due.Sign() > 0 {
		a.NextPaymentDue = time.Unix(due.Int64(), 0).UTC()
	}
	return nil
}

func (o *Orchestrator) list(ctx context.Context, method string, party common.Address) ([]common.Address, error) {
	out, err := o.client.Call(ctx, o.factory, contracts.FactoryABI, method, party)
	if err != nil {
		return nil, err
	}
	return chain.AddressesAt(out, 0)
}

func (o *Orchestrator) ListForTenant(ctx context.Context, tenant common.Address) ([]common.Address, error) {
	return o.list(ctx, "getTenantAgreements", tenant)
}

func (o *Orchestrator) ListForLandlord(ctx context.Context, landlord common.Address) ([]common.Address, error) {
	return o.list(ctx, "getLandlordAgreements", landlord)
}

// Create deploys a new agreement through the factory. The named tenant must
// already hold a passport. A journaled creation still in doubt is settled
// first, and a recent pending agreement from the same landlord with
// identical terms is returned instead of creating another.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest, signer chain.Signer) (Outcome, error) {
	landlord := signer.Address()
	decimals, err := o.ledger.Decimals(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if err := req.validate(landlord, decimals); err != nil {
		return Outcome{}, err
	}

	unlock, err := o.locks.Lock(ctx, landlord)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	log := o.log.With(zap.String("landlord", landlord.Hex()), zap.String("tenant", req.Tenant.Hex()))

	onboarded, err := o.passports.HasPassport(ctx, req.Tenant)
	if err != nil {
		return Outcome{}, err
	}
	if !onboarded {
		return Outcome{}, &chain.Error{Kind: chain.ErrTenantNotOnboarded, Op: string(chain.OpCreate), Reason: req.Tenant.Hex()}
	}

	prior, receipt, err := o.settleInDoubt(ctx, chain.OpCreate, landlord, o.factory)
	if err != nil {
		return Outcome{Tx: prior}, err
	}
	if prior != nil {
		if addr, ok := createdAddress(receipt, o.factory); ok {
			a, err := o.Get(ctx, addr)
			if err != nil {
				return Outcome{Tx: prior}, err
			}
			if a.State == Pending && req.matches(a, landlord) {
				log.Info("earlier create confirmed", zap.String("agreement", addr.Hex()), zap.String("tx", prior.Hash.Hex()))
				out := skipped(a, "agreement already created")
				out.Tx = prior
				return out, nil
			}
		}
	}

	if existing, err := o.findPending(ctx, req, landlord); err != nil {
		return Outcome{}, err
	} else if existing != nil {
		log.Info("matching pending agreement already exists", zap.String("agreement", existing.Address.Hex()))
		return skipped(existing, "agreement already created"), nil
	}

	handle, receipt, err := o.writer.Submit(ctx, chain.OpCreate, o.factory, contracts.FactoryABI, "createAgreement", signer,
		req.PropertyID, req.Tenant, req.MonthlyRent.Raw, req.SecurityDeposit.Raw, new(big.Int).SetUint64(req.DurationMonths))
	if err != nil {
		log.Warn("create agreement did not complete", zap.Error(err))
		return Outcome{}, err
	}

	addr, ok := createdAddress(receipt, o.factory)
	if !ok {
		existing, err := o.findPending(ctx, req, landlord)
		if err != nil {
			return Outcome{Tx: &handle}, err
		}
		if existing == nil {
			return Outcome{Tx: &handle}, fmt.Errorf("create agreement: no AgreementCreated event in tx %s", handle.Hash.Hex())
		}
		addr = existing.Address
	}
	log.Info("agreement created", zap.String("agreement", addr.Hex()), zap.String("tx", handle.Hash.Hex()))

	a, err := o.Get(ctx, addr)
	if err != nil {
		return Outcome{Tx: &handle}, err
	}
	return Outcome{Tx: &handle, Agreement: a}, nil
}

func (o *Orchestrator) findPending(ctx context.Context, req CreateRequest, landlord common.Address) (*Agreement, error) {
	addrs, err := o.ListForLandlord(ctx, landlord)
	if err != nil {
		return nil, err
	}
	for i := len(addrs) - 1; i >= 0 && i >= len(addrs)-recentCreations; i-- {
		a, err := o.Get(ctx, addrs[i])
		if err != nil {
			return nil, err
		}
		if a.State == Pending && req.matches(a, landlord) {
			return a, nil
		}
	}
	return nil, nil
}

// settleInDoubt waits on a journaled transaction of kind from from to to.
// It returns a nil handle when nothing is in doubt or the earlier attempt
// failed, so a fresh send is safe. A handle with a nil error means the
// earlier attempt confirmed; with an error it is still unresolved.
func (o *Orchestrator) settleInDoubt(ctx context.Context, kind chain.OperationKind, from, to common.Address) (*chain.TxHandle, *chain.Receipt, error) {
	if o.journal == nil {
		return nil, nil, nil
	}
	handles, err := o.journal.Unresolved(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read pending journal: %w", err)
	}
	for _, h := range handles {
		if h.Kind != kind || h.From != from || h.To != to {
			continue
		}
		log := o.log.With(zap.String("tx", h.Hash.Hex()), zap.String("op", string(kind)))
		receipt, err := o.client.AwaitConfirmations(ctx, h, o.writer.Policy.For(kind), o.writer.Timeout)
		switch {
		case err == nil:
			o.resolve(ctx, h)
			return &h, receipt, nil
		case errors.Is(err, chain.ErrTransactionFailed):
			log.Info("earlier attempt failed on chain, sending again")
			o.resolve(ctx, h)
		default:
			log.Warn("earlier attempt still unresolved", zap.Error(err))
			return &h, nil, err
		}
	}
	return nil, nil, nil
}

func (o *Orchestrator) resolve(ctx context.Context, h chain.TxHandle) {
	if err := o.journal.Resolve(ctx, h); err != nil {
		o.log.Warn("could not clear settled transaction", zap.String("tx", h.Hash.Hex()), zap.Error(err))
	}
}

// earlierPayment settles an in-doubt payment of kind by signer on a. done
// is false when a new payment may be sent.
func (o *Orchestrator) earlierPayment(ctx context.Context, a *Agreement, kind chain.OperationKind, signer chain.Signer) (Outcome, bool, error) {
	prior, _, err := o.settleInDoubt(ctx, kind, signer.Address(), a.Address)
	switch {
	case prior == nil && err == nil:
		return Outcome{}, false, nil
	case err != nil:
		return Outcome{Tx: prior}, true, err
	}
	out, err := o.refreshed(ctx, a.Address, *prior, false)
	out.Skipped, out.SkipReason = true, "earlier payment confirmed"
	return out, true, err
}

func createdAddress(receipt *chain.Receipt, factory common.Address) (common.Address, bool) {
	if receipt == nil {
		return common.Address{}, false
	}
	event := contracts.FactoryABI.Events["AgreementCreated"]
	for _, l := range receipt.Logs {
		if l.Address != factory || len(l.Topics) < 2 || l.Topics[0] != event.ID {
			continue
		}
		return common.BytesToAddress(l.Topics[1].Bytes()), true
	}
	return common.Address{}, false
}

// lockAndLoad serialises work on addr and returns its fresh on-chain state.
func (o *Orchestrator) lockAndLoad(ctx context.Context, addr common.Address) (*Agreement, func(), error) {
	unlock, err := o.locks.Lock(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	a, err := o.Get(ctx, addr)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return a, unlock, nil
}

// Sign submits landlordSign or tenantSign depending on who the signer is.
// Signing twice is a no-op.
func (o *Orchestrator) Sign(ctx context.Context, addr common.Address, signer chain.Signer) (Outcome, error) {
	a, unlock, err := o.lockAndLoad(ctx, addr)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	role := a.RoleOf(signer.Address())
	var (
		method string
		signed bool
	)
	switch role {
	case LandlordRole:
		method, signed = "landlordSign", a.LandlordSigned
	case TenantRole:
		method, signed = "tenantSign", a.TenantSigned
	default:
		return Outcome{}, fmt.Errorf("sign %s: %w", addr.Hex(), ErrNotParty)
	}

	log := o.log.With(zap.String("agreement", addr.Hex()), zap.String("method", method))
	if signed {
		log.Info("already signed, nothing to submit")
		return skipped(a, chain.ErrDuplicateSignature.Error()), nil
	}
	if a.State != Pending {
		return Outcome{}, fmt.Errorf("sign %s in state %s: %w", addr.Hex(), a.State, ErrTransitionNotAllowed)
	}

	handle, _, err := o.writer.Submit(ctx, chain.OpSign, addr, contracts.AgreementABI, method, signer)
	if err != nil {
		if errors.Is(err, chain.ErrCallReverted) && !chain.FundsMayHaveMoved(err) {
			// another session may have signed between our read and send
			if fresh, rerr := o.Get(ctx, addr); rerr == nil && signedBy(fresh, role) {
				log.Info("signature landed concurrently")
				return skipped(fresh, chain.ErrDuplicateSignature.Error()), nil
			}
		}
		log.Warn("sign did not complete", zap.Error(err))
		return Outcome{}, err
	}
	log.Info("signature confirmed", zap.String("tx", handle.Hash.Hex()))
	return o.refreshed(ctx, addr, handle, false)
}

func signedBy(a *Agreement, role Role) bool {
	if role == LandlordRole {
		return a.LandlordSigned
	}
	return a.TenantSigned
}

func (o *Orchestrator) refreshed(ctx context.Context, addr common.Address, handle chain.TxHandle, approved bool) (Outcome, error) {
	a, err := o.Get(ctx, addr)
	if err != nil {
		return Outcome{Tx: &handle, Approved: approved}, err
	}
	return Outcome{Tx: &handle, Approved: approved, Agreement: a}, nil
}

// PayDeposit approves the security deposit for the agreement and pays it.
// Only the tenant may pay, only once both parties have signed.
func (o *Orchestrator) PayDeposit(ctx context.Context, addr common.Address, signer chain.Signer) (Outcome, error) {
	a, unlock, err := o.lockAndLoad(ctx, addr)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	if a.RoleOf(signer.Address()) != TenantRole {
		return Outcome{}, fmt.Errorf("pay deposit %s: %w", addr.Hex(), ErrNotParty)
	}
	if a.DepositPaid {
		return skipped(a, "deposit already paid"), nil
	}
	if prior, done, err := o.earlierPayment(ctx, a, chain.OpPayDeposit, signer); done {
		return prior, err
	}
	if !a.FullySigned() || a.State.Terminal() {
		return Outcome{}, fmt.Errorf("pay deposit %s (landlord signed %t, tenant signed %t, state %s): %w",
			addr.Hex(), a.LandlordSigned, a.TenantSigned, a.State, ErrTransitionNotAllowed)
	}

	return o.approveAndPay(ctx, a, a.SecurityDeposit, chain.OpPayDeposit, "paySecurityDeposit", signer)
}

// PayRent pays one month of rent. observedPayments is the payment count the
// caller saw before its previous attempt; when chain already shows more,
// the earlier attempt landed and nothing is sent. Pass nil on a first
// attempt. A journaled payment still in doubt is awaited rather than
// repeated.
func (o *Orchestrator) PayRent(ctx context.Context, addr common.Address, observedPayments *uint64, signer chain.Signer) (Outcome, error) {
	a, unlock, err := o.lockAndLoad(ctx, addr)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	if a.RoleOf(signer.Address()) != TenantRole {
		return Outcome{}, fmt.Errorf("pay rent %s: %w", addr.Hex(), ErrNotParty)
	}
	if observedPayments != nil && a.PaymentsMade > *observedPayments {
		return skipped(a, "rent payment already recorded"), nil
	}
	if prior, done, err := o.earlierPayment(ctx, a, chain.OpPayRent, signer); done {
		return prior, err
	}
	if a.State != Active || !a.DepositPaid {
		return Outcome{}, fmt.Errorf("pay rent %s (state %s, deposit paid %t): %w",
			addr.Hex(), a.State, a.DepositPaid, ErrTransitionNotAllowed)
	}

	return o.approveAndPay(ctx, a, a.MonthlyRent, chain.OpPayRent, "payRent", signer)
}

// approveAndPay runs the two-phase protocol: the agreement contract is
// approved to pull amount and that approval is confirmed before the payment
// is sent. A failed approval never reaches the payment.
func (o *Orchestrator) approveAndPay(ctx context.Context, a *Agreement, amount ledger.Amount, kind chain.OperationKind, method string, signer chain.Signer) (Outcome, error) {
	log := o.log.With(zap.String("agreement", a.Address.Hex()), zap.String("op", string(kind)), zap.String("amount", amount.Human()))

	approved, err := o.ledger.EnsureAllowance(ctx, a.Address, amount, signer)
	if err != nil {
		log.Warn("payment aborted, approval did not complete", zap.Error(err))
		return Outcome{Approved: approved}, err
	}

	handle, receipt, err := o.writer.Submit(ctx, kind, a.Address, contracts.AgreementABI, method, signer)
	if err != nil {
		if errors.Is(err, chain.ErrCallReverted) && strings.Contains(strings.ToLower(chain.RevertReason(err)), "allowance") {
			err = chain.Wrap(chain.ErrInsufficientAllowance, string(kind), err)
		}
		log.Warn("payment did not complete", zap.Error(err))
		return Outcome{Approved: approved}, err
	}
	log.Info("payment confirmed", zap.String("tx", handle.Hash.Hex()), zap.Uint64("confirmations", receipt.Confirmations))
	return o.refreshed(ctx, a.Address, handle, approved)
}

// RaiseDispute opens a dispute on an active agreement. Arbitration happens
// outside this service; the resulting state is observed on later reads.
func (o *Orchestrator) RaiseDispute(ctx context.Context, addr common.Address, reason uint8, evidence string, signer chain.Signer) (Outcome, error) {
	if o.disputes == (common.Address{}) {
		return Outcome{}, ErrNoDisputeResolver
	}
	a, unlock, err := o.lockAndLoad(ctx, addr)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	if a.RoleOf(signer.Address()) == NoRole {
		return Outcome{}, fmt.Errorf("dispute %s: %w", addr.Hex(), ErrNotParty)
	}
	if a.State == Disputed {
		return skipped(a, "agreement already disputed"), nil
	}
	if a.State != Active {
		return Outcome{}, fmt.Errorf("dispute %s in state %s: %w", addr.Hex(), a.State, ErrTransitionNotAllowed)
	}

	handle, receipt, err := o.writer.Submit(ctx, chain.OpDispute, o.disputes, contracts.DisputeResolverABI, "raiseDispute", signer, addr, reason, evidence)
	if err != nil {
		o.log.Warn("raise dispute did not complete", zap.String("agreement", addr.Hex()), zap.Error(err))
		return Outcome{}, err
	}
	out, err := o.refreshed(ctx, addr, handle, false)
	out.DisputeID = disputeID(receipt, o.disputes)
	o.log.Info("dispute raised",
		zap.String("agreement", addr.Hex()),
		zap.Uint8("reason", reason),
		zap.Stringer("dispute_id", out.DisputeID),
	)
	return out, err
}

func disputeID(receipt *chain.Receipt, resolver common.Address) *big.Int {
	if receipt == nil {
		return nil
	}
	event := contracts.DisputeResolverABI.Events["DisputeRaised"]
	for _, l := range receipt.Logs {
		if l.Address == resolver && len(l.Topics) >= 2 && l.Topics[0] == event.ID {
			return new(big.Int).SetBytes(l.Topics[1].Bytes())
		}
	}
	return nil
}

// RespondToDispute submits the signer's evidence for an open dispute on
// addr. A party that already responded is not resubmitted.
func (o *Orchestrator) RespondToDispute(ctx context.Context, addr common.Address, id *big.Int, evidence string, signer chain.Signer) (Outcome, error) {
	if o.disputes == (common.Address{}) {
		return Outcome{}, ErrNoDisputeResolver
	}
	a, unlock, err := o.lockAndLoad(ctx, addr)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	if a.RoleOf(signer.Address()) == NoRole {
		return Outcome{}, fmt.Errorf("respond to dispute on %s: %w", addr.Hex(), ErrNotParty)
	}

	out, err := o.client.Call(ctx, o.disputes, contracts.DisputeResolverABI, "hasResponded", id, signer.Address())
	if err != nil {
		return Outcome{}, err
	}
	responded, err := chain.BoolAt(out, 0)
	if err != nil {
		return Outcome{}, fmt.Errorf("hasResponded: %w", err)
	}
	if responded {
		res := skipped(a, "already responded")
		res.DisputeID = id
		return res, nil
	}
	if a.State != Disputed {
		return Outcome{}, fmt.Errorf("respond to dispute on %s in state %s: %w", addr.Hex(), a.State, ErrTransitionNotAllowed)
	}

	handle, _, err := o.writer.Submit(ctx, chain.OpDispute, o.disputes, contracts.DisputeResolverABI, "respondToDispute", signer, id, evidence)
	if err != nil {
		return Outcome{}, err
	}
	res, err := o.refreshed(ctx, addr, handle, false)
	res.DisputeID = id
	return res, err
}
