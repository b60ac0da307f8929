package agreement

import (
	"context"
	"math/big"
	"slices"
	"sync"
	"testing"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/chain/chaintest"
	"roomfi/internal/ledger"
	"roomfi/internal/passport"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChain = 420420422

type fixture struct {
	world    *chaintest.World
	orch     *Orchestrator
	landlord chaintest.Signer
	tenant   chaintest.Signer
	pending  []chain.TxHandle
	mu       sync.Mutex
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	w := chaintest.NewWorld(testChain, 6)
	f := &fixture{world: w, landlord: w.SignerFor("landlord"), tenant: w.SignerFor("tenant")}

	writer := chain.Writer{
		Client:  w.Backend,
		Policy:  chain.DefaultConfirmationPolicy(),
		Timeout: timeout,
		OnPending: func(h chain.TxHandle) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.pending = append(f.pending, h)
		},
	}
	l := ledger.New(ledger.Config{Client: w.Backend, Writer: writer, ChainID: testChain, Token: w.Addresses.Token})
	p := passport.New(passport.Config{Client: w.Backend, Writer: writer, Contract: w.Addresses.Passport})
	f.orch = New(Config{
		Client:          w.Backend,
		Writer:          writer,
		Ledger:          l,
		Passports:       p,
		Factory:         w.Addresses.Factory,
		DisputeResolver: w.Addresses.DisputeResolver,
		Journal:         f,
	})

	w.Passport.Issue(f.tenant.Addr, chaintest.TenantInfo{Reputation: 700})
	w.Token.Mint(f.tenant.Addr, big.NewInt(1_000_000_000_000))
	return f
}

func (f *fixture) Unresolved(context.Context) ([]chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pending), nil
}

func (f *fixture) Resolve(_ context.Context, h chain.TxHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = slices.DeleteFunc(f.pending, func(p chain.TxHandle) bool { return p.Hash == h.Hash })
	return nil
}

func (f *fixture) unresolved() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fixture) request() CreateRequest {
	return CreateRequest{
		PropertyID:      big.NewInt(7),
		Tenant:          f.tenant.Addr,
		MonthlyRent:     ledger.MustParseHuman("25000", 6),
		SecurityDeposit: ledger.MustParseHuman("50000", 6),
		DurationMonths:  12,
	}
}

func (f *fixture) create(t *testing.T) *Agreement {
	t.Helper()
	out, err := f.orch.Create(context.Background(), f.request(), f.landlord)
	require.NoError(t, err)
	require.NotNil(t, out.Agreement)
	return out.Agreement
}

func (f *fixture) activate(t *testing.T, addr common.Address) {
	t.Helper()
	f.world.Factory.Agreement(addr).SetStatus(chaintest.StatusActive)
}

func TestCreateRequiresTenantPassport(t *testing.T) {
	f := newFixture(t, time.Second)
	req := f.request()
	req.Tenant = chaintest.Account("stranger")

	_, err := f.orch.Create(context.Background(), req, f.landlord)
	require.ErrorIs(t, err, chain.ErrTenantNotOnboarded)
	assert.False(t, chain.FundsMayHaveMoved(err))
	assert.Equal(t, 0, f.world.Backend.TotalSends())
}

func TestCreateRejectsBadTerms(t *testing.T) {
	f := newFixture(t, time.Second)

	req := f.request()
	req.DurationMonths = 0
	_, err := f.orch.Create(context.Background(), req, f.landlord)
	assert.ErrorIs(t, err, ErrInvalidTerms)

	req = f.request()
	req.MonthlyRent = ledger.MustParseHuman("25000", 18)
	_, err = f.orch.Create(context.Background(), req, f.landlord)
	assert.ErrorIs(t, err, ledger.ErrDecimalsMismatch)

	assert.Equal(t, 0, f.world.Backend.TotalSends())
}

func TestCreateIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Second)
	first := f.create(t)

	again, err := f.orch.Create(context.Background(), f.request(), f.landlord)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, first.Address, again.Agreement.Address)
	assert.Equal(t, 1, f.world.Factory.Created())

	listed, err := f.orch.ListForTenant(context.Background(), f.tenant.Addr)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{first.Address}, listed)
}

func TestRentalLifecycle(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	a := f.create(t)
	assert.Equal(t, Pending, a.State)
	assert.Equal(t, "25000.000000", a.MonthlyRent.Human())
	assert.Equal(t, "25000000000", a.MonthlyRent.Raw.String())
	assert.Equal(t, f.landlord.Addr, a.Landlord)
	assert.Equal(t, uint64(12), a.DurationMonths)

	_, err := f.orch.PayDeposit(ctx, a.Address, f.tenant)
	require.ErrorIs(t, err, ErrTransitionNotAllowed)

	out, err := f.orch.Sign(ctx, a.Address, f.landlord)
	require.NoError(t, err)
	assert.True(t, out.Agreement.LandlordSigned)
	assert.False(t, out.Agreement.TenantSigned)

	_, err = f.orch.PayDeposit(ctx, a.Address, f.tenant)
	require.ErrorIs(t, err, ErrTransitionNotAllowed)
	assert.Equal(t, 0, f.world.Backend.Sends("token.approve"))

	out, err = f.orch.Sign(ctx, a.Address, f.tenant)
	require.NoError(t, err)
	assert.True(t, out.Agreement.FullySigned())

	out, err = f.orch.PayDeposit(ctx, a.Address, f.tenant)
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.True(t, out.Agreement.DepositPaid)
	assert.Equal(t, Pending, out.Agreement.State)

	journal := f.world.Backend.Journal()
	assert.Less(t, slices.Index(journal, "send:token.approve"), slices.Index(journal, "send:agreement.paySecurityDeposit"))
	assert.Contains(t, journal, "confirm:agreement.paySecurityDeposit:2")

	_, err = f.orch.PayRent(ctx, a.Address, nil, f.tenant)
	require.ErrorIs(t, err, ErrTransitionNotAllowed)

	f.activate(t, a.Address)
	fresh, err := f.orch.Get(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, Active, fresh.State)

	observed := fresh.PaymentsMade
	out, err = f.orch.PayRent(ctx, a.Address, &observed, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.Agreement.PaymentsMade)
	assert.False(t, out.Agreement.NextPaymentDue.IsZero())
	assert.Equal(t, 0, f.world.Token.BalanceOf(f.landlord.Addr).Cmp(big.NewInt(25_000_000_000)))

	// repeating with the same observation does not pay twice
	out, err = f.orch.PayRent(ctx, a.Address, &observed, f.tenant)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, 1, f.world.Backend.Sends("agreement.payRent"))
}

func TestSignIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.create(t)

	first, err := f.orch.Sign(context.Background(), a.Address, f.landlord)
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := f.orch.Sign(context.Background(), a.Address, f.landlord)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, chain.ErrDuplicateSignature.Error(), second.SkipReason)
	assert.Equal(t, first.Agreement, second.Agreement)
	assert.Equal(t, 1, f.world.Backend.Sends("agreement.landlordSign"))
}

func TestConcurrentSignSubmitsOnce(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.create(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Sign(context.Background(), a.Address, f.tenant)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.world.Backend.Sends("agreement.tenantSign"))
}

func TestSignTimeoutThenLandsLater(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	a := f.create(t)
	f.world.Backend.HoldNext("tenantSign")

	_, err := f.orch.Sign(context.Background(), a.Address, f.tenant)
	require.ErrorIs(t, err, chain.ErrTransactionPending)
	assert.True(t, chain.FundsMayHaveMoved(err))
	handle, ok := chain.PendingHandle(err)
	require.True(t, ok)
	pending, err := f.Unresolved(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, handle.Hash, pending[0].Hash)

	f.world.Backend.Mine(1)

	out, err := f.orch.Sign(context.Background(), a.Address, f.tenant)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.True(t, out.Agreement.TenantSigned)
	assert.Equal(t, 1, f.world.Backend.Sends("agreement.tenantSign"))
}

func TestCancelledWaitKeepsBroadcast(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.create(t)
	f.world.Backend.HoldNext("landlordSign")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if slices.Contains(f.world.Backend.Journal(), "send:agreement.landlordSign") {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	_, err := f.orch.Sign(ctx, a.Address, f.landlord)
	require.ErrorIs(t, err, chain.ErrTransactionPending)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, chain.FundsMayHaveMoved(err))
}

func TestOnlyPartiesMayAct(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.create(t)
	stranger := f.world.SignerFor("stranger")

	_, err := f.orch.Sign(context.Background(), a.Address, stranger)
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.orch.PayDeposit(context.Background(), a.Address, f.landlord)
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.orch.RaiseDispute(context.Background(), a.Address, 1, "", stranger)
	assert.ErrorIs(t, err, ErrNotParty)
}

func (f *fixture) signAndPayDeposit(t *testing.T, a *Agreement) {
	t.Helper()
	ctx := context.Background()
	_, err := f.orch.Sign(ctx, a.Address, f.landlord)
	require.NoError(t, err)
	_, err = f.orch.Sign(ctx, a.Address, f.tenant)
	require.NoError(t, err)
	_, err = f.orch.PayDeposit(ctx, a.Address, f.tenant)
	require.NoError(t, err)
}

func TestPayDepositStopsWhenApprovalFails(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.create(t)
	ctx := context.Background()
	_, err := f.orch.Sign(ctx, a.Address, f.landlord)
	require.NoError(t, err)
	_, err = f.orch.Sign(ctx, a.Address, f.tenant)
	require.NoError(t, err)

	f.world.Backend.FailSend("approve", &chain.Error{Kind: chain.ErrUserRejected, Op: "approve"})
	_, err = f.orch.PayDeposit(ctx, a.Address, f.tenant)
	require.ErrorIs(t, err, chain.ErrUserRejected)
	assert.False(t, chain.FundsMayHaveMoved(err))
	assert.Equal(t, 0, f.world.Backend.Sends("agreement.paySecurityDeposit"))

	out, err := f.orch.PayDeposit(ctx, a.Address, f.tenant)
	require.NoError(t, err)
	assert.True(t, out.Agreement.DepositPaid)

	again, err := f.orch.PayDeposit(ctx, a.Address, f.tenant)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestDisputeFlow(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	a := f.create(t)

	_, err := f.orch.RaiseDispute(ctx, a.Address, 2, "ipfs://evidence", f.tenant)
	require.ErrorIs(t, err, ErrTransitionNotAllowed)

	f.signAndPayDeposit(t, a)
	f.activate(t, a.Address)

	out, err := f.orch.RaiseDispute(ctx, a.Address, 2, "ipfs://evidence", f.tenant)
	require.NoError(t, err)
	require.NotNil(t, out.DisputeID)
	assert.Equal(t, int64(1), out.DisputeID.Int64())
	assert.Equal(t, Disputed, out.Agreement.State)

	again, err := f.orch.RaiseDispute(ctx, a.Address, 2, "ipfs://evidence", f.tenant)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, 1, f.world.Disputes.Raised())

	resp, err := f.orch.RespondToDispute(ctx, a.Address, out.DisputeID, "ipfs://reply", f.landlord)
	require.NoError(t, err)
	assert.False(t, resp.Skipped)

	resp, err = f.orch.RespondToDispute(ctx, a.Address, out.DisputeID, "ipfs://reply", f.landlord)
	require.NoError(t, err)
	assert.True(t, resp.Skipped)
	assert.Equal(t, 1, f.world.Backend.Sends("disputes.respondToDispute"))

	// arbitration outcome is observed, not driven
	f.world.Factory.Agreement(a.Address).SetStatus(chaintest.StatusActive)
	fresh, err := f.orch.Get(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, Active, fresh.State)
}

func TestPayRentRetryAwaitsPaymentInDoubt(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()
	a := f.create(t)
	f.signAndPayDeposit(t, a)
	f.activate(t, a.Address)

	f.world.Backend.HoldNext("payRent")
	_, err := f.orch.PayRent(ctx, a.Address, nil, f.tenant)
	require.ErrorIs(t, err, chain.ErrTransactionPending)
	handle, ok := chain.PendingHandle(err)
	require.True(t, ok)

	// still unmined: the retry waits on the same transaction
	_, err = f.orch.PayRent(ctx, a.Address, nil, f.tenant)
	require.ErrorIs(t, err, chain.ErrTransactionPending)
	assert.Equal(t, 1, f.world.Backend.Sends("agreement.payRent"))

	f.world.Backend.Mine(3)
	out, err := f.orch.PayRent(ctx, a.Address, nil, f.tenant)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	require.NotNil(t, out.Tx)
	assert.Equal(t, handle.Hash, out.Tx.Hash)
	assert.Equal(t, uint64(1), out.Agreement.PaymentsMade)
	assert.Equal(t, 1, f.world.Backend.Sends("agreement.payRent"))
	assert.Equal(t, int64(1), f.world.Factory.Agreement(a.Address).Payments())
	assert.Zero(t, f.unresolved())

	// the journal is clear, so the next month is paid normally
	out, err = f.orch.PayRent(ctx, a.Address, nil, f.tenant)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, 2, f.world.Backend.Sends("agreement.payRent"))
}

func TestPayRentResendsAfterEarlierAttemptFailed(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()
	a := f.create(t)
	f.signAndPayDeposit(t, a)
	f.activate(t, a.Address)

	f.world.Backend.HoldNext("payRent")
	f.world.Backend.FailOnMine("payRent")
	_, err := f.orch.PayRent(ctx, a.Address, nil, f.tenant)
	require.ErrorIs(t, err, chain.ErrTransactionPending)
	f.world.Backend.Mine(1)

	out, err := f.orch.PayRent(ctx, a.Address, nil, f.tenant)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, 2, f.world.Backend.Sends("agreement.payRent"))
	assert.Equal(t, int64(1), f.world.Factory.Agreement(a.Address).Payments())
}

func TestCreateRetrySettlesCreationInDoubt(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	f.world.Backend.HoldNext("createAgreement")
	_, err := f.orch.Create(ctx, f.request(), f.landlord)
	require.ErrorIs(t, err, chain.ErrTransactionPending)
	handle, ok := chain.PendingHandle(err)
	require.True(t, ok)
	f.world.Backend.Mine(1)

	out, err := f.orch.Create(ctx, f.request(), f.landlord)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	require.NotNil(t, out.Tx)
	assert.Equal(t, handle.Hash, out.Tx.Hash)
	assert.Equal(t, 1, f.world.Backend.Sends("factory.createAgreement"))
	assert.Equal(t, 1, f.world.Factory.Created())
	assert.Zero(t, f.unresolved())
}

func TestCreateInspectsOnlyRecentAgreements(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	for i := 0; i < 3*recentCreations; i++ {
		req := f.request()
		req.PropertyID = big.NewInt(int64(100 + i))
		_, err := f.orch.Create(ctx, req, f.landlord)
		require.NoError(t, err)
	}

	before := f.world.Backend.Calls("agreement.getAgreementDetails")
	req := f.request()
	req.PropertyID = big.NewInt(999)
	out, err := f.orch.Create(ctx, req, f.landlord)
	require.NoError(t, err)
	assert.False(t, out.Skipped)

	// the scan plus the read of the new agreement
	assert.LessOrEqual(t, f.world.Backend.Calls("agreement.getAgreementDetails")-before, recentCreations+1)
}
