package network

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/chain/chaintest"
	"roomfi/internal/statestore"
	"roomfi/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

const (
	primaryChain   = 1001
	secondaryChain = 1002
)

// refusingWallet declines chain switches while refuse is set. When held is
// non-nil every SwitchChain call hands it a release channel and waits.
type refusingWallet struct {
	*chain.LocalWallet
	refuse atomic.Bool
	held   chan chan struct{}
}

func (w *refusingWallet) SwitchChain(ctx context.Context, p chain.Profile) error {
	if w.held != nil {
		release := make(chan struct{})
		w.held <- release
		<-release
	}
	if w.refuse.Load() {
		return &chain.Error{Kind: chain.ErrUserRejected, Op: "switch chain"}
	}
	return w.LocalWallet.SwitchChain(ctx, p)
}

type fixture struct {
	worlds   map[chain.NetworkID]*chaintest.World
	profiles map[chain.NetworkID]chain.Profile
	wallet   *refusingWallet
	store    *statestore.MemoryStore
	clock    *clockwork.FakeClock
	logs     *observer.ObservedLogs
	failDial atomic.Bool
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		worlds: map[chain.NetworkID]*chaintest.World{
			chain.Primary:   chaintest.NewWorld(primaryChain, 6),
			chain.Secondary: chaintest.NewWorld(secondaryChain, 18),
		},
		profiles: make(map[chain.NetworkID]chain.Profile),
		store:    statestore.NewMemoryStore(),
		clock:    clockwork.NewFakeClock(),
	}
	for id, w := range f.worlds {
		f.profiles[id] = w.Profile(id)
	}
	lw, err := chain.NewLocalWallet(testKey, primaryChain)
	require.NoError(t, err)
	f.wallet = &refusingWallet{LocalWallet: lw}

	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	f.cfg = Config{
		Profiles: f.profiles,
		Default:  chain.Primary,
		Wallet:   f.wallet,
		Store:    f.store,
		Dial: func(_ context.Context, p chain.Profile) (chain.Client, error) {
			if p.ID == chain.Secondary && f.failDial.Load() {
				return nil, errors.New("connection refused")
			}
			return f.worlds[p.ID].Backend, nil
		},
		ConfirmTimeout: 200 * time.Millisecond,
		ReconcileWait:  50 * time.Millisecond,
		Clock:          f.clock,
		Logger:         zap.New(core),
	}
	return f
}

func (f *fixture) start(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(f.cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fixture) address() common.Address {
	addr, _ := f.wallet.Address(context.Background())
	return addr
}

func TestStartActivatesDefaultAndPersists(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)

	b, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, chain.Primary, b.Profile.ID)
	assert.NotNil(t, b.Vault)
	assert.NotNil(t, b.Agreements)

	rec, err := f.store.Get(context.Background(), lastNetworkKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "primary", string(rec.Value))
}

func TestStartRestoresLastNetwork(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(context.Background(), lastNetworkKey, statestore.Record{Value: []byte("secondary")}))

	c := f.start(t)
	b, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, chain.Secondary, b.Profile.ID)

	id, err := f.wallet.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(secondaryChain), id.Uint64(), "wallet added and switched to the restored chain")
}

func TestStartIgnoresUnknownPersistedNetwork(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(context.Background(), lastNetworkKey, statestore.Record{Value: []byte("mainnet")}))

	c := f.start(t)
	b, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, chain.Primary, b.Profile.ID)
}

func TestSwitchStopsOldPollerBeforeNewStarts(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)

	_, err := c.Switch(context.Background(), chain.Secondary)
	require.NoError(t, err)

	stopped, started := -1, -1
	for i, e := range f.logs.All() {
		network := e.ContextMap()["network"]
		switch {
		case e.Message == "poll stopped" && network == "primary":
			stopped = i
		case e.Message == "poll started" && network == "secondary":
			started = i
		}
	}
	require.NotEqual(t, -1, stopped)
	require.NotEqual(t, -1, started)
	assert.Less(t, stopped, started)
	assert.True(t, f.worlds[chain.Primary].Backend.Closed())

	rec, err := f.store.Get(context.Background(), lastNetworkKey)
	require.NoError(t, err)
	assert.Equal(t, "secondary", string(rec.Value))
}

func TestSwitchPublishesBeforeWalletFollows(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	require.NoError(t, f.wallet.AddChain(context.Background(), f.profiles[chain.Secondary]))
	f.wallet.held = make(chan chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Switch(context.Background(), chain.Secondary)
		done <- err
	}()

	var release chan struct{}
	select {
	case release = <-f.wallet.held:
	case <-time.After(2 * time.Second):
		t.Fatal("wallet was never asked to switch")
	}

	b, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, chain.Secondary, b.Profile.ID)
	assert.False(t, f.worlds[chain.Secondary].Backend.Closed())
	assert.True(t, f.worlds[chain.Primary].Backend.Closed())

	close(release)
	require.NoError(t, <-done)
	id, err := f.wallet.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(secondaryChain), id.Uint64())
}

func TestSwitchIsolatesPolls(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	primary := f.worlds[chain.Primary].Backend
	secondary := f.worlds[chain.Secondary].Backend

	var (
		mu   sync.Mutex
		seen []chain.NetworkID
	)
	_, err := c.WatchVault(f.address(), func(id chain.NetworkID, _ vault.Position) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.clock.Advance(2 * time.Second)
		return primary.Calls("vault.balanceOf") > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = c.Switch(context.Background(), chain.Secondary)
	require.NoError(t, err)
	mu.Lock()
	atSwitch := len(seen)
	mu.Unlock()
	primaryCalls := primary.Calls("vault.balanceOf")

	require.Eventually(t, func() bool {
		f.clock.Advance(2 * time.Second)
		return secondary.Calls("vault.balanceOf") >= 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, primaryCalls, primary.Calls("vault.balanceOf"), "no primary tick after the switch")
	mu.Lock()
	defer mu.Unlock()
	for _, id := range seen[atSwitch:] {
		assert.Equal(t, chain.Secondary, id)
	}
}

func TestFailedDialKeepsCurrentNetwork(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	f.failDial.Store(true)

	_, err := c.Switch(context.Background(), chain.Secondary)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrNetworkUnreachable)

	b, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, chain.Primary, b.Profile.ID)
	assert.False(t, f.worlds[chain.Primary].Backend.Closed())
}

func TestSwitchRejectsUnknownNetwork(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	_, err := c.Switch(context.Background(), chain.NetworkID("tertiary"))
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestWalletChainChangeFollowsKnownNetwork(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	ctx := context.Background()

	require.NoError(t, f.wallet.AddChain(ctx, f.profiles[chain.Secondary]))
	require.NoError(t, f.wallet.LocalWallet.SwitchChain(ctx, f.profiles[chain.Secondary]))

	require.Eventually(t, func() bool {
		b, err := c.Current()
		return err == nil && b.Profile.ID == chain.Secondary
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignerRequestsSwitchOnWrongChain(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	ctx := context.Background()

	other := f.profiles[chain.Primary]
	other.ChainID = 9999
	require.NoError(t, f.wallet.AddChain(ctx, other))
	require.NoError(t, f.wallet.LocalWallet.SwitchChain(ctx, other))

	signer, err := c.Signer(ctx)
	require.NoError(t, err)
	id, err := signer.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(primaryChain), id.Uint64())

	b, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, chain.Primary, b.Profile.ID, "unsupported chain is not followed")
}

func TestSignerFailsWithWrongChainWhenWalletRefuses(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	ctx := context.Background()

	other := f.profiles[chain.Primary]
	other.ChainID = 9999
	require.NoError(t, f.wallet.AddChain(ctx, other))
	require.NoError(t, f.wallet.LocalWallet.SwitchChain(ctx, other))
	f.wallet.refuse.Store(true)

	_, err := c.Signer(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrWrongChain)
	assert.ErrorIs(t, err, chain.ErrUserRejected)
	assert.False(t, chain.FundsMayHaveMoved(err))
}

func TestPendingTransactionsAreJournaledAndReconciled(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	ctx := context.Background()
	world := f.worlds[chain.Primary]
	world.Token.Mint(f.address(), big.NewInt(1_000_000_000))

	b, err := c.Current()
	require.NoError(t, err)
	signer, err := c.Signer(ctx)
	require.NoError(t, err)
	amount, err := b.Ledger.Parse(ctx, "10")
	require.NoError(t, err)

	world.Backend.HoldNext("deposit")
	_, err = b.Vault.Deposit(ctx, amount, signer)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrTransactionPending)
	assert.True(t, chain.FundsMayHaveMoved(err))

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, chain.OpVaultDeposit, pending[0].Kind)

	res, err := c.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomePending, res[0].Outcome)

	world.Backend.Mine(1)
	res, err = c.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeConfirmed, res[0].Outcome)
	assert.GreaterOrEqual(t, res[0].Confirmations, uint64(2))

	pending, err = c.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, world.Vault.Principal(f.address()).Cmp(big.NewInt(10_000_000)))
}

func TestMissingContractsLeaveServicesUnbound(t *testing.T) {
	f := newFixture(t)
	p := f.profiles[chain.Secondary]
	p.Contracts.Factory = common.Address{}
	p.Contracts.Vault = common.Address{}
	f.profiles[chain.Secondary] = p
	c := f.start(t)

	b, err := c.Switch(context.Background(), chain.Secondary)
	require.NoError(t, err)
	_, err = b.Orchestrator()
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = b.Vaults()
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = b.Passports()
	assert.NoError(t, err)
}

func TestCloseReleasesBinding(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, f.worlds[chain.Primary].Backend.Closed())

	_, err := c.Current()
	assert.ErrorIs(t, err, ErrNoActive)
	_, err = c.Switch(context.Background(), chain.Secondary)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChainJournalIsScopedToChain(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.cfg)
	require.NoError(t, err)
	ctx := context.Background()

	here := chain.TxHandle{Hash: common.HexToHash("0x01"), ChainID: primaryChain, Kind: chain.OpPayRent}
	there := chain.TxHandle{Hash: common.HexToHash("0x02"), ChainID: secondaryChain, Kind: chain.OpPayRent}
	c.recordPending(here)
	c.recordPending(there)

	j := chainJournal{c: c, chainID: primaryChain}
	got, err := j.Unresolved(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, here.Hash, got[0].Hash)

	require.NoError(t, j.Resolve(ctx, here))
	got, err = j.Unresolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	rest, err := chainJournal{c: c, chainID: secondaryChain}.Unresolved(ctx)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}
