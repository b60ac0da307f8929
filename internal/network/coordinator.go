package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"roomfi/internal/agreement"
	"roomfi/internal/chain"
	"roomfi/internal/keylock"
	"roomfi/internal/lastknown"
	"roomfi/internal/ledger"
	"roomfi/internal/metrics"
	"roomfi/internal/passport"
	"roomfi/internal/poller"
	"roomfi/internal/statestore"
	"roomfi/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	lastNetworkKey = "network/last"
	pendingRoot    = "pending/"
	eventBuffer    = 16
)

type Config struct {
	Profiles map[chain.NetworkID]chain.Profile
	// Default is used when no network was persisted.
	Default chain.NetworkID
	Wallet  chain.Wallet
	Store   statestore.Store
	Dial    Dialer

	Policy              chain.ConfirmationPolicy
	ConfirmTimeout      time.Duration
	VaultPollInterval   time.Duration
	BalancePollInterval time.Duration
	// ReconcileInterval enables a background pass over journaled pending
	// transactions. Zero leaves reconciliation to explicit calls.
	ReconcileInterval time.Duration
	// ReconcileWait bounds how long one pending transaction is waited on
	// during reconciliation.
	ReconcileWait time.Duration
	// PendingRetention expires journaled transactions that never resolve.
	PendingRetention time.Duration

	Clock   clockwork.Clock
	Metrics *metrics.Registry
	Logger  *zap.Logger
}

type watch struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context, b *Binding) error
	job      uuid.UUID
}

// Coordinator owns the active network. Switch rebuilds every service
// against the new network and publishes the result atomically; readers
// take a consistent snapshot through Current.
type Coordinator struct {
	cfg Config
	log *zap.Logger

	decimals       *ledger.DecimalsCache
	passportLocks  *keylock.Locker[common.Address]
	vaultLocks     *keylock.Locker[common.Address]
	agreementLocks *keylock.Locker[common.Address]

	current atomic.Pointer[Binding]

	// mu serializes switches, watch registration and Close.
	mu         sync.Mutex
	closed     bool
	watches    map[uuid.UUID]*watch
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func New(cfg Config) (*Coordinator, error) {
	switch {
	case len(cfg.Profiles) == 0:
		return nil, errors.New("no networks configured")
	case cfg.Wallet == nil:
		return nil, errors.New("wallet is required")
	case cfg.Store == nil:
		return nil, errors.New("state store is required")
	case cfg.Dial == nil:
		return nil, errors.New("dialer is required")
	}
	if _, ok := cfg.Profiles[cfg.Default]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownNetwork, cfg.Default)
	}
	if cfg.Policy == nil {
		cfg.Policy = chain.DefaultConfirmationPolicy()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.VaultPollInterval <= 0 {
		cfg.VaultPollInterval = 2 * time.Second
	}
	if cfg.BalancePollInterval <= 0 {
		cfg.BalancePollInterval = 10 * time.Second
	}
	if cfg.ReconcileWait <= 0 {
		cfg.ReconcileWait = 5 * time.Second
	}
	if cfg.PendingRetention <= 0 {
		cfg.PendingRetention = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:            cfg,
		log:            cfg.Logger.With(zap.String("component", "network")),
		decimals:       ledger.NewDecimalsCache(),
		passportLocks:  keylock.New[common.Address](),
		vaultLocks:     keylock.New[common.Address](),
		agreementLocks: keylock.New[common.Address](),
		watches:        make(map[uuid.UUID]*watch),
	}, nil
}

// Start activates the last persisted network, or the default one, and
// begins following wallet account and chain changes.
func (c *Coordinator) Start(ctx context.Context) error {
	id := c.restore(ctx)
	if _, err := c.switchTo(ctx, id, "restore", true); err != nil {
		return err
	}

	chains := make(chan chain.ChainChanged, eventBuffer)
	accounts := make(chan chain.AccountsChanged, eventBuffer)
	chainSub := c.cfg.Wallet.SubscribeChain(chains)
	accountSub := c.cfg.Wallet.SubscribeAccounts(accounts)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.loopCancel, c.loopDone = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer chainSub.Unsubscribe()
		defer accountSub.Unsubscribe()
		for {
			select {
			case <-loopCtx.Done():
				return
			case ev := <-chains:
				c.onChainChanged(loopCtx, ev)
			case ev := <-accounts:
				c.onAccountsChanged(ev)
			case err := <-chainSub.Err():
				if err != nil {
					c.log.Error("wallet chain subscription failed", zap.Error(err))
				}
				return
			case err := <-accountSub.Err():
				if err != nil {
					c.log.Error("wallet account subscription failed", zap.Error(err))
				}
				return
			}
		}
	}()
	return nil
}

func (c *Coordinator) restore(ctx context.Context) chain.NetworkID {
	rec, err := c.cfg.Store.Get(ctx, lastNetworkKey)
	if err != nil {
		c.log.Warn("could not read last network, using default", zap.Error(err))
		return c.cfg.Default
	}
	if rec == nil {
		return c.cfg.Default
	}
	id := chain.NetworkID(rec.Value)
	if _, ok := c.cfg.Profiles[id]; !ok {
		c.log.Warn("persisted network no longer configured, using default", zap.String("network", string(id)))
		return c.cfg.Default
	}
	return id
}

// Current returns the active binding.
func (c *Coordinator) Current() (*Binding, error) {
	if b := c.current.Load(); b != nil {
		return b, nil
	}
	return nil, ErrNoActive
}

// Networks lists the configured profiles ordered by id.
func (c *Coordinator) Networks() []chain.Profile {
	out := make([]chain.Profile, 0, len(c.cfg.Profiles))
	for _, p := range c.cfg.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Switch makes id the active network and asks the wallet to follow.
func (c *Coordinator) Switch(ctx context.Context, id chain.NetworkID) (*Binding, error) {
	return c.switchTo(ctx, id, "request", true)
}

func (c *Coordinator) switchTo(ctx context.Context, id chain.NetworkID, trigger string, syncWallet bool) (*Binding, error) {
	profile, ok := c.cfg.Profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	log := c.log.With(zap.String("network", string(id)), zap.Uint64("chain_id", profile.ChainID), zap.String("trigger", trigger))
	old := c.current.Load()
	if old != nil && old.Profile.ID == id {
		if syncWallet {
			if err := c.syncWallet(ctx, profile); err != nil {
				log.Warn("wallet did not switch chain", zap.Error(err))
			}
		}
		return old, nil
	}

	// The new endpoint is dialed before the old binding is torn down so a
	// failed dial leaves the current network in place.
	client, err := c.cfg.Dial(ctx, profile)
	if err != nil {
		var ce *chain.Error
		if !errors.As(err, &ce) {
			err = chain.Wrap(chain.ErrNetworkUnreachable, "dial "+string(id), err)
		}
		log.Error("network switch failed", zap.Error(err))
		return nil, err
	}

	b, err := c.bind(profile, client)
	if err != nil {
		client.Close()
		log.Error("network switch failed", zap.Error(err))
		return nil, err
	}

	// Old polls stop before the new binding is visible; the old client
	// closes only after the swap.
	if old != nil {
		c.stopPolls(old)
	}
	c.current.Store(b)
	if old != nil {
		old.Client.Close()
	}

	for wid, w := range c.watches {
		if err := c.schedule(b, w); err != nil {
			log.Error("could not re-establish watch", zap.String("watch", wid.String()), zap.Error(err))
		}
	}
	if c.cfg.ReconcileInterval > 0 {
		if _, err := b.Poller.Add(poller.Job{
			Name:     "reconcile",
			Interval: c.cfg.ReconcileInterval,
			Run: func(ctx context.Context) error {
				_, err := c.reconcile(ctx, b)
				return err
			},
		}); err != nil {
			log.Error("could not schedule reconciliation", zap.Error(err))
		}
	}
	b.Poller.Start()

	if syncWallet {
		if err := c.syncWallet(ctx, profile); err != nil {
			log.Warn("wallet did not switch chain", zap.Error(err))
		}
	}
	c.persist(ctx, id)

	c.cfg.Metrics.IncNetworkSwitch(string(id), trigger)
	from := ""
	if old != nil {
		from = string(old.Profile.ID)
	}
	log.Info("network active", zap.String("from", from))
	return b, nil
}

func (c *Coordinator) bind(profile chain.Profile, client chain.Client) (*Binding, error) {
	log := c.cfg.Logger.With(zap.String("network", string(profile.ID)), zap.Uint64("chain_id", profile.ChainID))
	p, err := poller.New(poller.Options{
		Label:   string(profile.ID),
		Clock:   c.cfg.Clock,
		Logger:  c.cfg.Logger,
		Metrics: c.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	writer := chain.Writer{
		Client:    client,
		Policy:    c.cfg.Policy,
		Timeout:   c.cfg.ConfirmTimeout,
		OnPending: c.recordPending,
	}
	b := &Binding{
		Profile: profile,
		Client:  client,
		Writer:  writer,
		Poller:  p,
	}
	b.Ledger = ledger.New(ledger.Config{
		Client:   client,
		Writer:   writer,
		ChainID:  profile.ChainID,
		Token:    profile.Contracts.Token,
		Decimals: c.decimals,
		Clock:    c.cfg.Clock,
		Metrics:  c.cfg.Metrics,
		Logger:   log,
	})
	if profile.Contracts.Passport != (common.Address{}) {
		b.Passport = passport.New(passport.Config{
			Client:   client,
			Writer:   writer,
			Contract: profile.Contracts.Passport,
			Locks:    c.passportLocks,
			Logger:   log,
		})
	}
	if profile.Contracts.Vault != (common.Address{}) {
		b.Vault = vault.New(vault.Config{
			Client:   client,
			Writer:   writer,
			Ledger:   b.Ledger,
			Contract: profile.Contracts.Vault,
			Locks:    c.vaultLocks,
			Clock:    c.cfg.Clock,
			Metrics:  c.cfg.Metrics,
			Logger:   log,
		})
	}
	if profile.Contracts.Factory != (common.Address{}) && b.Passport != nil {
		b.Agreements = agreement.New(agreement.Config{
			Client:          client,
			Writer:          writer,
			Ledger:          b.Ledger,
			Passports:       b.Passport,
			Factory:         profile.Contracts.Factory,
			DisputeResolver: profile.Contracts.DisputeResolver,
			Locks:           c.agreementLocks,
			Journal:         chainJournal{c: c, chainID: profile.ChainID},
			Logger:          log,
		})
	}
	return b, nil
}

// stopPolls stops b's polls, waiting out any in flight.
func (c *Coordinator) stopPolls(b *Binding) {
	if err := b.Poller.Stop(); err != nil {
		c.log.Warn("poller did not stop cleanly", zap.String("network", string(b.Profile.ID)), zap.Error(err))
	}
}

// unbind stops b's polls, then closes its client.
func (c *Coordinator) unbind(b *Binding) {
	c.stopPolls(b)
	b.Client.Close()
}

func (c *Coordinator) syncWallet(ctx context.Context, p chain.Profile) error {
	err := c.cfg.Wallet.SwitchChain(ctx, p)
	if errors.Is(err, chain.ErrUnknownChain) {
		c.log.Info("wallet does not know chain, adding it", zap.Uint64("chain_id", p.ChainID))
		if err := c.cfg.Wallet.AddChain(ctx, p); err != nil {
			return err
		}
		err = c.cfg.Wallet.SwitchChain(ctx, p)
	}
	return err
}

func (c *Coordinator) persist(ctx context.Context, id chain.NetworkID) {
	err := c.cfg.Store.Save(ctx, lastNetworkKey, statestore.Record{
		Value:     []byte(id),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		c.log.Warn("could not persist active network", zap.String("network", string(id)), zap.Error(err))
	}
}

func (c *Coordinator) onChainChanged(ctx context.Context, ev chain.ChainChanged) {
	if b := c.current.Load(); b != nil && b.Profile.ChainID == ev.ChainID {
		return
	}
	// Events queue up while a switch runs; only act on the chain the wallet
	// is still on.
	if now, err := c.cfg.Wallet.ChainID(ctx); err == nil && now.Uint64() != ev.ChainID {
		return
	}
	var target chain.NetworkID
	for id, p := range c.cfg.Profiles {
		if p.ChainID == ev.ChainID {
			target = id
		}
	}
	if target == "" {
		c.log.Warn("wallet moved to an unsupported chain", zap.Uint64("chain_id", ev.ChainID))
		return
	}
	if _, err := c.switchTo(ctx, target, "wallet", false); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Error("could not follow wallet chain change", zap.Uint64("chain_id", ev.ChainID), zap.Error(err))
	}
}

func (c *Coordinator) onAccountsChanged(ev chain.AccountsChanged) {
	if len(ev.Accounts) == 0 {
		c.log.Info("wallet disconnected")
		return
	}
	c.log.Info("wallet account changed", zap.String("account", ev.Accounts[0].Hex()))
}

// Signer returns the wallet's signer after making sure the wallet is on
// the active network's chain, requesting a switch when it is not.
func (c *Coordinator) Signer(ctx context.Context) (chain.Signer, error) {
	b, err := c.Current()
	if err != nil {
		return nil, err
	}
	id, err := c.cfg.Wallet.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet chain id: %w", err)
	}
	if id.Uint64() != b.Profile.ChainID {
		c.log.Info("wallet on wrong chain, requesting switch",
			zap.Uint64("wallet_chain_id", id.Uint64()),
			zap.Uint64("chain_id", b.Profile.ChainID),
		)
		if err := c.syncWallet(ctx, b.Profile); err != nil {
			return nil, &chain.Error{
				Kind:   chain.ErrWrongChain,
				Op:     "signer",
				Reason: fmt.Sprintf("wallet on chain %s, active network is chain %d", id, b.Profile.ChainID),
				Err:    err,
			}
		}
	}
	return c.cfg.Wallet.Signer(), nil
}

// WatchVault polls owner's vault position on whichever network is active
// and hands each refresh to fn.
func (c *Coordinator) WatchVault(owner common.Address, fn func(chain.NetworkID, vault.Position)) (uuid.UUID, error) {
	return c.addWatch(&watch{
		name:     "vault:" + owner.Hex(),
		interval: c.cfg.VaultPollInterval,
		run: func(ctx context.Context, b *Binding) error {
			if b.Vault == nil {
				return nil
			}
			pos, err := b.Vault.Position(ctx, owner)
			if err != nil {
				return err
			}
			fn(b.Profile.ID, pos)
			return nil
		},
	})
}

// WatchBalance polls owner's token balance on the active network.
func (c *Coordinator) WatchBalance(owner common.Address, fn func(chain.NetworkID, lastknown.Value[ledger.Amount])) (uuid.UUID, error) {
	return c.addWatch(&watch{
		name:     "balance:" + owner.Hex(),
		interval: c.cfg.BalancePollInterval,
		run: func(ctx context.Context, b *Binding) error {
			v, err := b.Ledger.Balance(ctx, owner)
			if err != nil {
				return err
			}
			fn(b.Profile.ID, v)
			return nil
		},
	})
}

func (c *Coordinator) addWatch(w *watch) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return uuid.Nil, ErrClosed
	}
	if b := c.current.Load(); b != nil {
		if err := c.schedule(b, w); err != nil {
			return uuid.Nil, err
		}
	}
	id := uuid.New()
	c.watches[id] = w
	return id, nil
}

// Unwatch cancels a watch on the current and all future networks.
func (c *Coordinator) Unwatch(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[id]
	if !ok {
		return nil
	}
	delete(c.watches, id)
	if b := c.current.Load(); b != nil {
		return b.Poller.Remove(w.job)
	}
	return nil
}

func (c *Coordinator) schedule(b *Binding, w *watch) error {
	job, err := b.Poller.Add(poller.Job{
		Name:     w.name,
		Interval: w.interval,
		Run:      func(ctx context.Context) error { return w.run(ctx, b) },
	})
	if err != nil {
		return err
	}
	w.job = job
	return nil
}

// Close stops following the wallet and releases the active binding.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.loopCancel, c.loopDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if b := c.current.Swap(nil); b != nil {
		c.unbind(b)
	}
	return nil
}
