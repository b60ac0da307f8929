package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

// Wallet is the signer provider the coordinator reconciles against. Change
// notifications are delivered through subscriptions the caller must
// Unsubscribe.
type Wallet interface {
	Address(ctx context.Context) (common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Signer() Signer
	// SwitchChain asks the wallet to move to profile's chain. It fails with
	// ErrUnknownChain when the wallet has never been told about the chain.
	SwitchChain(ctx context.Context, profile Profile) error
	AddChain(ctx context.Context, profile Profile) error
	SubscribeAccounts(ch chan<- AccountsChanged) event.Subscription
	SubscribeChain(ch chan<- ChainChanged) event.Subscription
}

type AccountsChanged struct {
	Accounts []common.Address
}

type ChainChanged struct {
	ChainID uint64
}

// LocalWallet holds a private key in process. It is the wallet the service
// binary signs with.
type LocalWallet struct {
	mu       sync.RWMutex
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  uint64
	known    map[uint64]Profile
	accounts event.Feed
	chains   event.Feed
}

var _ Wallet = (*LocalWallet)(nil)

func NewLocalWallet(privateKeyHex string, chainID uint64) (*LocalWallet, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &LocalWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		known:   make(map[uint64]Profile),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (w *LocalWallet) Address(context.Context) (common.Address, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.address, nil
}

func (w *LocalWallet) ChainID(context.Context) (*big.Int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return new(big.Int).SetUint64(w.chainID), nil
}

func (w *LocalWallet) Signer() Signer {
	return walletSigner{w: w}
}

func (w *LocalWallet) AddChain(_ context.Context, profile Profile) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[profile.ChainID] = profile
	return nil
}

func (w *LocalWallet) SwitchChain(_ context.Context, profile Profile) error {
	w.mu.Lock()
	if _, ok := w.known[profile.ChainID]; !ok {
		w.mu.Unlock()
		return &Error{Kind: ErrUnknownChain, Op: "switch chain", Reason: profile.ChainIDHex()}
	}
	changed := w.chainID != profile.ChainID
	w.chainID = profile.ChainID
	w.mu.Unlock()

	if changed {
		w.chains.Send(ChainChanged{ChainID: profile.ChainID})
	}
	return nil
}

// UseKey replaces the active account and notifies account subscribers.
func (w *LocalWallet) UseKey(privateKeyHex string) error {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	w.mu.Lock()
	w.key = key
	w.address = addr
	w.mu.Unlock()

	w.accounts.Send(AccountsChanged{Accounts: []common.Address{addr}})
	return nil
}

func (w *LocalWallet) SubscribeAccounts(ch chan<- AccountsChanged) event.Subscription {
	return w.accounts.Subscribe(ch)
}

func (w *LocalWallet) SubscribeChain(ch chan<- ChainChanged) event.Subscription {
	return w.chains.Subscribe(ch)
}

type walletSigner struct {
	w *LocalWallet
}

func (s walletSigner) Address() common.Address {
	s.w.mu.RLock()
	defer s.w.mu.RUnlock()
	return s.w.address
}

func (s walletSigner) ChainID(ctx context.Context) (*big.Int, error) {
	return s.w.ChainID(ctx)
}

func (s walletSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	s.w.mu.RLock()
	key, chainID := s.w.key, s.w.chainID
	s.w.mu.RUnlock()

	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = 0 // let node estimate
	return opts, nil
}
