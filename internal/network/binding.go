// Package network owns the process-wide choice of active network. A
// Coordinator binds every chain-facing service to one network at a time
// and rebinds them all when the network changes.
package network

import (
	"context"
	"errors"
	"fmt"

	"roomfi/internal/agreement"
	"roomfi/internal/chain"
	"roomfi/internal/ledger"
	"roomfi/internal/passport"
	"roomfi/internal/poller"
	"roomfi/internal/vault"
)

var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrNoActive       = errors.New("no active network")
	ErrClosed         = errors.New("coordinator closed")
	// ErrUnsupported is returned for services whose contract is not
	// deployed on the active network.
	ErrUnsupported = errors.New("not deployed on the active network")
)

// Binding is the set of services wired to one network. A Binding is never
// mutated; a switch publishes a new one.
type Binding struct {
	Profile    chain.Profile
	Client     chain.Client
	Writer     chain.Writer
	Ledger     *ledger.Ledger
	Passport   *passport.Service
	Vault      *vault.Service
	Agreements *agreement.Orchestrator
	Poller     *poller.Poller
}

func (b *Binding) Passports() (*passport.Service, error) {
	if b.Passport == nil {
		return nil, fmt.Errorf("passport on %s: %w", b.Profile.ID, ErrUnsupported)
	}
	return b.Passport, nil
}

func (b *Binding) Vaults() (*vault.Service, error) {
	if b.Vault == nil {
		return nil, fmt.Errorf("vault on %s: %w", b.Profile.ID, ErrUnsupported)
	}
	return b.Vault, nil
}

func (b *Binding) Orchestrator() (*agreement.Orchestrator, error) {
	if b.Agreements == nil {
		return nil, fmt.Errorf("agreements on %s: %w", b.Profile.ID, ErrUnsupported)
	}
	return b.Agreements, nil
}

// Dialer opens a client for a profile.
type Dialer func(ctx context.Context, profile chain.Profile) (chain.Client, error)

// EthDialer dials real RPC endpoints.
func EthDialer(opts chain.Options) Dialer {
	return func(ctx context.Context, profile chain.Profile) (chain.Client, error) {
		c, err := chain.Dial(ctx, profile, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
