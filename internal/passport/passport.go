// Package passport manages the tenant reputation NFT: lookup, mint when
// absent, and aggregation of info, metrics and badges.
package passport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/contracts"
	"roomfi/internal/keylock"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Badge is a verification or reputation flag. The order matches the
// contract's getAllBadges array.
type Badge int

const (
	VerifiedID Badge = iota
	VerifiedIncome
	VerifiedEmployment
	VerifiedStudent
	VerifiedProfessional
	CleanCredit
	EarlyAdopter
	ReliableTenant
	LongTermTenant
	ZeroDisputes
	NoDamageHistory
	FastResponder
	HighValue
	MultiProperty

	BadgeCount = int(MultiProperty) + 1
)

var badgeNames = [BadgeCount]string{
	"VERIFIED_ID",
	"VERIFIED_INCOME",
	"VERIFIED_EMPLOYMENT",
	"VERIFIED_STUDENT",
	"VERIFIED_PROFESSIONAL",
	"CLEAN_CREDIT",
	"EARLY_ADOPTER",
	"RELIABLE_TENANT",
	"LONG_TERM_TENANT",
	"ZERO_DISPUTES",
	"NO_DAMAGE_HISTORY",
	"FAST_RESPONDER",
	"HIGH_VALUE",
	"MULTI_PROPERTY",
}

func (b Badge) String() string {
	if b < 0 || int(b) >= BadgeCount {
		return fmt.Sprintf("BADGE_%d", int(b))
	}
	return badgeNames[b]
}

func (b Badge) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Passport is the cached projection of one tenant's token.
type Passport struct {
	TokenID            *big.Int         `json:"tokenId"`
	Owner              common.Address   `json:"owner"`
	Reputation         uint64           `json:"reputation"`
	PaymentsMade       uint64           `json:"paymentsMade"`
	PaymentsMissed     uint64           `json:"paymentsMissed"`
	OutstandingBalance *big.Int         `json:"outstandingBalance"`
	PropertiesOwned    uint64           `json:"propertiesOwned"`
	Badges             map[Badge]bool   `json:"badges,omitempty"`
	Extended           *ExtendedMetrics `json:"extended,omitempty"`
}

// ExtendedMetrics is only present when the deployed contract exposes the
// richer schema.
type ExtendedMetrics struct {
	PropertiesRented          uint64    `json:"propertiesRented"`
	ConsecutiveOnTimePayments uint64    `json:"consecutiveOnTimePayments"`
	TotalMonthsRented         uint64    `json:"totalMonthsRented"`
	ReferralCount             uint64    `json:"referralCount"`
	DisputesCount             uint64    `json:"disputesCount"`
	TotalRentPaid             *big.Int  `json:"totalRentPaid"`
	LastActivity              time.Time `json:"lastActivity"`
	Verified                  bool      `json:"verified"`
}

type Config struct {
	Client   chain.Client
	Writer   chain.Writer
	Contract common.Address
	Locks    *keylock.Locker[common.Address]
	Logger   *zap.Logger
}

type Service struct {
	client   chain.Client
	writer   chain.Writer
	contract common.Address
	locks    *keylock.Locker[common.Address]
	log      *zap.Logger
}

func New(cfg Config) *Service {
	if cfg.Locks == nil {
		cfg.Locks = keylock.New[common.Address]()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		client:   cfg.Client,
		writer:   cfg.Writer,
		contract: cfg.Contract,
		locks:    cfg.Locks,
		log:      cfg.Logger.With(zap.String("component", "passport")),
	}
}

func (s *Service) balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := s.client.Call(ctx, s.contract, contracts.PassportABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return chain.BigAt(out, 0)
}

func (s *Service) HasPassport(ctx context.Context, owner common.Address) (bool, error) {
	n, err := s.balance(ctx, owner)
	if err != nil {
		return false, err
	}
	return n.Sign() > 0, nil
}

// Lookup fetches owner's passport without minting. It fails with
// ErrTenantNotOnboarded when owner holds none.
func (s *Service) Lookup(ctx context.Context, owner common.Address) (*Passport, error) {
	n, err := s.balance(ctx, owner)
	if err != nil {
		return nil, err
	}
	if n.Sign() == 0 {
		return nil, &chain.Error{Kind: chain.ErrTenantNotOnboarded, Op: "passport lookup", Reason: owner.Hex()}
	}
	return s.fetch(ctx, owner)
}

// GetOrCreate returns owner's passport, minting one first when owner holds
// none. Calls for the same owner are serialised so concurrent callers share
// a single mint.
func (s *Service) GetOrCreate(ctx context.Context, owner common.Address, signer chain.Signer) (*Passport, error) {
	if signer.Address() != owner {
		return nil, fmt.Errorf("passport: mint for %s must be signed by the owner, got %s", owner.Hex(), signer.Address().Hex())
	}

	unlock, err := s.locks.Lock(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	n, err := s.balance(ctx, owner)
	if err != nil {
		return nil, err
	}
	if n.Sign() > 0 {
		return s.fetch(ctx, owner)
	}

	log := s.log.With(zap.String("owner", owner.Hex()))
	log.Info("no passport found, minting")

	handle, _, err := s.writer.Submit(ctx, chain.OpMintPassport, s.contract, contracts.PassportABI, "mintForSelf", signer)
	if err != nil {
		log.Warn("passport mint did not complete", zap.Error(err))
		return nil, mintError(err)
	}

	n, err = s.balance(ctx, owner)
	if err != nil {
		return nil, err
	}
	if n.Sign() == 0 {
		return nil, &chain.Error{Kind: chain.ErrPassportMintFailed, Op: string(chain.OpMintPassport), Reason: "no token after confirmed mint", Tx: &handle, Broadcast: true}
	}
	log.Info("passport minted", zap.String("tx", handle.Hash.Hex()))
	return s.fetch(ctx, owner)
}

// mintError relabels definite mint failures. Ambiguous or caller-side
// outcomes keep their own kind.
func mintError(err error) error {
	switch {
	case errors.Is(err, chain.ErrCallReverted), errors.Is(err, chain.ErrTransactionFailed):
		return chain.Wrap(chain.ErrPassportMintFailed, string(chain.OpMintPassport), err)
	default:
		return err
	}
}

func (s *Service) fetch(ctx context.Context, owner common.Address) (*Passport, error) {
	out, err := s.client.Call(ctx, s.contract, contracts.PassportABI, "tokenOfOwnerByIndex", owner, big.NewInt(0))
	if err != nil {
		return nil, err
	}
	tokenID, err := chain.BigAt(out, 0)
	if err != nil {
		return nil, fmt.Errorf("tokenOfOwnerByIndex: %w", err)
	}

	p := &Passport{TokenID: tokenID, Owner: owner}
	var (
		badges  []bool
		metrics *ExtendedMetrics
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.fetchInfo(gctx, p)
	})
	g.Go(func() error {
		var err error
		badges, err = s.fetchBadges(gctx, tokenID)
		return err
	})
	g.Go(func() error {
		var err error
		metrics, err = s.fetchMetrics(gctx, tokenID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Badge positions are only meaningful in the full extended layout.
	if len(badges) == BadgeCount {
		p.Badges = make(map[Badge]bool, BadgeCount)
		for i, on := range badges {
			p.Badges[Badge(i)] = on
		}
	}
	if p.Badges != nil && metrics != nil {
		p.Extended = metrics
	} else {
		s.log.Debug("passport contract exposes basic schema only",
			zap.String("owner", owner.Hex()),
			zap.Int("badges", len(badges)),
		)
	}
	return p, nil
}

func (s *Service) fetchInfo(ctx context.Context, p *Passport) error {
	out, err := s.client.Call(ctx, s.contract, contracts.PassportABI, "getTenantInfo", p.TokenID)
	if err != nil {
		return err
	}
	vals := make([]*big.Int, 5)
	for i := range vals {
		if vals[i], err = chain.BigAt(out, i); err != nil {
			return fmt.Errorf("getTenantInfo: %w", err)
		}
	}
	p.Reputation = vals[0].Uint64()
	p.PaymentsMade = vals[1].Uint64()
	p.PaymentsMissed = vals[2].Uint64()
	p.OutstandingBalance = vals[3]
	p.PropertiesOwned = vals[4].Uint64()
	return nil
}

// fetchBadges returns nil when the contract does not expose badges.
func (s *Service) fetchBadges(ctx context.Context, tokenID *big.Int) ([]bool, error) {
	out, err := s.client.Call(ctx, s.contract, contracts.PassportABI, "getAllBadges", tokenID)
	if errors.Is(err, chain.ErrCallReverted) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	flags, err := chain.BoolsAt(out, 0)
	if err != nil {
		return nil, nil
	}
	return flags, nil
}

// fetchMetrics returns nil when the contract predates the metrics schema.
func (s *Service) fetchMetrics(ctx context.Context, tokenID *big.Int) (*ExtendedMetrics, error) {
	out, err := s.client.Call(ctx, s.contract, contracts.PassportABI, "getTenantMetrics", tokenID)
	if errors.Is(err, chain.ErrCallReverted) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out) != 8 {
		return nil, nil
	}
	vals := make([]*big.Int, 7)
	for i := range vals {
		if vals[i], err = chain.BigAt(out, i); err != nil {
			return nil, nil
		}
	}
	verified, err := chain.BoolAt(out, 7)
	if err != nil {
		return nil, nil
	}
	return &ExtendedMetrics{
		PropertiesRented:          vals[0].Uint64(),
		ConsecutiveOnTimePayments: vals[1].Uint64(),
		TotalMonthsRented:         vals[2].Uint64(),
		ReferralCount:             vals[3].Uint64(),
		DisputesCount:             vals[4].Uint64(),
		TotalRentPaid:             vals[5],
		LastActivity:              time.Unix(vals[6].Int64(), 0).UTC(),
		Verified:                  verified,
	}, nil
}
