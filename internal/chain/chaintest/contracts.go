package chaintest

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"roomfi/internal/chain"
	"roomfi/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Agreement status codes as the contract reports them.
const (
	StatusPending uint8 = iota
	StatusActive
	StatusCompleted
	StatusTerminated
	StatusDisputed
)

var errUnknownMethod = errors.New("unknown method")

func bigArg(args []any, i int) *big.Int {
	if v, ok := args[i].(*big.Int); ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func addrArg(args []any, i int) common.Address {
	if v, ok := args[i].(common.Address); ok {
		return v
	}
	return common.Address{}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Token models an ERC20 with approve overwriting the previous allowance.
type Token struct {
	mu         sync.Mutex
	decimals   uint8
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
}

func NewToken(decimals uint8) *Token {
	return &Token{
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
	}
}

func (t *Token) Mint(to common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] = new(big.Int).Add(cloneBig(t.balances[to]), amount)
}

// SetAllowance changes an allowance out of band.
func (t *Token) SetAllowance(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[[2]common.Address{owner, spender}] = cloneBig(amount)
}

func (t *Token) BalanceOf(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneBig(t.balances[owner])
}

func (t *Token) AllowanceOf(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneBig(t.allowances[[2]common.Address{owner, spender}])
}

// pull moves amount from owner to recipient, spending spender's allowance.
func (t *Token) pull(owner, spender, recipient common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := [2]common.Address{owner, spender}
	allowed := cloneBig(t.allowances[key])
	if allowed.Cmp(amount) < 0 {
		return errors.New("ERC20: insufficient allowance")
	}
	bal := cloneBig(t.balances[owner])
	if bal.Cmp(amount) < 0 {
		return errors.New("ERC20: transfer amount exceeds balance")
	}
	t.allowances[key] = allowed.Sub(allowed, amount)
	t.balances[owner] = bal.Sub(bal, amount)
	t.balances[recipient] = new(big.Int).Add(cloneBig(t.balances[recipient]), amount)
	return nil
}

func (t *Token) transfer(from, to common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[from] = new(big.Int).Sub(cloneBig(t.balances[from]), amount)
	t.balances[to] = new(big.Int).Add(cloneBig(t.balances[to]), amount)
}

func (t *Token) Call(method string, args []any) ([]any, error) {
	switch method {
	case "balanceOf":
		return []any{t.BalanceOf(addrArg(args, 0))}, nil
	case "allowance":
		return []any{t.AllowanceOf(addrArg(args, 0), addrArg(args, 1))}, nil
	case "decimals":
		return []any{t.decimals}, nil
	}
	return nil, errUnknownMethod
}

func (t *Token) Transact(tc *TxContext, method string, args []any) ([]*types.Log, error) {
	if method != "approve" {
		return nil, errUnknownMethod
	}
	t.SetAllowance(tc.From, addrArg(args, 0), bigArg(args, 1))
	return nil, nil
}

// TenantInfo is the V1 passport record.
type TenantInfo struct {
	Reputation         int64
	PaymentsMade       int64
	PaymentsMissed     int64
	OutstandingBalance int64
	PropertiesOwned    int64
}

// Passport models the one-token-per-holder reputation NFT.
type Passport struct {
	mu     sync.Mutex
	nextID int64
	owners map[common.Address][]*big.Int
	info   map[string]TenantInfo
	badges map[string][]bool

	// V1 makes getTenantMetrics revert and getAllBadges return 13 flags.
	V1 bool
	// MintRevert, when set, makes mintForSelf revert with this reason.
	MintRevert string
}

func NewPassport() *Passport {
	return &Passport{
		nextID: 1,
		owners: make(map[common.Address][]*big.Int),
		info:   make(map[string]TenantInfo),
		badges: make(map[string][]bool),
	}
}

// Issue mints a passport for owner outside of any transaction.
func (p *Passport) Issue(owner common.Address, info TenantInfo) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issueLocked(owner, info)
}

func (p *Passport) issueLocked(owner common.Address, info TenantInfo) *big.Int {
	id := big.NewInt(p.nextID)
	p.nextID++
	p.owners[owner] = append(p.owners[owner], id)
	p.info[id.String()] = info
	p.badges[id.String()] = make([]bool, 14)
	return id
}

func (p *Passport) SetBadge(tokenID *big.Int, index int, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badges[tokenID.String()][index] = on
}

// Minted is the number of passports held by owner.
func (p *Passport) Minted(owner common.Address) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners[owner])
}

func (p *Passport) Call(method string, args []any) ([]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch method {
	case "balanceOf":
		return []any{big.NewInt(int64(len(p.owners[addrArg(args, 0)])))}, nil
	case "tokenOfOwnerByIndex":
		tokens := p.owners[addrArg(args, 0)]
		idx := bigArg(args, 1)
		if !idx.IsInt64() || idx.Int64() >= int64(len(tokens)) {
			return nil, errors.New("owner index out of bounds")
		}
		return []any{cloneBig(tokens[idx.Int64()])}, nil
	case "getTenantInfo":
		info, ok := p.info[bigArg(args, 0).String()]
		if !ok {
			return nil, errors.New("nonexistent token")
		}
		return []any{
			big.NewInt(info.Reputation),
			big.NewInt(info.PaymentsMade),
			big.NewInt(info.PaymentsMissed),
			big.NewInt(info.OutstandingBalance),
			big.NewInt(info.PropertiesOwned),
		}, nil
	case "getTenantMetrics":
		if p.V1 {
			return nil, errors.New("function not found")
		}
		info := p.info[bigArg(args, 0).String()]
		return []any{
			big.NewInt(1), big.NewInt(info.PaymentsMade), big.NewInt(12),
			big.NewInt(0), big.NewInt(0), big.NewInt(300000000),
			big.NewInt(1700000000), true,
		}, nil
	case "getAllBadges":
		flags := append([]bool(nil), p.badges[bigArg(args, 0).String()]...)
		if p.V1 && len(flags) > 13 {
			flags = flags[:13]
		}
		return []any{flags}, nil
	}
	return nil, errUnknownMethod
}

func (p *Passport) Transact(tc *TxContext, method string, args []any) ([]*types.Log, error) {
	if method != "mintForSelf" {
		return nil, errUnknownMethod
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MintRevert != "" {
		return nil, errors.New(p.MintRevert)
	}
	if len(p.owners[tc.From]) > 0 {
		return nil, errors.New("already has passport")
	}
	p.issueLocked(tc.From, TenantInfo{Reputation: 500})
	return nil, nil
}

// Vault models the yield vault. Interest is credited by Accrue and consumed
// first on withdraw.
type Vault struct {
	mu        sync.Mutex
	token     *Token
	principal map[common.Address]*big.Int
	interest  map[common.Address]*big.Int
}

func NewVault(token *Token) *Vault {
	return &Vault{
		token:     token,
		principal: make(map[common.Address]*big.Int),
		interest:  make(map[common.Address]*big.Int),
	}
}

func (v *Vault) Accrue(owner common.Address, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.interest[owner] = new(big.Int).Add(cloneBig(v.interest[owner]), amount)
}

func (v *Vault) Principal(owner common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneBig(v.principal[owner])
}

func (v *Vault) Call(method string, args []any) ([]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch method {
	case "balanceOf":
		return []any{cloneBig(v.principal[addrArg(args, 0)])}, nil
	case "calculateInterest":
		return []any{cloneBig(v.interest[addrArg(args, 0)])}, nil
	}
	return nil, errUnknownMethod
}

func (v *Vault) Transact(tc *TxContext, method string, args []any) ([]*types.Log, error) {
	amount := bigArg(args, 0)
	v.mu.Lock()
	defer v.mu.Unlock()

	switch method {
	case "deposit":
		if amount.Sign() <= 0 {
			return nil, errors.New("amount must be positive")
		}
		if err := v.token.pull(tc.From, tc.Self, tc.Self, amount); err != nil {
			return nil, err
		}
		v.principal[tc.From] = new(big.Int).Add(cloneBig(v.principal[tc.From]), amount)
		return nil, nil
	case "withdraw":
		principal := cloneBig(v.principal[tc.From])
		interest := cloneBig(v.interest[tc.From])
		total := new(big.Int).Add(principal, interest)
		if amount.Sign() <= 0 || amount.Cmp(total) > 0 {
			return nil, errors.New("insufficient balance")
		}
		fromPrincipal := new(big.Int).Sub(amount, interest)
		if fromPrincipal.Sign() < 0 {
			fromPrincipal.SetInt64(0)
		}
		v.interest[tc.From] = new(big.Int)
		v.principal[tc.From] = principal.Sub(principal, fromPrincipal)
		v.token.transfer(tc.Self, tc.From, amount)
		return nil, nil
	}
	return nil, errUnknownMethod
}

// Factory deploys Agreement models and indexes them by party.
type Factory struct {
	mu         sync.Mutex
	token      *Token
	next       uint64
	byTenant   map[common.Address][]common.Address
	byLandlord map[common.Address][]common.Address
	deployed   map[common.Address]*Agreement
}

func NewFactory(token *Token) *Factory {
	return &Factory{
		token:      token,
		byTenant:   make(map[common.Address][]common.Address),
		byLandlord: make(map[common.Address][]common.Address),
		deployed:   make(map[common.Address]*Agreement),
	}
}

// Agreement returns the model deployed at addr.
func (f *Factory) Agreement(addr common.Address) *Agreement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deployed[addr]
}

func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deployed)
}

func (f *Factory) Call(method string, args []any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "getTenantAgreements":
		return []any{append([]common.Address(nil), f.byTenant[addrArg(args, 0)]...)}, nil
	case "getLandlordAgreements":
		return []any{append([]common.Address(nil), f.byLandlord[addrArg(args, 0)]...)}, nil
	}
	return nil, errUnknownMethod
}

func (f *Factory) Transact(tc *TxContext, method string, args []any) ([]*types.Log, error) {
	if method != "createAgreement" {
		return nil, errUnknownMethod
	}
	propertyID := bigArg(args, 0)
	tenant := addrArg(args, 1)
	if tenant == (common.Address{}) || tenant == tc.From {
		return nil, errors.New("invalid tenant")
	}

	f.mu.Lock()
	f.next++
	addr := crypto.CreateAddress(tc.Self, f.next)
	a := &Agreement{
		token:      f.token,
		self:       addr,
		propertyID: propertyID,
		landlord:   tc.From,
		tenant:     tenant,
		rent:       bigArg(args, 2),
		deposit:    bigArg(args, 3),
		duration:   bigArg(args, 4),
		nextDue:    new(big.Int),
	}
	f.deployed[addr] = a
	f.byTenant[tenant] = append(f.byTenant[tenant], addr)
	f.byLandlord[tc.From] = append(f.byLandlord[tc.From], addr)
	f.mu.Unlock()

	tc.Deploy(addr, "agreement", a)

	event := contracts.FactoryABI.Events["AgreementCreated"]
	data, err := event.Inputs.NonIndexed().Pack(propertyID)
	if err != nil {
		return nil, fmt.Errorf("pack AgreementCreated: %w", err)
	}
	return []*types.Log{{
		Address: tc.Self,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(addr.Bytes()),
			common.BytesToHash(tc.From.Bytes()),
			common.BytesToHash(tenant.Bytes()),
		},
		Data:        data,
		BlockNumber: tc.Block,
	}}, nil
}

// Agreement models one deployed rental agreement.
type Agreement struct {
	mu             sync.Mutex
	token          *Token
	self           common.Address
	propertyID     *big.Int
	landlord       common.Address
	tenant         common.Address
	rent           *big.Int
	deposit        *big.Int
	duration       *big.Int
	status         uint8
	landlordSigned bool
	tenantSigned   bool
	depositPaid    bool
	payments       int64
	nextDue        *big.Int
}

func (a *Agreement) Status() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetStatus applies a transition the contract makes on its own, such as
// activation or an arbitration outcome.
func (a *Agreement) SetStatus(s uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

func (a *Agreement) Payments() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payments
}

func (a *Agreement) Call(method string, _ []any) ([]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch method {
	case "getAgreementDetails":
		return []any{
			cloneBig(a.propertyID), a.landlord, a.tenant, cloneBig(a.rent),
			cloneBig(a.deposit), cloneBig(a.duration), big.NewInt(a.payments), cloneBig(a.nextDue),
		}, nil
	case "status":
		return []any{a.status}, nil
	case "landlordSigned":
		return []any{a.landlordSigned}, nil
	case "tenantSigned":
		return []any{a.tenantSigned}, nil
	case "depositPaid":
		return []any{a.depositPaid}, nil
	}
	return nil, errUnknownMethod
}

func (a *Agreement) Transact(tc *TxContext, method string, _ []any) ([]*types.Log, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch method {
	case "landlordSign":
		if tc.From != a.landlord {
			return nil, errors.New("only landlord")
		}
		if a.landlordSigned {
			return nil, errors.New("already signed")
		}
		a.landlordSigned = true
	case "tenantSign":
		if tc.From != a.tenant {
			return nil, errors.New("only tenant")
		}
		if a.tenantSigned {
			return nil, errors.New("already signed")
		}
		a.tenantSigned = true
	case "paySecurityDeposit":
		if tc.From != a.tenant {
			return nil, errors.New("only tenant")
		}
		if !a.landlordSigned || !a.tenantSigned {
			return nil, errors.New("not fully signed")
		}
		if a.depositPaid {
			return nil, errors.New("deposit already paid")
		}
		if err := a.token.pull(tc.From, a.self, a.self, a.deposit); err != nil {
			return nil, err
		}
		a.depositPaid = true
	case "payRent":
		if tc.From != a.tenant {
			return nil, errors.New("only tenant")
		}
		if a.status != StatusActive || !a.depositPaid {
			return nil, errors.New("agreement not active")
		}
		if err := a.token.pull(tc.From, a.self, a.landlord, a.rent); err != nil {
			return nil, err
		}
		a.payments++
		a.nextDue = new(big.Int).Add(a.nextDue, big.NewInt(30*24*3600))
	default:
		return nil, errUnknownMethod
	}
	return nil, nil
}

type dispute struct {
	agreement common.Address
	initiator common.Address
	responded map[common.Address]bool
}

// DisputeResolver models dispute creation and responses. Arbitration is
// applied by tests through Agreement.SetStatus.
type DisputeResolver struct {
	mu       sync.Mutex
	next     int64
	disputes map[int64]*dispute
}

func NewDisputeResolver() *DisputeResolver {
	return &DisputeResolver{disputes: make(map[int64]*dispute)}
}

func (d *DisputeResolver) Raised() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.disputes)
}

func (d *DisputeResolver) Call(method string, args []any) ([]any, error) {
	if method != "hasResponded" {
		return nil, errUnknownMethod
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := bigArg(args, 0)
	ds, ok := d.disputes[id.Int64()]
	if !ok {
		return []any{false}, nil
	}
	return []any{ds.responded[addrArg(args, 1)]}, nil
}

func (d *DisputeResolver) Transact(tc *TxContext, method string, args []any) ([]*types.Log, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch method {
	case "raiseDispute":
		target := addrArg(args, 0)
		ag, ok := tc.Lookup(target).(*Agreement)
		if !ok {
			return nil, errors.New("unknown agreement")
		}
		ag.mu.Lock()
		defer ag.mu.Unlock()
		if tc.From != ag.landlord && tc.From != ag.tenant {
			return nil, errors.New("not a party")
		}
		if ag.status != StatusActive {
			return nil, errors.New("agreement not active")
		}
		ag.status = StatusDisputed

		d.next++
		id := big.NewInt(d.next)
		d.disputes[d.next] = &dispute{agreement: target, initiator: tc.From, responded: make(map[common.Address]bool)}

		reason, _ := args[1].(uint8)
		event := contracts.DisputeResolverABI.Events["DisputeRaised"]
		data, err := event.Inputs.NonIndexed().Pack(reason)
		if err != nil {
			return nil, fmt.Errorf("pack DisputeRaised: %w", err)
		}
		return []*types.Log{{
			Address: tc.Self,
			Topics: []common.Hash{
				event.ID,
				common.BigToHash(id),
				common.BytesToHash(target.Bytes()),
				common.BytesToHash(tc.From.Bytes()),
			},
			Data:        data,
			BlockNumber: tc.Block,
		}}, nil
	case "respondToDispute":
		ds, ok := d.disputes[bigArg(args, 0).Int64()]
		if !ok {
			return nil, errors.New("unknown dispute")
		}
		if tc.From == ds.initiator {
			return nil, errors.New("initiator cannot respond")
		}
		if ds.responded[tc.From] {
			return nil, errors.New("already responded")
		}
		ds.responded[tc.From] = true
		return nil, nil
	}
	return nil, errUnknownMethod
}

// World is a fully deployed network: a backend plus every contract model
// registered at fixed addresses.
type World struct {
	Backend   *Backend
	Token     *Token
	Passport  *Passport
	Vault     *Vault
	Factory   *Factory
	Disputes  *DisputeResolver
	Addresses struct {
		Token, Passport, Vault, Factory, DisputeResolver common.Address
	}
}

// NewWorld deploys all contract models on a fresh backend.
func NewWorld(chainID uint64, decimals uint8) *World {
	w := &World{Backend: NewBackend(chainID)}
	w.Token = NewToken(decimals)
	w.Passport = NewPassport()
	w.Vault = NewVault(w.Token)
	w.Factory = NewFactory(w.Token)
	w.Disputes = NewDisputeResolver()

	w.Addresses.Token = deterministicAddress(chainID, "token")
	w.Addresses.Passport = deterministicAddress(chainID, "passport")
	w.Addresses.Vault = deterministicAddress(chainID, "vault")
	w.Addresses.Factory = deterministicAddress(chainID, "factory")
	w.Addresses.DisputeResolver = deterministicAddress(chainID, "disputes")

	w.Backend.Register(w.Addresses.Token, "token", w.Token)
	w.Backend.Register(w.Addresses.Passport, "passport", w.Passport)
	w.Backend.Register(w.Addresses.Vault, "vault", w.Vault)
	w.Backend.Register(w.Addresses.Factory, "factory", w.Factory)
	w.Backend.Register(w.Addresses.DisputeResolver, "disputes", w.Disputes)
	return w
}

func deterministicAddress(chainID uint64, name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("%d/%s", chainID, name))))
}

// Account returns a deterministic address for a test actor.
func Account(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("account/" + name)))
}

// Profile describes the world as a network profile with id.
func (w *World) Profile(id chain.NetworkID) chain.Profile {
	return chain.Profile{
		ID:             id,
		ChainID:        w.Backend.chainID,
		RPCURL:         "sim://" + string(id),
		DisplayName:    "Simulated " + string(id),
		NativeSymbol:   "SIM",
		NativeDecimals: 18,
		Contracts: chain.Contracts{
			Token:           w.Addresses.Token,
			Passport:        w.Addresses.Passport,
			Vault:           w.Addresses.Vault,
			Factory:         w.Addresses.Factory,
			DisputeResolver: w.Addresses.DisputeResolver,
		},
	}
}

// SignerFor returns a signer for name on this world's chain.
func (w *World) SignerFor(name string) Signer {
	return Signer{Addr: Account(name), Chain: w.Backend.chainID}
}
