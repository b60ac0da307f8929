// Package agreement drives rental agreements through their lifecycle:
// creation, signatures, security deposit, rent and disputes.
//
// Every transition re-reads the agreement from chain before acting and
// returns a skipped Outcome when the transition has already happened, so a
// call that timed out locally can be repeated safely.
package agreement

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotParty             = errors.New("caller is not a party to the agreement")
	ErrTransitionNotAllowed = errors.New("transition not allowed in current state")
	ErrInvalidTerms         = errors.New("invalid agreement terms")
	ErrNoDisputeResolver    = errors.New("no dispute resolver on this network")
)

// State mirrors the agreement contract's status codes.
type State uint8

const (
	Pending State = iota
	Active
	Completed
	Terminated
	Disputed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	case Disputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == Completed || s == Terminated
}

// Agreement is the cached projection of one deployed agreement contract.
type Agreement struct {
	Address         common.Address `json:"address"`
	PropertyID      *big.Int       `json:"propertyId"`
	Landlord        common.Address `json:"landlord"`
	Tenant          common.Address `json:"tenant"`
	MonthlyRent     ledger.Amount  `json:"monthlyRent"`
	SecurityDeposit ledger.Amount  `json:"securityDeposit"`
	DurationMonths  uint64         `json:"durationMonths"`
	State           State          `json:"state"`
	LandlordSigned  bool           `json:"landlordSigned"`
	TenantSigned    bool           `json:"tenantSigned"`
	DepositPaid     bool           `json:"depositPaid"`
	PaymentsMade    uint64         `json:"paymentsMade"`
	NextPaymentDue  time.Time      `json:"nextPaymentDue"`
}

// FullySigned reports whether both parties have signed.
func (a *Agreement) FullySigned() bool {
	return a.LandlordSigned && a.TenantSigned
}

// Role is the caller's side of an agreement.
type Role int

const (
	NoRole Role = iota
	LandlordRole
	TenantRole
)

func (a *Agreement) RoleOf(addr common.Address) Role {
	switch addr {
	case a.Landlord:
		return LandlordRole
	case a.Tenant:
		return TenantRole
	default:
		return NoRole
	}
}

// CreateRequest holds the terms a landlord proposes.
type CreateRequest struct {
	PropertyID      *big.Int
	Tenant          common.Address
	MonthlyRent     ledger.Amount
	SecurityDeposit ledger.Amount
	DurationMonths  uint64
}

func (r CreateRequest) validate(landlord common.Address, decimals uint8) error {
	switch {
	case r.PropertyID == nil || r.PropertyID.Sign() < 0:
		return fmt.Errorf("%w: property id", ErrInvalidTerms)
	case r.Tenant == (common.Address{}):
		return fmt.Errorf("%w: tenant address", ErrInvalidTerms)
	case r.Tenant == landlord:
		return fmt.Errorf("%w: landlord cannot rent to themselves", ErrInvalidTerms)
	case r.MonthlyRent.Sign() <= 0:
		return fmt.Errorf("%w: monthly rent must be positive", ErrInvalidTerms)
	case r.SecurityDeposit.Sign() < 0:
		return fmt.Errorf("%w: security deposit", ErrInvalidTerms)
	case r.DurationMonths == 0:
		return fmt.Errorf("%w: duration", ErrInvalidTerms)
	case r.MonthlyRent.Decimals != decimals || r.SecurityDeposit.Decimals != decimals:
		return fmt.Errorf("%w: amounts must use %d decimals", ledger.ErrDecimalsMismatch, decimals)
	}
	return nil
}

// matches reports whether a carries exactly the requested terms.
func (r CreateRequest) matches(a *Agreement, landlord common.Address) bool {
	return a.Landlord == landlord &&
		a.Tenant == r.Tenant &&
		a.PropertyID.Cmp(r.PropertyID) == 0 &&
		a.MonthlyRent.Raw.Cmp(r.MonthlyRent.Raw) == 0 &&
		a.SecurityDeposit.Raw.Cmp(r.SecurityDeposit.Raw) == 0 &&
		a.DurationMonths == r.DurationMonths
}

// Outcome describes what a transition call did. Skipped is set when chain
// state showed the transition had already happened and nothing was sent.
type Outcome struct {
	Skipped    bool            `json:"skipped"`
	SkipReason string          `json:"skipReason,omitempty"`
	Approved   bool            `json:"approved"`
	Tx         *chain.TxHandle `json:"tx,omitempty"`
	DisputeID  *big.Int        `json:"disputeId,omitempty"`
	Agreement  *Agreement      `json:"agreement,omitempty"`
}

func skipped(a *Agreement, reason string) Outcome {
	return Outcome{Skipped: true, SkipReason: reason, Agreement: a}
}
