// Package contracts holds the fixed ABIs of the already-deployed RoomFi
// contracts the orchestrator talks to.
package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const TokenABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const PassportABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getTenantInfo","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
    {"name":"reputation","type":"uint256"},
    {"name":"paymentsMade","type":"uint256"},
    {"name":"paymentsMissed","type":"uint256"},
    {"name":"outstandingBalance","type":"uint256"},
    {"name":"propertiesOwned","type":"uint256"}]},
  {"type":"function","name":"getTenantMetrics","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
    {"name":"propertiesRented","type":"uint256"},
    {"name":"consecutiveOnTimePayments","type":"uint256"},
    {"name":"totalMonthsRented","type":"uint256"},
    {"name":"referralCount","type":"uint256"},
    {"name":"disputesCount","type":"uint256"},
    {"name":"totalRentPaid","type":"uint256"},
    {"name":"lastActivityTime","type":"uint256"},
    {"name":"isVerified","type":"bool"}]},
  {"type":"function","name":"getAllBadges","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"bool[]"}]},
  {"type":"function","name":"mintForSelf","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

const VaultABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"calculateInterest","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const FactoryABIJSON = `[
  {"type":"function","name":"createAgreement","stateMutability":"nonpayable","inputs":[
    {"name":"propertyId","type":"uint256"},
    {"name":"tenant","type":"address"},
    {"name":"monthlyRent","type":"uint256"},
    {"name":"securityDeposit","type":"uint256"},
    {"name":"duration","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getTenantAgreements","stateMutability":"view","inputs":[{"name":"tenant","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"getLandlordAgreements","stateMutability":"view","inputs":[{"name":"landlord","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"event","name":"AgreementCreated","anonymous":false,"inputs":[
    {"name":"agreementAddress","type":"address","indexed":true},
    {"name":"landlord","type":"address","indexed":true},
    {"name":"tenant","type":"address","indexed":true},
    {"name":"propertyId","type":"uint256","indexed":false}]}
]`

const AgreementABIJSON = `[
  {"type":"function","name":"landlordSign","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"tenantSign","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"paySecurityDeposit","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"payRent","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"getAgreementDetails","stateMutability":"view","inputs":[],"outputs":[
    {"name":"propertyId","type":"uint256"},
    {"name":"landlord","type":"address"},
    {"name":"tenant","type":"address"},
    {"name":"monthlyRent","type":"uint256"},
    {"name":"securityDeposit","type":"uint256"},
    {"name":"duration","type":"uint256"},
    {"name":"paymentsMade","type":"uint256"},
    {"name":"nextPaymentDue","type":"uint256"}]},
  {"type":"function","name":"status","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"landlordSigned","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"tenantSigned","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"depositPaid","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

const DisputeResolverABIJSON = `[
  {"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[
    {"name":"agreement","type":"address"},
    {"name":"reason","type":"uint8"},
    {"name":"evidence","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"respondToDispute","stateMutability":"nonpayable","inputs":[
    {"name":"disputeId","type":"uint256"},
    {"name":"evidence","type":"string"}],"outputs":[]},
  {"type":"function","name":"hasResponded","stateMutability":"view","inputs":[
    {"name":"disputeId","type":"uint256"},
    {"name":"party","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"DisputeRaised","anonymous":false,"inputs":[
    {"name":"disputeId","type":"uint256","indexed":true},
    {"name":"agreement","type":"address","indexed":true},
    {"name":"initiator","type":"address","indexed":true},
    {"name":"reason","type":"uint8","indexed":false}]}
]`

var (
	TokenABI           = mustParse("token", TokenABIJSON)
	PassportABI        = mustParse("passport", PassportABIJSON)
	VaultABI           = mustParse("vault", VaultABIJSON)
	FactoryABI         = mustParse("agreement factory", FactoryABIJSON)
	AgreementABI       = mustParse("agreement", AgreementABIJSON)
	DisputeResolverABI = mustParse("dispute resolver", DisputeResolverABIJSON)
)

func mustParse(name, raw string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return &parsed
}
