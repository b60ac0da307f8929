package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NetworkID names one of the supported networks.
type NetworkID string

const (
	Primary   NetworkID = "primary"
	Secondary NetworkID = "secondary"
)

// Contracts are the deployed addresses on one network. Zero addresses mark
// contracts that are not deployed there.
type Contracts struct {
	Token           common.Address
	Passport        common.Address
	Vault           common.Address
	Factory         common.Address
	DisputeResolver common.Address
}

// Profile is the immutable description of a network.
type Profile struct {
	ID             NetworkID
	ChainID        uint64
	RPCURL         string
	DisplayName    string
	NativeSymbol   string
	NativeDecimals uint8
	Contracts      Contracts
}

func (p Profile) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(p.ChainID)
}

// ChainIDHex is the 0x-prefixed form wallets expect in switch requests.
func (p Profile) ChainIDHex() string {
	return fmt.Sprintf("0x%x", p.ChainID)
}

func (p Profile) String() string {
	return fmt.Sprintf("%s(%s, chain %d)", p.ID, p.DisplayName, p.ChainID)
}
