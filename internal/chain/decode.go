package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Typed accessors for unpacked call outputs. A type mismatch means the
// deployed contract does not match the ABI.

func outputAt[T any](out []any, i int) (T, error) {
	var zero T
	if i >= len(out) {
		return zero, fmt.Errorf("output %d missing (got %d values)", i, len(out))
	}
	v, ok := out[i].(T)
	if !ok {
		return zero, fmt.Errorf("output %d: want %T, got %T", i, zero, out[i])
	}
	return v, nil
}

func BigAt(out []any, i int) (*big.Int, error) {
	v, err := outputAt[*big.Int](out, i)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return new(big.Int), nil
	}
	return v, nil
}

func BoolAt(out []any, i int) (bool, error) {
	return outputAt[bool](out, i)
}

func Uint8At(out []any, i int) (uint8, error) {
	return outputAt[uint8](out, i)
}

func AddressAt(out []any, i int) (common.Address, error) {
	return outputAt[common.Address](out, i)
}

func AddressesAt(out []any, i int) ([]common.Address, error) {
	return outputAt[[]common.Address](out, i)
}

func BoolsAt(out []any, i int) ([]bool, error) {
	return outputAt[[]bool](out, i)
}
