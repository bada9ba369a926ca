package server

import (
	"fmt"
	"math/big"

	econoserrors "econos/internal/errors"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// EtherToWei converts a decimal ether amount ("0.05") to wei. An empty
// string means no amount and yields nil. Amounts with sub-wei precision
// are rejected rather than silently truncated.
func EtherToWei(ether string) (*big.Int, error) {
	if ether == "" {
		return nil, nil
	}
	amount, ok := new(big.Rat).SetString(ether)
	if !ok {
		return nil, econoserrors.NewValidationError("budgetEther", fmt.Sprintf("not a decimal amount: %q", ether))
	}
	if amount.Sign() <= 0 {
		return nil, econoserrors.NewValidationError("budgetEther", "must be positive")
	}
	wei := new(big.Rat).Mul(amount, new(big.Rat).SetInt(weiPerEther))
	if !wei.IsInt() {
		return nil, econoserrors.NewValidationError("budgetEther", "finer than one wei")
	}
	return wei.Num(), nil
}
