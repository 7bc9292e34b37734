package order

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"loanLedger/internal/model"
)

// Amortization unit types understood by the terms contract.
const (
	AmortizationHours  uint8 = 0
	AmortizationDays   uint8 = 1
	AmortizationWeeks  uint8 = 2
	AmortizationMonths uint8 = 3
	AmortizationYears  uint8 = 4
)

// InterestRateScale is the fixed point precision of the packed interest rate.
const InterestRateScale = 10_000

// Bit widths of the packed terms parameters, most significant field first.
const (
	bitsPrincipalTokenIndex  = 8
	bitsPrincipalAmount      = 96
	bitsInterestRate         = 24
	bitsAmortizationUnit     = 4
	bitsTermLength           = 16
	bitsCollateralTokenIndex = 8
	bitsCollateralAmount     = 92
	bitsGracePeriod          = 8
)

type termsField struct {
	name  string
	bits  uint
	value *big.Int
}

// PackTerms encodes terms into the 32 byte terms contract parameter blob.
func PackTerms(terms model.Terms) (common.Hash, error) {
	fields := []termsField{
		{"principal token index", bitsPrincipalTokenIndex, new(big.Int).SetUint64(uint64(terms.PrincipalTokenIndex))},
		{"principal amount", bitsPrincipalAmount, orZero(terms.PrincipalAmount)},
		{"interest rate", bitsInterestRate, new(big.Int).SetUint64(uint64(terms.InterestRate))},
		{"amortization unit", bitsAmortizationUnit, new(big.Int).SetUint64(uint64(terms.AmortizationUnitType))},
		{"term length", bitsTermLength, new(big.Int).SetUint64(uint64(terms.TermLength))},
		{"collateral token index", bitsCollateralTokenIndex, new(big.Int).SetUint64(uint64(terms.CollateralTokenIndex))},
		{"collateral amount", bitsCollateralAmount, orZero(terms.CollateralAmount)},
		{"grace period", bitsGracePeriod, new(big.Int).SetUint64(uint64(terms.GracePeriodInDays))},
	}

	packed := new(big.Int)
	for _, f := range fields {
		if f.value.Sign() < 0 || f.value.BitLen() > int(f.bits) {
			return common.Hash{}, fmt.Errorf("%s %s does not fit in %d bits", f.name, f.value, f.bits)
		}
		packed.Lsh(packed, f.bits)
		packed.Or(packed, f.value)
	}
	return common.BigToHash(packed), nil
}

// UnpackTerms decodes a terms contract parameter blob.
func UnpackTerms(params common.Hash) model.Terms {
	v := new(big.Int).SetBytes(params.Bytes())
	take := func(bits uint) *big.Int {
		mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1))
		out := new(big.Int).And(v, mask)
		v.Rsh(v, bits)
		return out
	}

	grace := take(bitsGracePeriod)
	collateralAmount := take(bitsCollateralAmount)
	collateralIndex := take(bitsCollateralTokenIndex)
	termLength := take(bitsTermLength)
	unit := take(bitsAmortizationUnit)
	rate := take(bitsInterestRate)
	principalAmount := take(bitsPrincipalAmount)
	principalIndex := take(bitsPrincipalTokenIndex)

	return model.Terms{
		PrincipalTokenIndex:  uint8(principalIndex.Uint64()),
		PrincipalAmount:      principalAmount,
		InterestRate:         uint32(rate.Uint64()),
		AmortizationUnitType: uint8(unit.Uint64()),
		TermLength:           uint16(termLength.Uint64()),
		CollateralTokenIndex: uint8(collateralIndex.Uint64()),
		CollateralAmount:     collateralAmount,
		GracePeriodInDays:    uint8(grace.Uint64()),
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
