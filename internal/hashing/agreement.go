package hashing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AgreementID returns the issuance hash that identifies an agreement.
func AgreementID(
	version common.Address,
	debtor common.Address,
	underwriter common.Address,
	underwriterRiskRating *big.Int,
	termsContract common.Address,
	termsParameters common.Hash,
	salt *big.Int,
) (common.Hash, error) {
	return Digest(
		version,
		debtor,
		underwriter,
		underwriterRiskRating,
		termsContract,
		termsParameters,
		salt,
	)
}

// OrderHash returns the digest the debtor and creditor sign.
func OrderHash(
	kernel common.Address,
	agreementID common.Hash,
	underwriterFee *big.Int,
	principalAmount *big.Int,
	principalToken common.Address,
	debtorFee *big.Int,
	creditorFee *big.Int,
	relayer common.Address,
	relayerFee *big.Int,
	expiration *big.Int,
) (common.Hash, error) {
	return Digest(
		kernel,
		agreementID,
		underwriterFee,
		principalAmount,
		principalToken,
		debtorFee,
		creditorFee,
		relayer,
		relayerFee,
		expiration,
	)
}

// UnderwriterMessageHash returns the digest the underwriter signs.
func UnderwriterMessageHash(
	agreementID common.Hash,
	underwriterFee *big.Int,
	principalAmount *big.Int,
	principalToken common.Address,
	expiration *big.Int,
) (common.Hash, error) {
	return Digest(
		agreementID,
		underwriterFee,
		principalAmount,
		principalToken,
		expiration,
	)
}
