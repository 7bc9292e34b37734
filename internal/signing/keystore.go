package signing

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PassphraseFunc resolves the passphrase of a key store account.
type PassphraseFunc func(addr common.Address) (string, error)

// StaticPassphrases resolves passphrases from a map keyed by hex address,
// falling back to def.
func StaticPassphrases(byAddress map[string]string, def string) PassphraseFunc {
	normalized := make(map[common.Address]string, len(byAddress))
	for key, pass := range byAddress {
		if common.IsHexAddress(key) {
			normalized[common.HexToAddress(key)] = pass
		}
	}
	return func(addr common.Address) (string, error) {
		if pass, ok := normalized[addr]; ok {
			return pass, nil
		}
		return def, nil
	}
}

// TxSigner signs a transaction on behalf of from.
type TxSigner func(from common.Address, tx *types.Transaction) (*types.Transaction, error)

// Keystore wraps a go-ethereum key store. Every use of a key is bracketed by
// an unlock and a deferred lock.
type Keystore struct {
	ks         *keystore.KeyStore
	passphrase PassphraseFunc

	mu sync.Mutex
}

// NewKeystore wraps ks.
func NewKeystore(ks *keystore.KeyStore, passphrase PassphraseFunc) *Keystore {
	if passphrase == nil {
		passphrase = StaticPassphrases(nil, "")
	}
	return &Keystore{ks: ks, passphrase: passphrase}
}

// OpenKeystore opens the key directory with standard scrypt parameters.
func OpenKeystore(dir string, passphrase PassphraseFunc) (*Keystore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("keystore dir is required")
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return NewKeystore(ks, passphrase), nil
}

// Has reports whether the key store holds a key for addr.
func (k *Keystore) Has(addr common.Address) bool {
	return k != nil && k.ks != nil && k.ks.HasAddress(addr)
}

// SignHash signs hash with the key of addr.
func (k *Keystore) SignHash(addr common.Address, hash []byte) ([]byte, error) {
	account, pass, err := k.resolve(addr)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ks.Unlock(account, pass); err != nil {
		return nil, fmt.Errorf("%w: unlock %s: %v", ErrSigningUnavailable, addr.Hex(), err)
	}
	defer k.ks.Lock(addr)

	sig, err := k.ks.SignHash(account, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: sign %s: %v", ErrSigningUnavailable, addr.Hex(), err)
	}
	return sig, nil
}

// Transactor returns a TxSigner for addr that decrypts the key per transaction.
func (k *Keystore) Transactor(addr common.Address, chainID *big.Int) (TxSigner, error) {
	account, pass, err := k.resolve(addr)
	if err != nil {
		return nil, err
	}
	if chainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}
	id := new(big.Int).Set(chainID)
	return func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
		if from != addr {
			return nil, fmt.Errorf("%w: transactor for %s cannot sign for %s", ErrSigningUnavailable, addr.Hex(), from.Hex())
		}
		signed, err := k.ks.SignTxWithPassphrase(account, pass, tx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: sign tx: %v", ErrSigningUnavailable, err)
		}
		return signed, nil
	}, nil
}

func (k *Keystore) resolve(addr common.Address) (accounts.Account, string, error) {
	if k == nil || k.ks == nil {
		return accounts.Account{}, "", fmt.Errorf("%w: keystore not configured", ErrSigningUnavailable)
	}
	account, err := k.ks.Find(accounts.Account{Address: addr})
	if err != nil {
		return accounts.Account{}, "", fmt.Errorf("%w: %s: %v", ErrSigningUnavailable, addr.Hex(), err)
	}
	pass, err := k.passphrase(addr)
	if err != nil {
		return accounts.Account{}, "", fmt.Errorf("%w: passphrase for %s: %v", ErrSigningUnavailable, addr.Hex(), err)
	}
	return account, pass, nil
}
