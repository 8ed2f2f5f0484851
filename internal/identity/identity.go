// Package identity issues device identities, normalises wallet addresses
// and validates the account and token ids that flow through the ledger.
package identity

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Kind string

const (
	KindDevice Kind = "device"
	KindWallet Kind = "wallet"
)

var (
	ErrInvalidAccountID = errors.New("invalid account id")
	ErrInvalidWallet    = errors.New("invalid wallet address")
)

// NewDeviceID returns a fresh UUID v4 device identity.
func NewDeviceID() string {
	return uuid.NewString()
}

// NormalizeWallet validates a hex address and returns its EIP-55 form.
func NormalizeWallet(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", ErrInvalidWallet
	}
	addr := common.HexToAddress(address)
	if addr == (common.Address{}) {
		return "", ErrInvalidWallet
	}
	return addr.Hex(), nil
}

// KindOf classifies an account id. Device ids must be canonical UUID v4
// strings and wallet ids must already be checksummed.
func KindOf(id string) (Kind, error) {
	if isCanonicalUUIDv4(id) {
		return KindDevice, nil
	}
	if strings.HasPrefix(id, "0x") {
		normalized, err := NormalizeWallet(id)
		if err == nil && normalized == id {
			return KindWallet, nil
		}
	}
	return "", ErrInvalidAccountID
}

func ValidateAccountID(id string) error {
	_, err := KindOf(id)
	return err
}

// ValidTokenID reports whether id has the shape of an issued token id.
func ValidTokenID(id string) bool {
	return isCanonicalUUIDv4(id)
}

func isCanonicalUUIDv4(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.String() == s
}
