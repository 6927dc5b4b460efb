package main

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
)

// AccountID identifies a user, the pool owner or the pool admin. Account ids
// are fixed width, so concatenating one with a milestone id is unambiguous.
type AccountID = common.Address

// ClaimKey is the storage identity of a (user, milestone) claim.
type ClaimKey []byte

func DeriveClaimKey(user AccountID, milestoneID []byte) ClaimKey {
	key := make([]byte, 0, common.AddressLength+len(milestoneID))
	key = append(key, user.Bytes()...)
	key = append(key, milestoneID...)
	return key
}

func (k ClaimKey) String() string {
	return hex.EncodeToString(k)
}

func parseClaimKey(encoded string) (ClaimKey, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return ClaimKey(raw), nil
}

func (k ClaimKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ClaimKey) UnmarshalText(text []byte) error {
	raw, err := parseClaimKey(string(text))
	if err != nil {
		return err
	}
	*k = raw
	return nil
}
