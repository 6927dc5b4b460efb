package main

import (
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
)

const maxMilestoneIDLength = 64

func isValidMilestoneID(milestoneID string) bool {
	if milestoneID == "" || len(milestoneID) > maxMilestoneIDLength {
		return false
	}

	for _, r := range milestoneID {
		if r == '-' || r == '_' || r == '.' || r == ':' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}

// parseAccountID accepts 0x-prefixed or bare 40 hex digit addresses.
func parseAccountID(value string) (AccountID, bool) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return AccountID{}, false
	}
	return common.HexToAddress(value), true
}
