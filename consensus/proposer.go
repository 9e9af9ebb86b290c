package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"
)

// twoToThe64 is written as a literal rather than derived from a shifted
// integer constant so the float conversion it performs is never ambiguous
// between implementations.
const twoToThe64 = 18446744073709551616.0

// selectProposer deterministically picks one address from validators,
// weighted by stake, for the given round. Every honest node evaluating the
// same seedBlockHash and round reaches the same answer without exchanging
// any message: the seed is hashed, the hash's first 8 bytes become a
// uniform draw in [0, 1), and that draw is scaled against total stake to
// walk a cumulative distribution over addresses sorted lexicographically
// (sorting removes any map-iteration-order dependence).
func selectProposer(validators map[string]uint64, seedBlockHash string, round int) string {
	if len(validators) == 0 {
		return ""
	}

	addrs := make([]string, 0, len(validators))
	var total uint64
	for addr, stake := range validators {
		addrs = append(addrs, addr)
		total += stake
	}
	sort.Strings(addrs)
	if total == 0 {
		return addrs[0]
	}

	seed := seedBlockHash + strconv.Itoa(round)
	digest := sha256.Sum256([]byte(seed))
	n := binary.BigEndian.Uint64(digest[:8])
	r := float64(n) / twoToThe64

	target := r * float64(total)
	var cumulative uint64
	for _, addr := range addrs {
		cumulative += validators[addr]
		if target < float64(cumulative) {
			return addr
		}
	}
	return addrs[len(addrs)-1]
}
