package consensus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ainblock/ainchain/storage"
)

// DepositAccount is the canonical, read-only record of an address's
// consensus deposit, maintained by whatever processes the deposit push
// requests into a settled balance.
type DepositAccount struct {
	Value    int64 `json:"value"`
	ExpireAt int64 `json:"expire_at"`
}

// RegisterRecord attests that an address voted blockHash was the selected
// block of a given height, at the stake it held at the time.
type RegisterRecord struct {
	BlockHash string `json:"block_hash"`
	Stake     uint64 `json:"stake"`
}

// ProposeRecord is the per-height proposal record a proposer writes into
// its own proposed block's transaction list.
type ProposeRecord struct {
	Number       int64             `json:"number"`
	Validators   map[string]uint64 `json:"validators"`
	TotalAtStake uint64            `json:"total_at_stake"`
	Proposer     string            `json:"proposer"`
}

func proposePath(n int64) string {
	return "/consensus/number/" + strconv.FormatInt(n, 10) + "/propose"
}

func registerPath(n int64, addr string) string {
	return "/consensus/number/" + strconv.FormatInt(n, 10) + "/register/" + addr
}

func registerPrefix(n int64) string {
	return "/consensus/number/" + strconv.FormatInt(n, 10) + "/register/"
}

func depositPushPath(addr, pushID string) string {
	return "/deposit/consensus/" + addr + "/" + pushID + "/value"
}

func depositAccountPath(addr string) string {
	return "/deposit_accounts/consensus/" + addr
}

// mustMarshal marshals v, panicking on failure. It is only ever called
// with the engine's own well-formed record types, so a marshal failure
// would mean a programming error, not bad input.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("consensus: marshal %T: %v", v, err))
	}
	return data
}

// getValidConsensusDeposit reads the canonical deposit account for addr
// and returns its value if it is still in its grace window, 0 otherwise.
func getValidConsensusDeposit(view *storage.PathDB, addr string, nowMs int64, dayMs int64) uint64 {
	raw, err := view.GetValue(depositAccountPath(addr))
	if err != nil || raw == nil {
		return 0
	}
	var acc DepositAccount
	if err := json.Unmarshal(raw, &acc); err != nil {
		return 0
	}
	if acc.Value > 0 && acc.ExpireAt > nowMs+dayMs {
		return uint64(acc.Value)
	}
	return 0
}

// RegistrationIndex is the secondary lookup the engine uses to avoid a
// full prefix scan of the path tree when gathering a height's
// registration records. *indexer.Indexer implements it; tests may pass
// nil to fall back to the prefix-scan path.
type RegistrationIndex interface {
	GetRegistrantsAtHeight(number int64) ([]string, error)
}

// getValidatorsVotedFor returns every registration record written for
// height n, keyed by address. When index is non-nil it is used to fetch
// the set of addresses that registered at n, and each record is then
// read with a single targeted GetValue instead of a prefix scan; index
// being nil (or a lookup failure) falls back to scanning the prefix
// directly, which stays correct but costs a full path-tree walk.
func getValidatorsVotedFor(view *storage.PathDB, index RegistrationIndex, n int64) map[string]RegisterRecord {
	if index != nil {
		if addrs, err := index.GetRegistrantsAtHeight(n); err == nil {
			out := make(map[string]RegisterRecord, len(addrs))
			for _, addr := range addrs {
				raw, err := view.GetValue(registerPath(n, addr))
				if err != nil || raw == nil {
					continue
				}
				var rec RegisterRecord
				if err := json.Unmarshal(raw, &rec); err != nil {
					continue
				}
				out[addr] = rec
			}
			return out
		}
	}

	prefix := registerPrefix(n)
	out := make(map[string]RegisterRecord)
	for path, raw := range view.IteratePrefix(prefix) {
		addr := strings.TrimPrefix(path, prefix)
		var rec RegisterRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out[addr] = rec
	}
	return out
}

var pushCounter uint64

// newPushID returns an ordering-friendly, collision-resistant identifier
// for a deposit push request: a millisecond timestamp followed by a
// per-process monotonic counter, so two pushes issued in the same
// millisecond by the same node never collide. The counter is not
// zero-padded, so IDs sharing a millisecond do not sort lexicographically
// in issue order.
func newPushID(nowMs int64) string {
	n := atomic.AddUint64(&pushCounter, 1)
	return strconv.FormatInt(nowMs, 10) + "-" + strconv.FormatUint(n, 10)
}
