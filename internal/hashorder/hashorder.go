// Package hashorder provides the deterministic ticker processing order
// required by the simulation engine and planner: tickers for a given date
// are visited in ascending order of xxhash(ticker, date.unix_seconds),
// with a ticker-string tiebreak on collision. This is reproducible across
// runs and machines, unlike map iteration order.
package hashorder

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Key hashes one (ticker, unixSeconds) pair.
func Key(ticker string, unixSeconds int64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(unixSeconds))

	h := xxhash.New()
	_, _ = h.WriteString(ticker)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Sort returns tickers ordered ascending by Key(ticker, unixSeconds), with
// ties broken by ticker string. The input slice is not mutated.
func Sort(tickers []string, unixSeconds int64) []string {
	ordered := make([]string, len(tickers))
	copy(ordered, tickers)

	keys := make(map[string]uint64, len(ordered))
	for _, t := range ordered {
		keys[t] = Key(t, unixSeconds)
	}

	sort.Slice(ordered, func(i, j int) bool {
		ki, kj := keys[ordered[i]], keys[ordered[j]]
		if ki != kj {
			return ki < kj
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}
