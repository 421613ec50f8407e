package cdp

import (
	"math/big"
	"sort"
)

type indexEntry struct {
	ratio *big.Rat
	id    uint64
}

// RatioIndex orders open positions of one collateral type by collateral
// ratio, ascending, ties broken by ascending identifier. Ratio changes are
// applied as remove-then-reinsert so the index never holds stale or duplicate
// keys. The index is an in-memory view rebuilt from the ledger on boot.
type RatioIndex struct {
	entries []indexEntry
}

// NewRatioIndex returns an empty index.
func NewRatioIndex() *RatioIndex {
	return &RatioIndex{}
}

// Len returns the number of indexed positions.
func (ix *RatioIndex) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}

func (ix *RatioIndex) less(ratio *big.Rat, id uint64, i int) bool {
	switch ratio.Cmp(ix.entries[i].ratio) {
	case -1:
		return true
	case 1:
		return false
	}
	return id < ix.entries[i].id
}

// Insert adds a position under the given ratio. An existing entry for the
// identifier is replaced, keeping the index free of duplicates.
func (ix *RatioIndex) Insert(ratio *big.Rat, id uint64) {
	if ix == nil || ratio == nil {
		return
	}
	ix.Remove(id)
	key := new(big.Rat).Set(ratio)
	pos := sort.Search(len(ix.entries), func(i int) bool {
		return ix.less(key, id, i)
	})
	ix.entries = append(ix.entries, indexEntry{})
	copy(ix.entries[pos+1:], ix.entries[pos:])
	ix.entries[pos] = indexEntry{ratio: key, id: id}
}

// Remove drops the entry for the identifier and reports whether one existed.
func (ix *RatioIndex) Remove(id uint64) bool {
	if ix == nil {
		return false
	}
	for i := range ix.entries {
		if ix.entries[i].id == id {
			ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether the identifier is indexed.
func (ix *RatioIndex) Contains(id uint64) bool {
	if ix == nil {
		return false
	}
	for i := range ix.entries {
		if ix.entries[i].id == id {
			return true
		}
	}
	return false
}

// Ascend visits entries from the lowest ratio upward until fn returns false.
// The callback must not mutate the index; collect identifiers first when the
// visit triggers re-keying.
func (ix *RatioIndex) Ascend(fn func(ratio *big.Rat, id uint64) bool) {
	if ix == nil {
		return
	}
	for i := range ix.entries {
		if !fn(new(big.Rat).Set(ix.entries[i].ratio), ix.entries[i].id) {
			return
		}
	}
}

// IDs returns the indexed identifiers from the lowest ratio upward.
func (ix *RatioIndex) IDs() []uint64 {
	if ix == nil {
		return nil
	}
	ids := make([]uint64, len(ix.entries))
	for i := range ix.entries {
		ids[i] = ix.entries[i].id
	}
	return ids
}

// Lowest returns the worst-ratio entry, or false when the index is empty.
func (ix *RatioIndex) Lowest() (*big.Rat, uint64, bool) {
	if ix == nil || len(ix.entries) == 0 {
		return nil, 0, false
	}
	return new(big.Rat).Set(ix.entries[0].ratio), ix.entries[0].id, true
}
