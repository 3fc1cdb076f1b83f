// Package chanmap translates a chip-internal channel index into a
// physical strip index, and holds the ordered chip mapping table that
// locates each physical front-end chip within a module's crate/slot
// space.
package chanmap

import "github.com/jlab-solid/gemdecode/internal/gem/gemerr"

// NumChannels is the fixed number of channels per front-end chip (APV25).
const NumChannels = 128

// Family selects one of the four fixed channel-to-strip permutations.
type Family int

const (
	// INFN is the INFN-style APV channel mapping.
	INFN Family = iota
	// UVAXY is the UVA XY-style mapping.
	UVAXY
	// UVAUV is the UVA UV-style mapping.
	UVAUV
	// MC is the simulation (Monte Carlo) identity-style mapping.
	MC
)

// Entry is one row of the chip mapping table: one physical chip.
type Entry struct {
	Crate      uint32
	Slot       uint32
	ChipID     uint32 // mpd_id in the source DAQ's terminology
	Position   uint32 // chip position along the axis it reads out
	Invert     bool   // channel-inversion flag
	Axis       int    // 0 = U, 1 = V
	DenseIndex int    // contiguous index into the module's per-chip arrays
}

// Table holds the ordered chip mapping entries for a module and the four
// fixed channel permutations.
type Table struct {
	entries []Entry
	perms   [4][NumChannels]int
}

// NewTable builds a Table from the ordered chip entries. Entries keep
// the DenseIndex values the loader assigned; NewTable neither reassigns
// nor checks them.
func NewTable(entries []Entry) *Table {
	t := &Table{entries: entries}
	t.perms = buildPermutations()
	return t
}

// Entries returns the ordered chip mapping entries.
func (t *Table) Entries() []Entry {
	return t.entries
}

// EntryByDenseIndex returns the chip entry at the given dense index.
func (t *Table) EntryByDenseIndex(i int) (Entry, bool) {
	if i < 0 || i >= len(t.entries) {
		return Entry{}, false
	}
	return t.entries[i], true
}

// StripNumber converts a raw APV channel number to a physical strip
// index, given the chip's position along the axis, its inversion flag,
// and the mapping family. Returns APVMappingInvalidError (and the raw
// channel number, unmapped) for an unrecognised family so the caller can
// warn and fall back to a known family.
func (t *Table) StripNumber(family Family, rawChannel int, position uint32, invert bool) (int, error) {
	if family < INFN || family > MC || rawChannel < 0 || rawChannel >= NumChannels {
		return rawChannel, &gemerr.APVMappingInvalidError{Family: int(family)}
	}
	mapped := t.perms[family][rawChannel]
	if invert {
		mapped = NumChannels - 1 - mapped
	}
	return int(position)*NumChannels + mapped, nil
}

// buildPermutations constructs the four fixed APV channel->local-channel
// permutations. INFN and MC use the natural (identity) ordering; UVA_XY
// and UVA_UV apply the standard APV25 interleaved readout reorderings
// used by UVA-built front-end boards, where channel k maps to
// 32*(k%4) + 8*(k/4%4) + (k/16) -- the classic "every 4th, then every
// 8th" multiplexed trace layout.
func buildPermutations() [4][NumChannels]int {
	var perms [4][NumChannels]int
	for ch := 0; ch < NumChannels; ch++ {
		perms[INFN][ch] = ch
		perms[MC][ch] = ch
		uva := uvaInterleave(ch)
		perms[UVAXY][ch] = uva
		perms[UVAUV][ch] = uva
	}
	return perms
}

// uvaInterleave computes the UVA APV25 channel reordering.
func uvaInterleave(ch int) int {
	return 32*(ch%4) + 8*((ch/4)%4) + ch/16
}
