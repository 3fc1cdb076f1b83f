// Package eventfile defines the event view the decode engine pulls
// hits from, and a concrete parser for the underlying block-structured,
// big-endian wire format.
package eventfile

// Event is the read-only view the decode engine consumes, indexed by
// (crate, slot, channel). A channel's entries are strip-sample pairs:
// RawData typically carries the strip index or a routing tag, Data the
// payload word (an ADC sample or a debug/timestamp word).
type Event interface {
	NumHits(crate, slot, channel uint32) int
	RawData(crate, slot, channel uint32, index int) uint32
	Data(crate, slot, channel uint32, index int) uint32
	EventNumber() uint64
}

type chipKey struct {
	Crate, Slot, Channel uint32
}

// entry is one (rawData, data) pair recorded for a chip channel.
type entry struct {
	raw  uint32
	data uint32
}

// MemoryEvent is an in-memory Event, built directly in tests and by
// BlockReader for production wire-format input.
type MemoryEvent struct {
	number uint64
	hits   map[chipKey][]entry
}

// NewMemoryEvent creates an empty event for the given event number.
func NewMemoryEvent(number uint64) *MemoryEvent {
	return &MemoryEvent{number: number, hits: make(map[chipKey][]entry)}
}

// Add appends one (raw, data) pair for the given (crate, slot, channel).
func (e *MemoryEvent) Add(crate, slot, channel, raw, data uint32) {
	k := chipKey{crate, slot, channel}
	e.hits[k] = append(e.hits[k], entry{raw: raw, data: data})
}

func (e *MemoryEvent) NumHits(crate, slot, channel uint32) int {
	return len(e.hits[chipKey{crate, slot, channel}])
}

func (e *MemoryEvent) RawData(crate, slot, channel uint32, index int) uint32 {
	entries := e.hits[chipKey{crate, slot, channel}]
	if index < 0 || index >= len(entries) {
		return 0
	}
	return entries[index].raw
}

func (e *MemoryEvent) Data(crate, slot, channel uint32, index int) uint32 {
	entries := e.hits[chipKey{crate, slot, channel}]
	if index < 0 || index >= len(entries) {
		return 0
	}
	return entries[index].data
}

func (e *MemoryEvent) EventNumber() uint64 {
	return e.number
}
