// Package gemerr defines the per-event and per-chip error kinds raised by
// the GEM decode engine. Configuration errors are fatal; everything else
// is reported and the decoder continues with the next chip or event, per
// the decoder's propagation policy: per-event/per-chip errors are
// logged and decoding continues.
package gemerr

import "fmt"

// ConfigMissingError reports a mandatory configuration key that was not
// found while loading a run's configuration. Fatal at load time.
type ConfigMissingError struct {
	Key string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("gemconfig: missing mandatory key %q", e.Key)
}

// MalformedRawEventError reports an inconsistency in the raw event
// stream (length mismatch, unexpected bank type, unknown segment type).
// The event is dropped; the decoder continues with the next event.
type MalformedRawEventError struct {
	EventNumber uint64
	Reason      string
}

func (e *MalformedRawEventError) Error() string {
	return fmt.Sprintf("malformed raw event %d: %s", e.EventNumber, e.Reason)
}

// UnmatchedBlockSlotError reports a BLOCK_HEADER slot that does not match
// the corresponding BLOCK_TRAILER/EVENT_HEADER slot. On an EVENT_HEADER
// mismatch that chip's data words are skipped; on a BLOCK_TRAILER
// mismatch the block's data, already read, is kept.
type UnmatchedBlockSlotError struct {
	HeaderSlot  uint32
	TrailerSlot uint32
}

func (e *UnmatchedBlockSlotError) Error() string {
	return fmt.Sprintf("unmatched block slot: header=%d trailer/event=%d", e.HeaderSlot, e.TrailerSlot)
}

// NotEnoughStripsError reports that a common-mode algorithm was invoked
// with fewer surviving strips than it requires.
type NotEnoughStripsError struct {
	Method   string
	Have     int
	Required int
}

func (e *NotEnoughStripsError) Error() string {
	return fmt.Sprintf("%s common-mode: not enough strips: have %d, need %d", e.Method, e.Have, e.Required)
}

// CapExceededError reports that more than MAX2DHITS candidate 2D hits
// were found in one event; the excess was discarded.
type CapExceededError struct {
	Cap     int
	Dropped int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("2D hit cap %d exceeded: dropped %d candidate hits", e.Cap, e.Dropped)
}

// APVMappingInvalidError reports an unknown APV channel-mapping family
// tag; the caller should fall back to a known default family.
type APVMappingInvalidError struct {
	Family int
}

func (e *APVMappingInvalidError) Error() string {
	return fmt.Sprintf("unknown APV mapping family %d", e.Family)
}
