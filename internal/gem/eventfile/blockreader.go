package eventfile

import (
	"encoding/binary"
	"fmt"

	"github.com/jlab-solid/gemdecode/internal/gem/gemerr"
)

// Wire format (big-endian 32-bit words), documented here for the
// benefit of whoever has to write the matching encoder:
//
//   Outer bank: [length][tag(16):type(8):num(8)][...content...]
//   length counts the words following the length word itself, so the
//   bank occupies 1+length words in total.
//
//   Sub-bank types (the "type" byte of the tag/type/num word):
//     segmentType = 0x20  — trigger bank; first content word's low 16
//                           bits give the 16-bit event type.
//     rocType     = 0x10  — data bank; content is the block-structured
//                           stream below. The tag's low byte gives the
//                           crate id.
//
//   Block-structured stream (within a ROC bank): defining words have
//   the high bit (31) set; bits[30:28] select the kind:
//     blockHeaderKind  = 0x0  — bits[26:22] = slot
//     blockTrailerKind = 0x1  — bits[26:22] = slot
//     eventHeaderKind  = 0x2  — bits[26:22] = slot, bits[21:16] = chip,
//                               bit 27 = debug-channel flag
//
//   Non-defining (data) words following an EVENT_HEADER carry one
//   (strip, sample, adc) triplet each, unless the EVENT_HEADER's debug
//   flag is set, in which case they carry debug words (see
//   debugwords.go):
//     stripSample word: bits[29:19] = strip, bits[18:12] = sample,
//                        bits[11:0] = adc.

const (
	segmentType = 0x20
	rocType     = 0x10

	blockHeaderKind  = 0x0
	blockTrailerKind = 0x1
	eventHeaderKind  = 0x2

	debugChannelBase = 0x1000
)

func isDefiningWord(w uint32) bool    { return w&0x80000000 != 0 }
func wordKind(w uint32) uint32        { return (w >> 28) & 0x7 }
func wordSlot(w uint32) uint32        { return (w >> 22) & 0x1F }
func wordChip(w uint32) uint32        { return (w >> 16) & 0x3F }
func wordIsDebugHeader(w uint32) bool { return w&0x08000000 != 0 }

func dataWordStrip(w uint32) uint32  { return (w >> 19) & 0x7FF }
func dataWordSample(w uint32) uint32 { return (w >> 12) & 0x7F }
func dataWordADC(w uint32) uint32    { return w & 0xFFF }

// BlockReader parses the block-structured wire format into MemoryEvent
// values.
type BlockReader struct{}

// NewBlockReader creates a BlockReader.
func NewBlockReader() *BlockReader {
	return &BlockReader{}
}

// ParseEvent parses one outer BANK's raw bytes into an Event. Per-chip
// errors (UnmatchedBlockSlot) are collected and returned alongside a
// non-nil event so the caller can skip just the affected chip;
// MalformedRawEvent errors abort the whole event and return a nil
// event.
func (r *BlockReader) ParseEvent(raw []byte, eventNumber uint64) (Event, []error) {
	if len(raw) < 8 || len(raw)%4 != 0 {
		return nil, []error{&gemerr.MalformedRawEventError{EventNumber: eventNumber, Reason: "event buffer length not a multiple of 4 or too short"}}
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}

	length := words[0]
	if int(length)+1 > len(words) {
		return nil, []error{&gemerr.MalformedRawEventError{EventNumber: eventNumber, Reason: fmt.Sprintf("bank length %d exceeds buffer of %d words", length, len(words))}}
	}
	content := words[2 : 1+length]

	event := NewMemoryEvent(eventNumber)
	var errs []error

	i := 0
	for i < len(content) {
		subLen := content[i]
		if i+1 >= len(content) || int(i+1+int(subLen)) > len(content) {
			return nil, append(errs, &gemerr.MalformedRawEventError{EventNumber: eventNumber, Reason: "sub-bank length exceeds remaining content"})
		}
		header := content[i+1]
		tag := header >> 16
		btype := (header >> 8) & 0xFF
		subContent := content[i+2 : i+1+int(subLen)]

		switch btype {
		case segmentType:
			// Trigger bank: first word's low 16 bits are the event type.
			// Not decoded or recorded; the core doesn't need it.
		case rocType:
			crate := tag & 0xFF
			chipErrs := r.parseROC(event, crate, subContent, eventNumber)
			errs = append(errs, chipErrs...)
		default:
			return nil, append(errs, &gemerr.MalformedRawEventError{EventNumber: eventNumber, Reason: fmt.Sprintf("unknown sub-bank type 0x%x", btype)})
		}

		i += 1 + int(subLen)
	}

	return event, errs
}

func (r *BlockReader) parseROC(event *MemoryEvent, crate uint32, words []uint32, eventNumber uint64) []error {
	var errs []error
	i := 0
	for i < len(words) {
		w := words[i]
		if !isDefiningWord(w) || wordKind(w) != blockHeaderKind {
			i++
			continue
		}
		headerSlot := wordSlot(w)
		i++

		for i < len(words) {
			w = words[i]
			if isDefiningWord(w) && wordKind(w) == blockTrailerKind {
				trailerSlot := wordSlot(w)
				if trailerSlot != headerSlot {
					errs = append(errs, &gemerr.UnmatchedBlockSlotError{HeaderSlot: headerSlot, TrailerSlot: trailerSlot})
				}
				i++
				break
			}
			if isDefiningWord(w) && wordKind(w) == eventHeaderKind {
				eventSlot := wordSlot(w)
				skipChip := eventSlot != headerSlot
				if skipChip {
					errs = append(errs, &gemerr.UnmatchedBlockSlotError{HeaderSlot: headerSlot, TrailerSlot: eventSlot})
				}
				chip := wordChip(w)
				debug := wordIsDebugHeader(w)
				i++

				for i < len(words) && !isDefiningWord(words[i]) {
					data := words[i]
					if skipChip {
						// this chip's words are dropped
					} else if debug {
						decodeDebugWord(event, crate, headerSlot, chip, data)
					} else {
						strip := dataWordStrip(data)
						sample := dataWordSample(data)
						adc := dataWordADC(data)
						event.Add(crate, headerSlot, chip, strip<<8|sample, adc)
					}
					i++
				}
				continue
			}
			// unrecognised word inside a block: skip it.
			i++
		}
	}
	return errs
}
