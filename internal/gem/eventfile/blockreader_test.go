package eventfile

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jlab-solid/gemdecode/internal/gem/gemerr"
)

func blockHeaderWord(slot uint32) uint32  { return 0x80000000 | (blockHeaderKind << 28) | (slot << 22) }
func blockTrailerWord(slot uint32) uint32 { return 0x80000000 | (blockTrailerKind << 28) | (slot << 22) }
func eventHeaderWord(slot, chip uint32, debug bool) uint32 {
	w := uint32(0x80000000) | (eventHeaderKind << 28) | (slot << 22) | (chip << 16)
	if debug {
		w |= 0x08000000
	}
	return w
}
func dataWord(strip, sample, adc uint32) uint32 {
	return (strip << 19) | (sample << 12) | (adc & 0xFFF)
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.BigEndian.PutUint32(out[i*4:i*4+4], w)
	}
	return out
}

// buildEvent assembles one outer BANK containing a single ROC sub-bank
// whose content is the given block-structured words.
func buildEvent(crateTag uint32, rocWords []uint32) []byte {
	rocHeader := (crateTag << 16) | (rocType << 8)
	rocSubLen := uint32(1 + len(rocWords))
	roc := append([]uint32{rocSubLen, rocHeader}, rocWords...)

	outerHeader := uint32(0x1234 << 16)
	outerLen := uint32(1 + len(roc))
	all := append([]uint32{outerLen, outerHeader}, roc...)
	return wordsToBytes(all)
}

func TestParseEventDecodesStripSamples(t *testing.T) {
	words := []uint32{
		blockHeaderWord(2),
		eventHeaderWord(2, 3, false),
		dataWord(10, 0, 123),
		dataWord(10, 1, 456),
		blockTrailerWord(2),
	}
	raw := buildEvent(7, words)

	r := NewBlockReader()
	event, errs := r.ParseEvent(raw, 42)
	require.Empty(t, errs)
	require.NotNil(t, event)
	require.Equal(t, uint64(42), event.EventNumber())

	strip10Key := uint32(10)<<8 | 0
	require.Equal(t, 2, event.NumHits(7, 2, 3))
	require.Equal(t, strip10Key, event.RawData(7, 2, 3, 0))
	require.Equal(t, uint32(123), event.Data(7, 2, 3, 0))
	require.Equal(t, uint32(456), event.Data(7, 2, 3, 1))
}

func TestParseEventUnmatchedBlockSlot(t *testing.T) {
	words := []uint32{
		blockHeaderWord(2),
		eventHeaderWord(2, 0, false),
		dataWord(5, 0, 10),
		blockTrailerWord(9), // mismatched slot
	}
	raw := buildEvent(1, words)

	r := NewBlockReader()
	_, errs := r.ParseEvent(raw, 1)
	require.NotEmpty(t, errs)
	var unmatched *gemerr.UnmatchedBlockSlotError
	require.ErrorAs(t, errs[0], &unmatched)
}

func TestParseEventMalformedShortBuffer(t *testing.T) {
	r := NewBlockReader()
	_, errs := r.ParseEvent([]byte{1, 2, 3}, 1)
	require.NotEmpty(t, errs)
	var malformed *gemerr.MalformedRawEventError
	require.ErrorAs(t, errs[0], &malformed)
}

func TestParseEventDebugWordsDecodeSignedCM(t *testing.T) {
	// low=-10 (0x1FF6 in 13 bits), high=+20
	low := uint32(0x1FF6)
	high := uint32(20)
	debugDataWord := low | (high << 13)

	words := []uint32{
		blockHeaderWord(1),
		eventHeaderWord(1, 2, true),
		debugDataWord,
		blockTrailerWord(1),
	}
	raw := buildEvent(4, words)

	r := NewBlockReader()
	event, errs := r.ParseEvent(raw, 9)
	require.Empty(t, errs)

	cm := OnlineCommonMode(event, 4, 1, 2)
	require.Len(t, cm, 2)
	require.Equal(t, int32(-10), cm[0])
	require.Equal(t, int32(20), cm[1])
}
