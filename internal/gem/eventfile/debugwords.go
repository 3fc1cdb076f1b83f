package eventfile

// Three debug words per chip encode six 13-bit signed online
// common-mode values, two per word: the low 13 bits hold the first
// value, the next 13 bits the second, each sign-extended to 32 bits.

// signExtend13 sign-extends the low 13 bits of v to a full int32.
func signExtend13(v uint32) int32 {
	v &= 0x1FFF
	if v&0x1000 != 0 {
		return int32(v) - 0x2000
	}
	return int32(v)
}

// decodeDebugWord unpacks one debug word into its two signed
// common-mode values and records them on the event under a channel
// reserved for this chip's debug data, distinct from its strip data
// channel (chip+debugChannelBase).
func decodeDebugWord(event *MemoryEvent, crate, slot, chip, word uint32) {
	low := signExtend13(word)
	high := signExtend13(word >> 13)

	debugChannel := debugChannelBase + chip
	idx := uint32(event.NumHits(crate, slot, debugChannel))
	event.Add(crate, slot, debugChannel, idx, uint32(low))
	event.Add(crate, slot, debugChannel, idx+1, uint32(high))
}

// OnlineCommonMode extracts the six decoded per-chip common-mode
// values from an event's recorded debug channel, in word order, as
// signed integers restored from their stored bit pattern.
func OnlineCommonMode(event Event, crate, slot, chip uint32) []int32 {
	debugChannel := debugChannelBase + chip
	n := event.NumHits(crate, slot, debugChannel)
	out := make([]int32, n)
	for i := 0; i < n; i++ {
		out[i] = int32(event.Data(crate, slot, debugChannel, i))
	}
	return out
}
