package appproto

// MaxValueSize bounds the size of any value/payload a protocol can generate,
// matching the static MAX_VAL_SIZE template pool in the reference
// implementation: one immutable, pre-filled buffer that every protocol's
// "set"-style request slices into rather than allocating per request.
const MaxValueSize = 1 << 20

// randomChar is the immutable content template sliced into outgoing value
// payloads (memcache/redis SET bodies, STSS request bodies). It never
// changes after init, so it's safe to share across all worker threads.
var randomChar = func() []byte {
	b := make([]byte, MaxValueSize)
	for i := range b {
		b[i] = 'x'
	}
	return b
}()

func valuePayload(n int) []byte {
	if n > len(randomChar) {
		n = len(randomChar)
	}
	return randomChar[:n]
}
