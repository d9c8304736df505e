package audio

// SampleBuffer accumulates raw little-endian 16-bit PCM bytes that have not
// been processed yet. Network chunks rarely land on sample boundaries, so a
// trailing odd byte is held back until the next Append completes the sample.
type SampleBuffer struct {
	data []byte
}

// NewSampleBuffer returns an empty buffer with the given initial capacity in bytes.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &SampleBuffer{data: make([]byte, 0, capacity)}
}

// Append adds raw bytes to the tail. Any length and alignment is accepted.
func (b *SampleBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Len reports the aligned byte count, excluding a held-back odd byte.
func (b *SampleBuffer) Len() int {
	return len(b.data) &^ 1
}

// Held reports how many bytes are waiting for the rest of their sample (0 or 1).
func (b *SampleBuffer) Held() int {
	return len(b.data) & 1
}

// TakeAlignedReady returns the largest even-length prefix once it reaches
// minSize bytes and keeps only the odd remainder buffered. It reports false
// and leaves the buffer untouched while the aligned length is below minSize.
func (b *SampleBuffer) TakeAlignedReady(minSize int) ([]byte, bool) {
	aligned := b.Len()
	if aligned < minSize {
		return nil, false
	}
	out := make([]byte, aligned)
	copy(out, b.data[:aligned])
	b.data = append(b.data[:0], b.data[aligned:]...)
	return out, true
}

// DrainAllAligned empties the buffer and returns everything it held. An odd
// trailing byte is completed with a zero byte so the last sample survives.
func (b *SampleBuffer) DrainAllAligned() []byte {
	out := make([]byte, len(b.data), len(b.data)+1)
	copy(out, b.data)
	if len(out)%2 != 0 {
		out = append(out, 0)
	}
	b.data = b.data[:0]
	return out
}

// Reset discards all buffered bytes, including a held-back byte.
func (b *SampleBuffer) Reset() {
	b.data = b.data[:0]
}
