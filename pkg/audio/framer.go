package audio

// Framer re-chunks an arbitrary stream of samples into frames of exactly Size
// samples. Leftover samples are kept until the next Push.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	size int
	buf  []int16
}

// NewFramer returns a Framer producing frames of size samples. It panics if
// size is not positive.
func NewFramer(size int) *Framer {
	if size <= 0 {
		panic("audio: framer size must be positive")
	}
	return &Framer{size: size, buf: make([]int16, 0, size)}
}

// Size returns the frame length in samples.
func (f *Framer) Size() int { return f.size }

// Pending returns the number of buffered samples not yet emitted.
func (f *Framer) Pending() int { return len(f.buf) }

// Push appends samples and calls emit once for every complete frame. Each
// emitted slice is freshly allocated and owned by the callee.
func (f *Framer) Push(samples []int16, emit func(frame []int16)) {
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			frame := make([]int16, f.size)
			copy(frame, f.buf)
			f.buf = f.buf[:0]
			emit(frame)
		}
	}
}

// Flush pads any buffered samples with silence to a full frame and emits it.
// It does nothing when the buffer is empty.
func (f *Framer) Flush(emit func(frame []int16)) {
	if len(f.buf) == 0 {
		return
	}
	frame := make([]int16, f.size)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	emit(frame)
}

// Reset drops buffered samples.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
