package grammar

import "math"

// defaultRMSThreshold is the RMS energy level below which a frame is
// considered silence. 16-bit PCM ranges from -32768 to 32767, so 300 is
// roughly -40 dBFS.
const defaultRMSThreshold = 300.0

type endpointResult int

const (
	endpointPending endpointResult = iota
	endpointSilence
	endpointMaxLength
)

// endpointer accumulates speech frames and decides when an utterance ends.
// Silence before the first speech frame is discarded.
type endpointer struct {
	rmsThreshold  float64
	silenceFrames int
	maxSamples    int

	speech    bool
	silentRun int
	buf       []int16
}

func (e *endpointer) push(frame []int16) endpointResult {
	loud := computeRMS(frame) >= e.rmsThreshold
	if !e.speech {
		if !loud {
			return endpointPending
		}
		e.speech = true
	}
	e.buf = append(e.buf, frame...)
	if loud {
		e.silentRun = 0
	} else {
		e.silentRun++
		if e.silentRun >= e.silenceFrames {
			return endpointSilence
		}
	}
	if e.maxSamples > 0 && len(e.buf) >= e.maxSamples {
		return endpointMaxLength
	}
	return endpointPending
}

// utterance returns the buffered audio without the trailing silence.
func (e *endpointer) utterance(frameLength int) []int16 {
	n := len(e.buf) - e.silentRun*frameLength
	if n < 0 {
		n = 0
	}
	return e.buf[:n]
}

func (e *endpointer) reset() {
	e.speech = false
	e.silentRun = 0
	e.buf = e.buf[:0]
}

// computeRMS returns the root mean square energy of 16-bit samples.
func computeRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
