// Package opus wraps layeh.com/gopus for the two places voxintent meets Opus:
// Discord voice packets and Opus-encoded audio sent over the websocket API.
package opus

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	DiscordSampleRate = 48000
	DiscordChannels   = 2
	FrameDurationMs   = 20
)

// maxPacketBytes bounds a single encoded packet (RFC 6716 recommends 1275).
const maxPacketBytes = 1275

// FrameSize returns the number of samples per channel in one 20 ms frame at
// sampleRate.
func FrameSize(sampleRate int) int {
	return sampleRate * FrameDurationMs / 1000
}

// Decoder decodes a single Opus stream. Each speaker needs its own Decoder
// because Opus decoding is stateful across consecutive packets.
type Decoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewDecoder creates a decoder producing interleaved int16 PCM.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder (%d Hz, %d ch): %w", sampleRate, channels, err)
	}
	return &Decoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// SampleRate returns the decoder's output rate.
func (d *Decoder) SampleRate() int { return d.sampleRate }

// Channels returns the decoder's output channel count.
func (d *Decoder) Channels() int { return d.channels }

// Decode decodes one packet into interleaved PCM samples.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, FrameSize(d.sampleRate), false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return pcm, nil
}

// Encoder encodes interleaved int16 PCM into Opus packets.
type Encoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
}

// NewEncoder creates an encoder tuned for voice.
func NewEncoder(sampleRate, channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder (%d Hz, %d ch): %w", sampleRate, channels, err)
	}
	return &Encoder{enc: enc, sampleRate: sampleRate, channels: channels}, nil
}

// FrameSamples is the number of interleaved samples Encode expects.
func (e *Encoder) FrameSamples() int {
	return FrameSize(e.sampleRate) * e.channels
}

// Encode encodes exactly one 20 ms frame of interleaved PCM.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.FrameSamples() {
		return nil, fmt.Errorf("opus: encode: got %d samples, want %d", len(pcm), e.FrameSamples())
	}
	packet, err := e.enc.Encode(pcm, FrameSize(e.sampleRate), maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}
