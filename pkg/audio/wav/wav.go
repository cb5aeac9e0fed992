// Package wav streams 16-bit PCM WAV files into an audio sink, for file-based
// recognition and for tests that need deterministic audio.
package wav

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/voxintent/pkg/audio"
	"github.com/MrWong99/voxintent/pkg/intent"
	goaudio "github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
)

// Sink receives raw audio frames; *audio.Broadcaster satisfies it.
type Sink interface {
	Write(frame audio.AudioFrame)
}

// Info describes a decoded WAV stream.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int

	// Samples counts interleaved samples delivered by Stream.
	Samples int
}

// Duration is the playback length of the delivered samples.
func (i Info) Duration() time.Duration {
	if i.SampleRate == 0 || i.Channels == 0 {
		return 0
	}
	frames := i.Samples / i.Channels
	return time.Duration(frames) * time.Second / time.Duration(i.SampleRate)
}

type options struct {
	chunkMs  int
	realtime bool
	trailing time.Duration
}

// Option configures Stream.
type Option func(*options)

// WithChunkMs sets the duration of each frame handed to the sink. Default 20.
func WithChunkMs(ms int) Option {
	return func(o *options) {
		if ms > 0 {
			o.chunkMs = ms
		}
	}
}

// WithRealtime paces delivery at wall-clock speed, mimicking a microphone.
func WithRealtime(on bool) Option {
	return func(o *options) { o.realtime = on }
}

// WithTrailingSilence appends d of silence after the file ends so endpoint
// detection can finalize an utterance that runs to the end of the file.
func WithTrailingSilence(d time.Duration) Option {
	return func(o *options) { o.trailing = d }
}

// Stream decodes r and writes it to dst chunk by chunk until EOF or ctx is
// cancelled. Only 16-bit linear PCM is accepted; failures are [intent.Error]
// values of kind [intent.KindIO].
func Stream(ctx context.Context, r io.ReadSeeker, dst Sink, opts ...Option) (Info, error) {
	o := options{chunkMs: 20}
	for _, opt := range opts {
		opt(&o)
	}

	dec := gowav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Info{}, intent.Errorf(intent.KindIO, intent.StatusIOError, "invalid WAV file")
	}
	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if info.BitDepth != 16 || info.Channels < 1 || info.SampleRate <= 0 {
		return info, intent.Errorf(intent.KindIO, intent.StatusIOError,
			"unsupported WAV format %d-bit %s; want 16-bit linear PCM", info.BitDepth,
			audio.Format{SampleRate: info.SampleRate, Channels: info.Channels})
	}

	chunk := info.SampleRate * o.chunkMs / 1000 * info.Channels
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: info.Channels, SampleRate: info.SampleRate},
		Data:           make([]int, chunk),
		SourceBitDepth: 16,
	}

	var tick <-chan time.Time
	if o.realtime {
		t := time.NewTicker(time.Duration(o.chunkMs) * time.Millisecond)
		defer t.Stop()
		tick = t.C
	}

	emit := func(samples []int16) error {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		dst.Write(audio.AudioFrame{
			Data:       audio.Int16ToBytes(samples),
			SampleRate: info.SampleRate,
			Channels:   info.Channels,
			Timestamp:  info.Duration(),
		})
		info.Samples += len(samples)
		return nil
	}

	pcm := make([]int16, chunk)
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return info, intent.Wrap(intent.KindIO, intent.StatusIOError, "read WAV samples", err)
		}
		if n == 0 {
			break
		}
		for i := range n {
			pcm[i] = int16(buf.Data[i])
		}
		if err := emit(pcm[:n]); err != nil {
			return info, err
		}
	}

	if o.trailing > 0 {
		silence := make([]int16, chunk)
		total := int(o.trailing.Milliseconds()) / o.chunkMs
		for range total {
			if err := emit(silence); err != nil {
				return info, err
			}
		}
	}
	return info, nil
}

// Encode writes mono 16-bit samples to w as a WAV file.
func Encode(w io.WriteSeeker, samples []int16, sampleRate int) error {
	enc := gowav.NewEncoder(w, sampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wav: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wav: finalize: %w", err)
	}
	return nil
}
