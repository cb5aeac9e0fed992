package grammar

import "context"

// Transcriber turns a finished utterance into text. Implementations must be
// safe for concurrent use; every engine handle shares the same Transcriber.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error)
}

// TranscriberFunc adapts a function to [Transcriber].
type TranscriberFunc func(ctx context.Context, samples []int16, sampleRate int) (string, error)

// Transcribe calls f.
func (f TranscriberFunc) Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	return f(ctx, samples, sampleRate)
}
