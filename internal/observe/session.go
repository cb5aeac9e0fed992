package observe

import (
	"context"
	"time"

	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/session"
)

// SessionObserver adapts [Metrics] to [session.Observer]. Every session
// worker shares the same instruments; attributes distinguish the events.
type SessionObserver struct {
	m *Metrics
}

var _ session.Observer = (*SessionObserver)(nil)

// NewSessionObserver returns a [session.Observer] that records into m.
func NewSessionObserver(m *Metrics) *SessionObserver {
	return &SessionObserver{m: m}
}

// FrameProcessed records engine latency for one frame.
func (o *SessionObserver) FrameProcessed(elapsed time.Duration) {
	ctx := context.Background()
	o.m.FramesProcessed.Add(ctx, 1)
	o.m.FrameDuration.Record(ctx, elapsed.Seconds())
}

// FrameDropped counts a discarded frame by reason.
func (o *SessionObserver) FrameDropped(reason session.DropReason) {
	o.m.RecordFrameDropped(context.Background(), string(reason))
}

// Finalized records the inference outcome and the utterance length.
func (o *SessionObserver) Finalized(inf intent.Inference, utterance time.Duration) {
	ctx := context.Background()
	o.m.RecordInference(ctx, inf.IsUnderstood, inf.Intent)
	o.m.UtteranceDuration.Record(ctx, utterance.Seconds())
}

// Failed counts a session error by kind and status.
func (o *SessionObserver) Failed(err *intent.Error) {
	o.m.RecordSessionError(context.Background(), err.Kind.String(), err.Status.String())
}
