package audio_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxintent/pkg/audio"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]int16
	errs   []error
}

func (r *recorder) OnFrame(f []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestFramer(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(4)
	var out [][]int16
	emit := func(fr []int16) { out = append(out, fr) }

	f.Push([]int16{1, 2, 3}, emit)
	if len(out) != 0 || f.Pending() != 3 {
		t.Fatalf("after 3 samples: frames=%d pending=%d", len(out), f.Pending())
	}
	f.Push([]int16{4, 5, 6, 7, 8, 9}, emit)
	if len(out) != 2 {
		t.Fatalf("frames = %d, want 2", len(out))
	}
	if out[0][0] != 1 || out[0][3] != 4 || out[1][0] != 5 || out[1][3] != 8 {
		t.Errorf("unexpected frames %v", out)
	}
	if f.Pending() != 1 {
		t.Errorf("pending = %d, want 1", f.Pending())
	}

	f.Flush(emit)
	if len(out) != 3 || out[2][0] != 9 || out[2][1] != 0 {
		t.Errorf("flush produced %v", out)
	}
	f.Flush(emit)
	if len(out) != 3 {
		t.Error("flush of an empty buffer must not emit")
	}
}

func TestFramer_FramesAreIndependent(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(2)
	var out [][]int16
	f.Push([]int16{1, 2, 3, 4}, func(fr []int16) { out = append(out, fr) })
	out[0][0] = 99
	if out[1][0] != 3 {
		t.Error("frames must not share backing arrays")
	}
}

func TestBroadcaster_SubscribeTwice(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster(16000, 4)
	r := &recorder{}
	if err := b.Subscribe(r); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(r); !errors.Is(err, audio.ErrAlreadySubscribed) {
		t.Errorf("second Subscribe = %v, want ErrAlreadySubscribed", err)
	}
	if err := b.Unsubscribe(r); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := b.Unsubscribe(r); err != nil {
		t.Errorf("Unsubscribe of absent consumer = %v, want nil", err)
	}
}

func TestBroadcaster_FansOut(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster(16000, 4)
	r1, r2 := &recorder{}, &recorder{}
	_ = b.Subscribe(r1)
	_ = b.Subscribe(r2)

	b.WriteSamples([]int16{1, 2, 3, 4, 5, 6, 7, 8, 9})
	if r1.count() != 2 || r2.count() != 2 {
		t.Fatalf("frame counts = %d, %d; want 2, 2", r1.count(), r2.count())
	}
	r1.frames[0][0] = 42
	if r2.frames[0][0] != 1 {
		t.Error("consumers must receive independent slices")
	}
}

func TestBroadcaster_ConvertsFormat(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster(16000, 320)
	r := &recorder{}
	_ = b.Subscribe(r)

	stereo := make([]int16, 960*2)
	b.Write(audio.AudioFrame{Data: audio.Int16ToBytes(stereo), SampleRate: 48000, Channels: 2})
	if r.count() != 1 {
		t.Fatalf("frames = %d, want 1", r.count())
	}
	if len(r.frames[0]) != 320 {
		t.Errorf("frame length = %d, want 320", len(r.frames[0]))
	}
}

func TestBroadcaster_DiscardsWithoutSubscribers(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster(16000, 4)
	b.WriteSamples([]int16{1, 2, 3})

	r := &recorder{}
	_ = b.Subscribe(r)
	b.WriteSamples([]int16{5, 6, 7, 8})
	if r.count() != 1 || r.frames[0][0] != 5 {
		t.Errorf("new subscriber must start on a clean frame, got %v", r.frames)
	}
}

func TestBroadcaster_UnsubscribeDuringDelivery(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster(16000, 2)
	var got [][]int16
	var c *audio.ConsumerFuncs
	c = &audio.ConsumerFuncs{Frame: func(f []int16) {
		got = append(got, f)
		_ = b.Unsubscribe(c)
	}}
	_ = b.Subscribe(c)
	b.WriteSamples([]int16{1, 2})
	b.WriteSamples([]int16{3, 4})
	if len(got) != 1 {
		t.Errorf("frames after self-unsubscribe = %d, want 1", len(got))
	}
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", b.Subscribers())
	}
}

func TestBroadcaster_Fail(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster(16000, 4)
	r := &recorder{}
	_ = b.Subscribe(r)
	boom := errors.New("mic unplugged")
	b.Fail(boom)
	if len(r.errs) != 1 || !errors.Is(r.errs[0], boom) {
		t.Errorf("errs = %v", r.errs)
	}
}

// serialChecker records the highest number of overlapping OnFrame calls.
type serialChecker struct {
	inFlight atomic.Int32
	max      atomic.Int32
	samples  atomic.Int64
}

func (c *serialChecker) OnFrame(f []int16) {
	n := c.inFlight.Add(1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(100 * time.Microsecond)
	c.samples.Add(int64(len(f)))
	c.inFlight.Add(-1)
}

func (c *serialChecker) OnError(error) {}

func TestBroadcaster_ConcurrentWritersAreSerialized(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster(16000, 4)
	c := &serialChecker{}
	_ = b.Subscribe(c)

	const writers, writes = 8, 50
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range writes {
				b.WriteSamples([]int16{int16(w), int16(w), int16(w), int16(w)})
			}
		}()
	}
	wg.Wait()

	if m := c.max.Load(); m != 1 {
		t.Errorf("overlapping OnFrame calls = %d, want 1", m)
	}
	if got, want := c.samples.Load(), int64(writers*writes*4); got != want {
		t.Errorf("delivered samples = %d, want %d", got, want)
	}
}
