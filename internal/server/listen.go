package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxintent/internal/journal"
	"github.com/MrWong99/voxintent/internal/observe"
	"github.com/MrWong99/voxintent/internal/sessions"
	"github.com/MrWong99/voxintent/pkg/audio"
	"github.com/MrWong99/voxintent/pkg/audio/opus"
	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/session"
)

const (
	// outboxSize bounds the events queued for one connection.
	outboxSize = 64

	// controlTimeout bounds a single control message, including context
	// fetches on init.
	controlTimeout = 30 * time.Second

	// writeTimeout bounds a single event write.
	writeTimeout = 5 * time.Second
)

// opAudio is the op reported with errors caused by binary frames.
const opAudio = "audio"

// listener serves one /v1/listen connection. Control messages and audio are
// handled on the read goroutine; events are written by a dedicated writer so
// session callbacks never block on the network.
type listener struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger
	bc   *audio.Broadcaster
	sess *sessions.Session

	// Owned by the read goroutine.
	format AudioFormat
	dec    *opus.Decoder

	out    chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.LoggerFrom(r.Context(), s.log).Debug("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	eng := s.mgr.Engine()
	l := &listener{
		srv:    s,
		conn:   conn,
		log:    observe.LoggerFrom(ctx, s.log),
		bc:     audio.NewBroadcaster(eng.SampleRate(), eng.FrameLength()),
		format: AudioFormat{Encoding: EncodingPCM16, SampleRate: eng.SampleRate(), Channels: 1},
		out:    make(chan Event, outboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	l.serve()
}

func (l *listener) serve() {
	defer l.cancel()

	sess, err := l.srv.mgr.Open(l.ctx, sessions.OpenOptions{
		Source:        journal.SourceWebSocket,
		Audio:         l.bc,
		OnInference:   l.onInference,
		OnError:       l.onError,
		OnStateChange: l.onState,
	})
	if err != nil {
		l.writeNow(Event{Type: EventError, Error: errorView(err)})
		status := websocket.StatusInternalError
		if errors.Is(err, sessions.ErrTooManySessions) || errors.Is(err, sessions.ErrManagerClosed) {
			status = websocket.StatusTryAgainLater
		}
		l.conn.Close(status, "session unavailable")
		return
	}
	l.sess = sess
	l.log = l.log.With("session_id", sess.ID())
	l.srv.track(l, true)
	defer l.srv.track(l, false)

	l.wg.Add(1)
	go l.writeLoop()

	l.send(Event{Type: EventState, SessionID: sess.ID(), State: session.StateUninitialized.String()})
	l.log.Debug("websocket session opened")

	err = l.readLoop()

	if cerr := l.srv.mgr.Close(context.WithoutCancel(l.ctx), sess.ID()); cerr != nil && !errors.Is(cerr, sessions.ErrSessionNotFound) {
		l.log.Warn("release websocket session", "err", cerr)
	}
	l.cancel()
	l.wg.Wait()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		l.log.Debug("websocket closed by client")
	default:
		if l.ctx.Err() == nil {
			l.log.Debug("websocket read ended", "err", err)
		}
	}
	l.conn.Close(websocket.StatusNormalClosure, "")
}

func (l *listener) readLoop() error {
	for {
		typ, data, err := l.conn.Read(l.ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			l.handleAudio(data)
		default:
			l.handleControl(data)
		}
	}
}

func (l *listener) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-l.out:
			if err := l.write(l.ctx, ev); err != nil {
				l.log.Debug("websocket write failed", "err", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *listener) write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return l.conn.Write(ctx, websocket.MessageText, data)
}

// writeNow writes ev before the writer goroutine exists.
func (l *listener) writeNow(ev Event) {
	if err := l.write(l.ctx, ev); err != nil {
		l.log.Debug("websocket write failed", "err", err)
	}
}

// send queues ev. It blocks while the outbox is full and gives up once the
// connection is gone.
func (l *listener) send(ev Event) {
	select {
	case l.out <- ev:
	case <-l.ctx.Done():
	}
}

func (l *listener) sendError(op string, err error) {
	l.send(Event{Type: EventError, Op: op, Error: errorView(err)})
}

func (l *listener) onInference(inf intent.Inference) {
	l.send(Event{Type: EventInference, Inference: inferenceView(inf)})
}

func (l *listener) onError(err error) {
	l.sendError("", err)
}

func (l *listener) onState(st session.State) {
	l.send(Event{Type: EventState, State: st.String()})
}

func (l *listener) handleControl(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.sendError("", fmt.Errorf("decode control message: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(l.ctx, controlTimeout)
	defer cancel()
	ctrl := l.sess.Controller()

	var err error
	switch msg.Type {
	case MsgInit:
		if msg.Audio != nil {
			if err := l.setFormat(*msg.Audio); err != nil {
				l.sendError(msg.Type, err)
				return
			}
		}
		err = l.sess.Init(ctx, sessions.InitRequest{
			Context:             msg.Context,
			AccessKey:           msg.AccessKey,
			Sensitivity:         msg.Sensitivity,
			EndpointDurationSec: msg.EndpointDurationSec,
			RequireEndpoint:     msg.RequireEndpoint,
		})
		if err == nil {
			l.sendReady()
			return
		}
	case MsgStart:
		err = ctrl.Start(ctx)
	case MsgPause:
		err = ctrl.Pause(ctx)
	case MsgResume:
		err = ctrl.Resume(ctx)
	case MsgReset:
		if err = ctrl.Reset(ctx); err == nil {
			l.bc.Reset()
			l.sendReady()
			return
		}
	case MsgInfo:
		var info string
		if info, err = ctrl.Info(ctx); err == nil {
			l.send(Event{Type: EventInfo, ContextInfo: info})
			return
		}
	case MsgRelease:
		err = ctrl.Release(ctx)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		l.sendError(msg.Type, err)
		return
	}
	l.send(Event{Type: EventAck, Op: msg.Type})
}

func (l *listener) sendReady() {
	info := l.sess.Info()
	snap := info.Snapshot
	l.send(Event{
		Type:        EventReady,
		SessionID:   info.ID,
		Context:     info.Context,
		ContextInfo: snap.ContextInfo,
		FrameLength: snap.FrameLength,
		SampleRate:  snap.SampleRate,
		Version:     snap.Version,
	})
}

// setFormat validates f, fills in defaults and prepares an Opus decoder when
// needed.
func (l *listener) setFormat(f AudioFormat) error {
	switch f.Encoding {
	case "", EncodingPCM16:
		f.Encoding = EncodingPCM16
		f.SampleRate = cmp.Or(f.SampleRate, l.bc.SampleRate())
		f.Channels = cmp.Or(f.Channels, 1)
	case EncodingOpus:
		f.SampleRate = cmp.Or(f.SampleRate, opus.DiscordSampleRate)
		f.Channels = cmp.Or(f.Channels, opus.DiscordChannels)
	default:
		return fmt.Errorf("unsupported audio encoding %q", f.Encoding)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 || f.Channels > 2 {
		return fmt.Errorf("invalid audio format %d Hz, %d channels", f.SampleRate, f.Channels)
	}

	var dec *opus.Decoder
	if f.Encoding == EncodingOpus {
		var err error
		if dec, err = opus.NewDecoder(f.SampleRate, f.Channels); err != nil {
			return err
		}
	}
	l.format, l.dec = f, dec
	l.bc.Reset()
	return nil
}

func (l *listener) handleAudio(data []byte) {
	f := l.format
	if f.Encoding == EncodingOpus {
		pcm, err := l.dec.Decode(data)
		if err != nil {
			l.sendError(opAudio, intent.Wrap(intent.KindIO, intent.StatusInvalidArgument, "decode audio", err))
			return
		}
		data = audio.Int16ToBytes(pcm)
	} else if len(data)%(2*f.Channels) != 0 {
		l.sendError(opAudio, fmt.Errorf("pcm16 message of %d bytes is not a whole number of %d channel samples", len(data), f.Channels))
		return
	}
	l.bc.Write(audio.AudioFrame{Data: data, SampleRate: f.SampleRate, Channels: f.Channels})
}
