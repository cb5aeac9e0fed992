// Package discord provides an [audio.Source] backed by a Discord voice
// channel via the bwmarrin/discordgo library. It decodes Discord's Opus
// packets and feeds engine-sized mono frames to the session controller.
//
// A voice channel carries many speakers at once while an intent session
// listens to a single utterance. After each Subscribe the source locks onto
// the SSRC of the first packet that arrives and ignores every other speaker
// until the next Subscribe.
package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxintent/pkg/audio"
	"github.com/MrWong99/voxintent/pkg/audio/opus"
	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Source = (*Source)(nil)

// Source adapts the Opus receive channel of a Discord voice connection to
// [audio.Source].
//
// Source is safe for concurrent use.
type Source struct {
	packets <-chan *discordgo.Packet
	bc      *audio.Broadcaster

	mu      sync.Mutex
	speaker uint32
	locked  bool
	dec     *opus.Decoder

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// disconnect tears down the underlying voice connection. Nil for sources
	// built with NewSource.
	disconnect func() error
}

// Join joins the voice channel deafened=false, muted=true (the bridge only
// listens) and returns a Source producing frames of frameLength samples at
// sampleRate.
func Join(session *discordgo.Session, guildID, channelID string, sampleRate, frameLength int) (*Source, error) {
	vc, err := session.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	s := NewSource(vc.OpusRecv, sampleRate, frameLength)
	s.disconnect = vc.Disconnect
	return s, nil
}

// NewSource returns a Source reading packets until the channel is closed or
// Close is called.
func NewSource(packets <-chan *discordgo.Packet, sampleRate, frameLength int) *Source {
	s := &Source{
		packets: packets,
		bc:      audio.NewBroadcaster(sampleRate, frameLength),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.recvLoop()
	return s
}

// Subscribe implements [audio.Source]. It releases any speaker lock so the
// next packet picks a new speaker.
func (s *Source) Subscribe(c audio.Consumer) error {
	if err := s.bc.Subscribe(c); err != nil {
		return err
	}
	s.mu.Lock()
	s.locked = false
	s.dec = nil
	s.mu.Unlock()
	s.bc.Reset()
	return nil
}

// Unsubscribe implements [audio.Source].
func (s *Source) Unsubscribe(c audio.Consumer) error {
	return s.bc.Unsubscribe(c)
}

// Speaker returns the SSRC the source is currently locked onto.
func (s *Source) Speaker() (ssrc uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaker, s.locked
}

// Close stops the receive loop and, for joined sources, disconnects from the
// voice channel. It is safe to call more than once; subsequent calls return
// nil.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.disconnect != nil {
			err = s.disconnect()
		}
		s.wg.Wait()
	})
	return err
}

func (s *Source) recvLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.packets:
			if !ok {
				s.bc.Fail(intent.Errorf(intent.KindIO, intent.StatusIOError, "discord voice connection closed"))
				return
			}
			if pkt == nil {
				continue
			}
			s.handle(pkt)
		}
	}
}

func (s *Source) handle(pkt *discordgo.Packet) {
	if s.bc.Subscribers() == 0 {
		return
	}

	s.mu.Lock()
	if !s.locked {
		dec, err := opus.NewDecoder(opus.DiscordSampleRate, opus.DiscordChannels)
		if err != nil {
			s.mu.Unlock()
			slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
			return
		}
		s.speaker, s.locked, s.dec = pkt.SSRC, true, dec
		slog.Debug("discord: locked onto speaker", "ssrc", pkt.SSRC)
	}
	if pkt.SSRC != s.speaker {
		s.mu.Unlock()
		return
	}
	dec := s.dec
	s.mu.Unlock()

	pcm, err := dec.Decode(pkt.Opus)
	if err != nil {
		slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
		return
	}
	s.bc.Write(audio.AudioFrame{
		Data:       audio.Int16ToBytes(pcm),
		SampleRate: opus.DiscordSampleRate,
		Channels:   opus.DiscordChannels,
		Timestamp:  time.Duration(pkt.Timestamp) * time.Second / opus.DiscordSampleRate,
	})
}
