package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxintent/internal/config"
	"github.com/MrWong99/voxintent/internal/journal"
	"github.com/MrWong99/voxintent/internal/sessions"
	"github.com/MrWong99/voxintent/pkg/audio"
	discordaudio "github.com/MrWong99/voxintent/pkg/audio/discord"
	"github.com/MrWong99/voxintent/pkg/intent"
)

// DiscordListener joins one voice channel and runs a single session on it.
// With AutoRestart a new listening cycle starts after every inference, so the
// channel can issue commands one after another.
type DiscordListener struct {
	cfg config.DiscordConfig
	mgr *sessions.Manager
	log *slog.Logger

	restart chan struct{}
}

// NewDiscordListener creates a listener for cfg. Call Run to connect.
func NewDiscordListener(cfg config.DiscordConfig, mgr *sessions.Manager, log *slog.Logger) *DiscordListener {
	if log == nil {
		log = slog.Default()
	}
	return &DiscordListener{
		cfg:     cfg,
		mgr:     mgr,
		log:     log.With("component", "discord"),
		restart: make(chan struct{}, 1),
	}
}

// Run opens the gateway connection, joins the voice channel and blocks until
// ctx is cancelled.
func (l *DiscordListener) Run(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + l.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	defer dg.Close()

	eng := l.mgr.Engine()
	src, err := discordaudio.Join(dg, l.cfg.GuildID, l.cfg.ChannelID, eng.SampleRate(), eng.FrameLength())
	if err != nil {
		return err
	}
	defer src.Close()

	l.log.Info("joined voice channel", "guild", l.cfg.GuildID, "channel", l.cfg.ChannelID)
	return l.Listen(ctx, src)
}

// Listen runs the listener's session on src until ctx is cancelled.
func (l *DiscordListener) Listen(ctx context.Context, src audio.Source) error {
	s, err := l.mgr.Open(ctx, sessions.OpenOptions{
		Source:      journal.SourceDiscord,
		Audio:       src,
		OnInference: l.onInference,
		OnError: func(err error) {
			l.log.Warn("session error", "err", err)
		},
	})
	if err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	defer func() {
		if err := l.mgr.Close(context.WithoutCancel(ctx), s.ID()); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			l.log.Warn("close session", "err", err)
		}
	}()

	if err := s.Init(ctx, sessions.InitRequest{Context: l.cfg.Context}); err != nil {
		return fmt.Errorf("discord: init session: %w", err)
	}
	if err := s.Controller().Start(ctx); err != nil {
		return fmt.Errorf("discord: start listening: %w", err)
	}
	l.log.Info("listening", "session_id", s.ID(), "context", s.Info().Context)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.restart:
			if err := s.Controller().Start(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.log.Warn("restart listening", "err", err)
			}
		}
	}
}

func (l *DiscordListener) onInference(inf intent.Inference) {
	if !inf.IsFinalized {
		return
	}
	if inf.IsUnderstood {
		l.log.Info("command understood", "intent", inf.Intent, "slots", inf.Slots)
	} else {
		l.log.Info("command not understood")
	}
	if !l.cfg.AutoRestart {
		return
	}
	select {
	case l.restart <- struct{}{}:
	default:
	}
}
