package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxintent/internal/app"
	"github.com/MrWong99/voxintent/internal/config"
	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/intent/grammar"
	"github.com/MrWong99/voxintent/pkg/intent/grammar/whisper"
	"github.com/MrWong99/voxintent/pkg/intent/rhino"
)

// defaultEngine is used when engine.name is empty.
const defaultEngine = "grammar"

// registerBuiltinProviders wires all built-in factories into reg. Each
// factory receives a config.ProviderEntry and constructs the implementation.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Engines ───────────────────────────────────────────────────────────────

	reg.RegisterEngine("grammar", func(entry config.ProviderEntry, tr grammar.Transcriber) (intent.Engine, error) {
		opts := []grammar.Option{grammar.WithAccessKeys(entry.OptionStrings("access_keys")...)}
		if rms := entry.OptionInt("rms_threshold", 0); rms > 0 {
			opts = append(opts, grammar.WithRMSThreshold(float64(rms)))
		}
		if d, err := optDuration(entry, "max_utterance"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, grammar.WithMaxUtterance(d))
		}
		if d, err := optDuration(entry, "transcribe_timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, grammar.WithTranscribeTimeout(d))
		}
		return grammar.NewEngine(tr, opts...)
	})

	// rhino needs the native library; builds without the rhino tag report
	// rhino.ErrUnavailable here.
	reg.RegisterEngine("rhino", func(entry config.ProviderEntry, _ grammar.Transcriber) (intent.Engine, error) {
		var opts []rhino.Option
		if entry.Model != "" {
			opts = append(opts, rhino.WithModelPath(entry.Model))
		}
		if dir := entry.OptionString("temp_dir", ""); dir != "" {
			opts = append(opts, rhino.WithTempDir(dir))
		}
		return rhino.New(entry.OptionString("library_path", ""), opts...)
	})

	// ── Transcribers ──────────────────────────────────────────────────────────

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (grammar.Transcriber, error) {
		var opts []whisper.ServerOption
		if entry.Model != "" {
			opts = append(opts, whisper.WithServerModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithServerLanguage(lang))
		}
		return whisper.NewServer(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (grammar.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path", "")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if threads := entry.OptionInt("threads", 0); threads > 0 {
			opts = append(opts, whisper.WithThreads(uint(threads)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	slog.Debug("registered providers", "engines", reg.EngineNames())
}

// buildProviders instantiates the transcriber and engine named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Transcriber.Name; name != "" {
		tr, err := reg.CreateTranscriber(cfg.Transcriber)
		if err != nil {
			return nil, fmt.Errorf("create transcriber %q: %w", name, err)
		}
		ps.Transcriber = tr
		slog.Info("provider created", "kind", "transcriber", "name", name)
	}

	entry := cfg.Engine
	if entry.Name == "" {
		entry.Name = defaultEngine
	}
	eng, err := reg.CreateEngine(entry, ps.Transcriber)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return nil, fmt.Errorf("engine %q is not available; known engines: %v", entry.Name, reg.EngineNames())
	}
	if err != nil {
		return nil, fmt.Errorf("create engine %q: %w", entry.Name, err)
	}
	ps.Engine = eng
	slog.Info("provider created", "kind", "engine", "name", entry.Name, "version", eng.Version())
	return ps, nil
}

// optDuration parses entry.Options[key] as a Go duration string.
func optDuration(entry config.ProviderEntry, key string) (time.Duration, error) {
	raw := entry.OptionString(key, "")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("engine option %s: %w", key, err)
	}
	return d, nil
}
