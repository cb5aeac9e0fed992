// Command voxfile runs a WAV file through a speech-to-intent session and
// prints the inference.
//
// Usage:
//
//	voxfile -context coffee.yml -whisper-url http://localhost:8081 -access-key k order.wav
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxintent/pkg/audio"
	"github.com/MrWong99/voxintent/pkg/audio/wav"
	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/intent/grammar"
	"github.com/MrWong99/voxintent/pkg/intent/grammar/whisper"
	"github.com/MrWong99/voxintent/pkg/intent/rhino"
	"github.com/MrWong99/voxintent/pkg/session"
)

type options struct {
	engine       string
	contextPath  string
	modelPath    string
	library      string
	whisperURL   string
	whisperModel string
	accessKey    string
	sensitivity  float64
	endpointSec  float64
	requireEnd   bool
	realtime     bool
	printInfo    bool
	timeout      time.Duration
	verbose      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var o options
	flag.StringVar(&o.engine, "engine", "grammar", "engine to use: grammar or rhino")
	flag.StringVar(&o.contextPath, "context", "", "path to the context file (required)")
	flag.StringVar(&o.modelPath, "model", "", "path to an engine model file (rhino), or a whisper model for in-process transcription (grammar)")
	flag.StringVar(&o.library, "library", "", "path to the native rhino library")
	flag.StringVar(&o.whisperURL, "whisper-url", "", "whisper.cpp server URL used by the grammar engine")
	flag.StringVar(&o.whisperModel, "whisper-model", "", "model name forwarded to the whisper server")
	flag.StringVar(&o.accessKey, "access-key", os.Getenv("VOXINTENT_ACCESS_KEY"), "engine access key")
	flag.Float64Var(&o.sensitivity, "sensitivity", 0.5, "inference sensitivity in [0, 1]")
	flag.Float64Var(&o.endpointSec, "endpoint", 1.0, "trailing silence in seconds that ends an utterance")
	flag.BoolVar(&o.requireEnd, "require-endpoint", true, "only finalize once trailing silence was heard")
	flag.BoolVar(&o.realtime, "realtime", false, "feed the file at wall-clock speed")
	flag.BoolVar(&o.printInfo, "info", false, "print the loaded context before processing")
	flag.DurationVar(&o.timeout, "timeout", time.Minute, "give up when no inference arrives in time")
	flag.BoolVar(&o.verbose, "v", false, "log debug output")
	flag.Parse()

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if o.contextPath == "" || flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: voxfile -context FILE [flags] INPUT.wav")
		flag.PrintDefaults()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inf, err := process(ctx, o, flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxfile: %v\n", err)
		return 1
	}
	if err := printInference(inf); err != nil {
		fmt.Fprintf(os.Stderr, "voxfile: %v\n", err)
		return 1
	}
	return 0
}

func buildEngine(o options) (intent.Engine, func() error, error) {
	noop := func() error { return nil }
	switch o.engine {
	case "rhino":
		var opts []rhino.Option
		if o.modelPath != "" {
			opts = append(opts, rhino.WithModelPath(o.modelPath))
		}
		eng, err := rhino.New(o.library, opts...)
		return eng, noop, err
	case "grammar":
		var (
			tr      grammar.Transcriber
			closeFn = noop
		)
		switch {
		case o.whisperURL != "":
			s, err := whisper.NewServer(o.whisperURL, whisper.WithServerModel(o.whisperModel))
			if err != nil {
				return nil, nil, err
			}
			tr = s
		case o.modelPath != "":
			n, err := whisper.NewNative(o.modelPath)
			if err != nil {
				return nil, nil, err
			}
			tr, closeFn = n, n.Close
		default:
			return nil, nil, errors.New("the grammar engine needs -whisper-url or -model")
		}
		eng, err := grammar.NewEngine(tr)
		return eng, closeFn, err
	default:
		return nil, nil, fmt.Errorf("unknown engine %q", o.engine)
	}
}

func process(ctx context.Context, o options, wavPath string) (intent.Inference, error) {
	eng, closeEngine, err := buildEngine(o)
	if err != nil {
		return intent.Inference{}, err
	}
	defer closeEngine()

	blob, err := os.ReadFile(o.contextPath)
	if err != nil {
		return intent.Inference{}, fmt.Errorf("read context: %w", err)
	}
	var model []byte
	if o.engine == "rhino" && o.modelPath != "" {
		if model, err = os.ReadFile(o.modelPath); err != nil {
			return intent.Inference{}, fmt.Errorf("read model: %w", err)
		}
	}

	src := audio.NewBroadcaster(eng.SampleRate(), eng.FrameLength())
	results := make(chan intent.Inference, 1)
	errs := make(chan error, 1)
	ctrl := session.NewController(eng, src,
		session.OnInference(func(inf intent.Inference) {
			select {
			case results <- inf:
			default:
			}
		}),
		session.OnError(func(err error) {
			select {
			case errs <- err:
			default:
			}
		}),
	)
	defer ctrl.Release(context.WithoutCancel(ctx))

	if err := ctrl.Init(ctx, o.accessKey, blob, model,
		session.WithSensitivity(float32(o.sensitivity)),
		session.WithEndpointDuration(float32(o.endpointSec)),
		session.WithRequireEndpoint(o.requireEnd),
	); err != nil {
		return intent.Inference{}, err
	}
	if o.printInfo {
		info, err := ctrl.Info(ctx)
		if err != nil {
			return intent.Inference{}, err
		}
		fmt.Println(info)
	}
	if err := ctrl.Start(ctx); err != nil {
		return intent.Inference{}, err
	}

	f, err := os.Open(wavPath)
	if err != nil {
		return intent.Inference{}, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	streamCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	streamErr := make(chan error, 1)
	go func() {
		_, err := wav.Stream(streamCtx, f, src,
			wav.WithRealtime(o.realtime),
			wav.WithTrailingSilence(time.Duration((o.endpointSec+0.5)*float64(time.Second))),
		)
		streamErr <- err
	}()

	for {
		select {
		case inf := <-results:
			return inf, nil
		case err := <-errs:
			return intent.Inference{}, err
		case err := <-streamErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return intent.Inference{}, err
			}
			// The whole file was delivered; the inference may still be on its
			// way from the worker.
			streamErr = nil
		case <-streamCtx.Done():
			return intent.Inference{}, fmt.Errorf("no inference within %s", o.timeout)
		}
	}
}

type output struct {
	IsUnderstood bool              `json:"is_understood"`
	Intent       string            `json:"intent,omitempty"`
	Slots        map[string]string `json:"slots"`
}

func printInference(inf intent.Inference) error {
	out := output{IsUnderstood: inf.IsUnderstood, Intent: inf.Intent, Slots: inf.Slots}
	if out.Slots == nil {
		out.Slots = map[string]string{}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
