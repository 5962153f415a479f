package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vango-go/vai-tutor/internal/dotenv"
	"github.com/vango-go/vai-tutor/internal/logging"
	"github.com/vango-go/vai-tutor/pkg/duplex/avatar"
	"github.com/vango-go/vai-tutor/pkg/duplex/capture"
	"github.com/vango-go/vai-tutor/pkg/duplex/config"
	"github.com/vango-go/vai-tutor/pkg/duplex/engine"
	"github.com/vango-go/vai-tutor/pkg/duplex/langsync"
	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
	"github.com/vango-go/vai-tutor/pkg/duplex/playback"
	"github.com/vango-go/vai-tutor/pkg/duplex/transport"
)

type options struct {
	cfg config.Config

	listMicDevices    bool
	noSpeaker         bool
	rawPCM            bool
	avatarSim         bool
	speakerTestToneMS int
	debug             bool
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "tutor-live: %v\n", err)
		return 1
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "tutor-live: %v\n", err)
		return 2
	}
	opt, err := parseOptions(args, cfg, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "tutor-live: %v\n", err)
		return 2
	}

	if opt.listMicDevices {
		if err := capture.ListDevices(stdout); err != nil {
			fmt.Fprintln(stderr, "list mic devices:", err)
			return 2
		}
		return 0
	}

	level := opt.cfg.LogLevel
	if opt.debug {
		level = "debug"
	}
	logger := logging.New(stderr, level, opt.cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opt, stdin, stdout, logger); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "tutor-live: %v\n", err)
		return 1
	}
	return 0
}

// parseOptions applies command-line flags on top of cfg.
func parseOptions(args []string, cfg config.Config, stderr io.Writer) (options, error) {
	opt := options{cfg: cfg}
	fs := flag.NewFlagSet("tutor-live", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opt.cfg.ServerURL, "server", cfg.ServerURL, "Tutoring server base URL (http(s):// or ws(s)://)")
	fs.StringVar(&opt.cfg.ConversationID, "conversation", cfg.ConversationID, "Conversation ID; required")
	fs.StringVar(&opt.cfg.APIKey, "api-key", cfg.APIKey, "Bearer token for the live endpoint")
	fs.StringVar(&opt.cfg.MicDevice, "mic-device", cfg.MicDevice, "ffmpeg capture device (default depends on OS)")
	fs.StringVar(&opt.cfg.MicInputFormat, "mic-input-format", cfg.MicInputFormat, "ffmpeg capture input format (avfoundation, pulse, dshow, ...)")
	fs.StringVar(&opt.cfg.MicCommand, "mic-cmd", cfg.MicCommand, "Override mic capture command (runs via /bin/sh -lc); must write PCM16LE to stdout")
	fs.StringVar(&opt.cfg.FFmpegPath, "ffmpeg-path", cfg.FFmpegPath, "Path to ffmpeg executable")
	fs.StringVar(&opt.cfg.FFplayPath, "ffplay-path", cfg.FFplayPath, "Path to ffplay executable")
	fs.IntVar(&opt.cfg.Volume, "speaker-volume", cfg.Volume, "ffplay startup volume 0=min 100=max")
	fs.StringVar(&opt.cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address (disabled when empty)")
	fs.StringVar(&opt.cfg.LanguageStoreURL, "langstore-url", cfg.LanguageStoreURL, "Language store base URL (disabled when empty)")
	fs.BoolVar(&opt.listMicDevices, "list-mic-devices", false, "List microphone devices via ffmpeg and exit")
	fs.BoolVar(&opt.noSpeaker, "no-speaker", false, "Do not spawn ffplay; simulate playback timing")
	fs.BoolVar(&opt.rawPCM, "raw-pcm", false, "Treat TTS audio as raw PCM16LE at the playback sample rate instead of decoding with ffmpeg")
	fs.BoolVar(&opt.avatarSim, "avatar-sim", false, "Route TTS through a simulated avatar that prints viseme timelines")
	fs.IntVar(&opt.speakerTestToneMS, "speaker-test-tone-ms", 0, "If >0, play a 440Hz test tone for this many ms at startup")
	fs.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opt.cfg.ServerURL = strings.TrimSpace(opt.cfg.ServerURL)
	opt.cfg.ConversationID = strings.TrimSpace(opt.cfg.ConversationID)
	if opt.listMicDevices {
		return opt, nil
	}
	if opt.cfg.ConversationID == "" {
		return options{}, errors.New("--conversation is required (or set TUTOR_LIVE_CONVERSATION_ID)")
	}
	if opt.speakerTestToneMS < 0 {
		return options{}, errors.New("--speaker-test-tone-ms must be >= 0")
	}
	if err := opt.cfg.Validate(); err != nil {
		return options{}, err
	}
	return opt, nil
}

func run(ctx context.Context, opt options, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	cfg := opt.cfg
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsURL, err := transport.SessionURL(cfg.ServerURL, cfg.ConversationID)
	if err != nil {
		return err
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	sess := transport.New(transport.Config{
		URL:           wsURL,
		PingInterval:  cfg.PingInterval,
		MaxReconnects: cfg.MaxReconnects,
		BaseDelay:     cfg.ReconnectBaseDelay,
		MaxDelay:      cfg.ReconnectMaxDelay,
		WriteTimeout:  cfg.WriteTimeout,
		DialTimeout:   cfg.DialTimeout,
		Dialer:        transport.WebsocketDialer{Header: header},
		Logger:        logger,
	})

	rec := capture.NewRecorder(capture.Config{
		Source: capture.FFmpegSource{
			Path:        cfg.FFmpegPath,
			InputFormat: cfg.MicInputFormat,
			Device:      cfg.MicDevice,
			Command:     cfg.MicCommand,
			Logger:      logger,
		},
		Sink: sess,
		Format: capture.Format{
			SampleRate:       cfg.SampleRate,
			Channels:         1,
			EchoCancellation: cfg.EchoCancellation,
			NoiseSuppression: cfg.NoiseSuppression,
		},
		ChunkInterval: cfg.ChunkInterval,
		Logger:        logger,
	})

	var out playback.Output = playback.FFplayOutput{Path: cfg.FFplayPath, Volume: cfg.Volume, Logger: logger}
	if opt.noSpeaker {
		out = playback.NullOutput{}
	}
	idle := make(chan struct{}, 1)
	sched := playback.NewScheduler(out, playback.SchedulerConfig{
		Logger: logger,
		OnIdle: func() {
			select {
			case idle <- struct{}{}:
			default:
			}
		},
	})
	defer sched.Interrupt()

	var decoder playback.Decoder = playback.FFmpegDecoder{Path: cfg.FFmpegPath, SampleRate: cfg.PlaybackSampleRate}
	if opt.rawPCM {
		decoder = playback.PCMDecoder{SampleRate: cfg.PlaybackSampleRate, Channels: 1, Raw: true}
	}

	deps := engine.Dependencies{
		Transport:      sess,
		Recorder:       rec,
		Player:         sched,
		Decoder:        decoder,
		ConversationID: cfg.ConversationID,
		Logger:         logger,
	}
	if opt.avatarSim {
		deps.Avatar = avatar.NewQueue(avatar.Config{
			Surface: &consoleAvatar{w: stdout},
			Logger:  logger,
			Gap:     cfg.AvatarGap,
		})
	}
	if cfg.LanguageStoreURL != "" {
		ls, err := langsync.New(langsync.Config{BaseURL: cfg.LanguageStoreURL, APIKey: cfg.APIKey, Logger: logger})
		if err != nil {
			return err
		}
		defer ls.Wait()
		deps.Languages = ls
	}

	eng, err := engine.New(deps)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if opt.speakerTestToneMS > 0 {
		sched.Enqueue(playback.SineTone(440, cfg.PlaybackSampleRate, time.Duration(opt.speakerTestToneMS)*time.Millisecond, 0.2))
	}

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	fmt.Fprintf(stdout, "connecting to %s\n", wsURL)
	// A failed first dial has already scheduled a retry; its statuses and
	// the eventual lost notice arrive through eng.Events().
	if err := eng.Connect(ctx); err != nil {
		logger.Warn("initial connect failed; retrying", "error", err)
	}
	defer eng.Disconnect()
	if opt.avatarSim {
		if err := eng.SetAvatarState(ctx, avatar.StateReady); err != nil {
			return err
		}
	}

	fmt.Fprintln(stdout, "Enter: start/stop recording   i: interrupt   s: stats   q: quit")

	lines := make(chan string)
	go readLines(ctx, stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			return err
		case <-idle:
			eng.NotifyPlaybackIdle()
		case ev := <-eng.Events():
			printEvent(stdout, ev)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
				if rec.State() == capture.StateRecording {
					err = eng.StopRecording(ctx)
					fmt.Fprintln(stdout, "[mic] stopped")
				} else if err = eng.StartRecording(ctx); err == nil {
					fmt.Fprintln(stdout, "[mic] recording, press Enter to stop")
				}
			case "i":
				err = eng.Interrupt(ctx)
			case "s":
				printStats(stdout, eng.Stats())
			case "q", "quit", "exit":
				return nil
			default:
				fmt.Fprintf(stdout, "unknown command %q\n", line)
			}
			if err != nil && ctx.Err() == nil {
				logger.Debug("command failed", "command", line, "error", err)
			}
			err = nil
		}
	}
}

func readLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry()))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
