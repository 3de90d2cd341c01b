package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harunnryd/suara/pkg/config"
	"github.com/harunnryd/suara/pkg/host"
	"github.com/harunnryd/suara/pkg/host/ffmpeg"
	"github.com/harunnryd/suara/pkg/logging"
	"github.com/harunnryd/suara/pkg/metrics"
	"github.com/harunnryd/suara/pkg/observers"
	"github.com/harunnryd/suara/pkg/redact"
	"github.com/harunnryd/suara/pkg/runner"
	"github.com/harunnryd/suara/pkg/transports/websocket"
	"github.com/harunnryd/suara/pkg/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	drainTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	observerBuffer  = 1024
)

type flags struct {
	configPath string
	textOnly   bool
	statusAddr string
	logLevel   string
	talk       bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	flag.BoolVar(&f.textOnly, "text-only", false, "run without audio devices")
	flag.StringVar(&f.statusAddr, "status-addr", "", "serve /healthz, /state and /metrics on this address")
	flag.StringVar(&f.logLevel, "log-level", "", "override log_level")
	flag.BoolVar(&f.talk, "talk", false, "enter talk mode on start")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, "suara:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.statusAddr != "" {
		cfg.Observability.StatusAddr = f.statusAddr
	}
	if f.textOnly {
		cfg.Host.Provider = "textonly"
	}

	log := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	if cfg.Observability.RetentionDays > 0 {
		maxAge := time.Duration(cfg.Observability.RetentionDays) * 24 * time.Hour
		removed, err := observers.PurgeArtifacts(cfg.Observability.ArtifactsDir, maxAge, time.Now())
		if err != nil {
			log.Warn("artifact_purge_failed", "error", err)
		} else if removed > 0 {
			log.Info("artifacts_purged", "removed", removed)
		}
	}

	hosts := host.NewRegistry()
	hosts.Register("ffmpeg", ffmpeg.Factory(logging.NewComponentLogger(log, "host")))
	hosts.Register("textonly", func(map[string]any) (host.Host, error) { return host.TextOnly{}, nil })
	h, err := hosts.Build(cfg.Host.Provider, cfg.Host.Settings)
	if err != nil {
		return fmt.Errorf("host %s: %w (available: %s)", cfg.Host.Provider, err, strings.Join(hosts.Names(), ", "))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promObs := observers.NewPrometheusObserver("suara", promReg)
	timeline := observers.NewTimelineObserver(cfg.Observability.ArtifactsDir, "vad_level")
	usage := observers.NewUsageObserver(cfg.Observability.ArtifactsDir, nil)
	sink := metrics.NewAsyncObserver(observers.NewMultiObserver(
		promObs,
		timeline,
		usage,
		observers.NewLatencyObserver(log),
		observers.NewLoggerObserver(log, slog.LevelDebug),
	), observerBuffer)

	channelCfg := cfg.ChannelConfig()
	sess, err := voice.New(voice.Options{
		Config:        cfg.VoiceConfig(),
		Channel:       channelCfg,
		Host:          h,
		Dialer:        websocket.Dialer{HandshakeTimeout: channelCfg.DialTimeout},
		Observer:      sink,
		LevelObserver: metrics.NewSamplingObserver(sink, cfg.Observability.LevelSampleRate, "vad_level"),
		Logger:        log,
	})
	if err != nil {
		sink.Close()
		return err
	}
	log.Info("session_configured",
		"trace_id", sess.TraceID(),
		"url", cfg.Server.URL,
		"headers", redact.Headers(cfg.Server.Headers),
		"host", cfg.Host.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The session outlives ctx so the runner can drain it first.
	sessCtx, cancelSess := context.WithCancel(context.Background())
	defer cancelSess()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(sessCtx) })

	lifecycle := runner.NewLifecycleRunner(runner.DrainerFunc(sess.Close), runner.Hooks{
		OnStart: func(ctx context.Context) error {
			if err := sess.Connect(ctx); err != nil {
				return err
			}
			if f.talk {
				if err := sess.StartTalkMode(ctx); err != nil {
					log.Warn("talk_mode_not_started", "error", err)
				}
			}
			return nil
		},
		OnStop: cancelSess,
	}, drainTimeout, os.Stdout)
	g.Go(func() error { return lifecycle.Run(gctx) })

	if addr := cfg.Observability.StatusAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newStatusRouter(sess, sess.TraceID(), promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("status_server_listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	out := &syncWriter{w: os.Stdout}
	unsubscribe := sess.Subscribe(newPrinter(out))
	go func() {
		fmt.Fprintln(out, "type /help for commands")
		if err := runREPL(gctx, sess, os.Stdin, out); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
			log.Warn("repl_stopped", "error", err)
		}
		stop()
	}()

	err = g.Wait()
	unsubscribe()
	sink.Close()
	if closeErr := errors.Join(timeline.Close(), usage.Close()); closeErr != nil {
		log.Warn("artifact_close_failed", "error", closeErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
