// Команда a2dpd поднимает AVDTP движок и профиль A2DP с одной конечной
// точкой SBC поверх сокетов L2CAP ядра Linux. Источник передает тишину,
// приемник проигрывает поток в пустое устройство.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/soft_a2dp/pkg/a2dp"
	"github.com/arzzra/soft_a2dp/pkg/avdtp"
	"github.com/arzzra/soft_a2dp/pkg/config"
	"github.com/arzzra/soft_a2dp/pkg/l2cap"
	"github.com/arzzra/soft_a2dp/pkg/runloop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath = flag.String("config", "", "Путь к YAML конфигурации")
		remote     = flag.String("remote", "", "Адрес устройства для исходящего соединения")
		autoStart  = flag.Bool("start", false, "Запускать поток сразу после установления")
	)
	flag.Parse()

	if err := run(*configPath, *remote, *autoStart); err != nil {
		fmt.Fprintf(os.Stderr, "a2dpd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(configPath, remote string, autoStart bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	var remoteAddr l2cap.Addr
	if remote != "" {
		if remoteAddr, err = l2cap.ParseAddr(remote); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := runloop.New(0, logger)
	sockCfg, err := cfg.SocketConfig(logger)
	if err != nil {
		return err
	}
	transport, err := l2cap.NewSocketTransport(sockCfg, loop)
	if err != nil {
		return err
	}

	engine := avdtp.NewEngine(cfg.EngineConfig(logger, reg), transport)
	profile := a2dp.NewProfile(cfg.ProfileConfig(logger, reg), engine, loop)
	ep, err := profile.CreateSBCEndpoint(cfg.SBCCapabilities(), cfg.A2DP.DelayReporting)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create SBC endpoint: %w", err)
	}
	if hz := cfg.A2DP.SBC.PreferredFrequency; hz > 0 {
		ep.SetPreferredSamplingFrequency(hz)
	}
	media, err := newMediaPipeline(cfg.FlowConfig(logger, reg), cfg.Role(), engine, ep.SEID(), loop)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create media pipeline: %w", err)
	}
	profile.Subscribe(media)
	profile.Subscribe(&eventLogger{
		log:       logger.WithField("component", "a2dpd"),
		profile:   profile,
		sched:     loop,
		autoStart: autoStart && cfg.Role() == avdtp.SepSource,
	})

	if err := transport.Listen(l2cap.PSMAVDTP); err != nil {
		transport.Close()
		return err
	}
	logger.WithFields(logrus.Fields{
		"role": cfg.Role().String(),
		"seid": ep.SEID(),
	}).Info("a2dpd запущен")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return transport.Close()
	})

	if addr := cfg.Metrics.Listen; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("addr", addr).Info("Метрики доступны по HTTP")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if !remoteAddr.IsZero() {
		loop.Post(func() {
			if _, err := profile.EstablishStream(remoteAddr, ep.SEID()); err != nil {
				logger.WithError(err).WithField("addr", remoteAddr.String()).Error("Не удалось начать установление потока")
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("a2dpd остановлен")
	return nil
}
