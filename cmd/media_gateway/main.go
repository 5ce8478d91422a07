// Медиа-шлюз: планировщик, сетевой мультиплексор и каналы RTP в одном процессе.
//
// Запуск:
//
//	media_gateway --config gateway.yaml --metrics.enabled --loopback
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/media_gateway/pkg/channel"
	"github.com/arzzra/media_gateway/pkg/clock"
	"github.com/arzzra/media_gateway/pkg/config"
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/gateway"
	"github.com/arzzra/media_gateway/pkg/icelite"
	"github.com/arzzra/media_gateway/pkg/logger"
	"github.com/arzzra/media_gateway/pkg/metrics"
	"github.com/arzzra/media_gateway/pkg/network"
	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.Flags()
	loopback := fs.Bool("loopback", false, "открыть тестовый канал в режиме сетевой петли")
	stunPort := fs.Int("stun_port", 0, "порт отдельного STUN ответчика (0 - отключен)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, _ := fs.GetString("config")

	cfg, err := config.Load(path, fs)
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.LoggerOptions()); err != nil {
		return err
	}
	log := logger.Component("main")

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	}

	schedOpts := []scheduler.Option{scheduler.WithLogger(logger.Component("scheduler"))}
	if collector != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(collector.Scheduler()))
	}
	sched, err := scheduler.New(cfg.SchedulerConfig(), clock.NewSystem(), schedOpts...)
	if err != nil {
		return fmt.Errorf("ошибка создания планировщика: %w", err)
	}

	netCfg, err := cfg.NetworkConfig()
	if err != nil {
		return err
	}
	ports, err := network.NewPortManager(cfg.Network.LowestPort, cfg.Network.HighestPort)
	if err != nil {
		return fmt.Errorf("ошибка создания менеджера портов: %w", err)
	}
	muxOpts := []network.Option{network.WithLogger(logger.Component("network"))}
	if collector != nil {
		muxOpts = append(muxOpts, network.WithObserver(collector.Network()))
	}
	mux, err := network.New(netCfg, sched, ports, muxOpts...)
	if err != nil {
		return fmt.Errorf("ошибка создания мультиплексора: %w", err)
	}

	gwOpts := []gateway.Option{gateway.WithLogger(logger.Component("gateway"))}
	if collector != nil {
		gwOpts = append(gwOpts,
			gateway.WithObserver(collector.Gateway()),
			gateway.WithChannelObserver(collector.Channel()),
			gateway.WithDemuxObserver(collector.Demux()),
			gateway.WithJitterObserver(collector.Jitter()),
		)
	}
	gw, err := gateway.New(cfg.GatewayConfig(), sched, mux, gwOpts...)
	if err != nil {
		return fmt.Errorf("ошибка создания шлюза: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	mux.Start()

	if *stunPort != 0 {
		if err := openSTUN(mux, *stunPort); err != nil {
			shutdown(gw, mux, sched)
			return err
		}
	}
	if *loopback {
		if err := openLoopback(gw, log); err != nil {
			shutdown(gw, mux, sched)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics)
		g.Go(func() error {
			log.WithField("address", srv.Addr).Info("HTTP сервер метрик запущен")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("сервер метрик: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	log.WithFields(logrus.Fields{
		"local":    cfg.Network.LocalAddress,
		"external": cfg.Network.ExternalAddress,
		"ports":    fmt.Sprintf("%d-%d", cfg.Network.LowestPort, cfg.Network.HighestPort),
	}).Info("Медиа-шлюз запущен")

	<-gctx.Done()
	log.Info("Получен сигнал завершения, остановка...")

	err = g.Wait()
	shutdown(gw, mux, sched)
	log.Info("Медиа-шлюз остановлен")
	return err
}

func shutdown(gw *gateway.Gateway, mux *network.Multiplexer, sched *scheduler.Scheduler) {
	gw.Shutdown()
	mux.Stop()
	_ = sched.Stop()
}

func metricsServer(cfg config.MetricsConfig) *http.Server {
	m := http.NewServeMux()
	m.Handle(cfg.Path, promhttp.Handler())
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           m,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// openSTUN открывает отдельный порт, отвечающий на Binding запросы без
// проверки учетных данных
func openSTUN(mux *network.Multiplexer, port int) error {
	srv := icelite.NewServer(icelite.NewResponder(icelite.Config{},
		icelite.WithLogger(logger.Component("stun"))))

	h, err := mux.Open(srv.Attachment())
	if err != nil {
		return fmt.Errorf("ошибка открытия STUN сокета: %w", err)
	}
	addr, err := mux.Bind(h, port, network.ScopeExternal)
	if err != nil {
		mux.Close(h)
		return fmt.Errorf("ошибка привязки STUN сокета: %w", err)
	}
	logger.Component("stun").WithField("address", addr.String()).Info("STUN ответчик запущен")
	return nil
}

// openLoopback открывает канал, который возвращает входящий RTP отправителю.
// Используется для проверки связности с внешней стороны.
func openLoopback(gw *gateway.Gateway, log *logrus.Entry) error {
	id, err := gw.OpenChannel()
	if err != nil {
		return err
	}
	addr, err := gw.Bind(id, network.AnyPort, network.ScopeExternal)
	if err != nil {
		_ = gw.Close(id)
		return err
	}
	formats := format.Map{0: format.PCMU, 8: format.PCMA, 101: format.DTMF}
	if err := gw.SetFormats(id, formats); err != nil {
		_ = gw.Close(id)
		return err
	}
	if err := gw.SetMode(id, channel.ModeNetworkLoopback); err != nil {
		_ = gw.Close(id)
		return err
	}
	if err := gw.Activate(id); err != nil {
		_ = gw.Close(id)
		return err
	}

	log.WithFields(logrus.Fields{
		"channel": id,
		"address": addr.String(),
	}).Info("Тестовый канал сетевой петли открыт")
	return nil
}
