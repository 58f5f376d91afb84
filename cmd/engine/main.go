// cmd/engine — live tick-dispatch engine.
//
// Streams quotes from a websocket feed into an instrument session,
// persists closed frames and trade events to SQLite, publishes them to
// Redis streams, and serves Prometheus metrics plus a health endpoint.
// Order routing goes through the TOTP-authenticated broker when
// credentials are configured, otherwise trades confirm synchronously
// (paper mode).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickframe/config"
	"tickframe/internal/broker"
	"tickframe/internal/epic"
	"tickframe/internal/feed"
	"tickframe/internal/frameset"
	"tickframe/internal/indicator"
	"tickframe/internal/logger"
	"tickframe/internal/metrics"
	"tickframe/internal/model"
	redisstore "tickframe/internal/store/redis"
	sqlitestore "tickframe/internal/store/sqlite"
	"tickframe/internal/strategy"
	"tickframe/internal/trade"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg := config.Load()
	logger.Init("engine", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[engine] shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("[engine] fatal: %v", err)
	}
	log.Println("[engine] stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	// Persistence.
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		return fmt.Errorf("sqlite open: %w", err)
	}
	defer store.Close()

	publisher, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer publisher.Close()
	publisher.OnBuffer = m.RedisBufferedWrites.Inc
	publisher.OnCircuitChange = func(_, to redisstore.State) {
		m.RedisCircuitState.Set(float64(to))
	}

	// Order routing.
	var provider trade.Provider
	var brokerClient *broker.Client
	if cfg.BrokerURL != "" {
		cfg.MustBroker()
		brokerClient, err = broker.New(broker.Config{
			BaseURL:    cfg.BrokerURL,
			APIKey:     cfg.BrokerAPIKey,
			ClientCode: cfg.BrokerClientCode,
			PIN:        cfg.BrokerPIN,
			TOTPSecret: cfg.BrokerTOTPSecret,
		})
		if err != nil {
			return fmt.Errorf("broker setup: %w", err)
		}
		if err := brokerClient.Login(ctx); err != nil {
			return fmt.Errorf("broker login: %w", err)
		}
		provider = brokerClient
		log.Printf("[engine] live order routing via %s", cfg.BrokerURL)
	} else {
		log.Println("[engine] no broker configured, running in paper mode")
	}

	e, err := buildEpic(cfg, provider)
	if err != nil {
		return fmt.Errorf("session setup: %w", err)
	}

	// Closed frames fan out to SQLite and Redis.
	frameCh := make(chan sqlitestore.FrameRecord, 1024)
	go store.Run(ctx, frameCh)
	err = e.OnFrameClosed(func(frameSetRef string, f *model.Frame) {
		m.FramesClosedTotal.WithLabelValues(frameSetRef).Inc()
		publisher.PublishFrame(ctx, e.Ref(), frameSetRef, f)
		select {
		case frameCh <- sqlitestore.FrameRecord{EpicRef: e.Ref(), FrameSetRef: frameSetRef, Frame: f}:
		default:
			log.Printf("[engine] frame channel full, dropping %s frame", frameSetRef)
		}
	})
	if err != nil {
		return err
	}

	e.Book().OnTransition = func(t *trade.Trade) {
		m.TradeTransitions.WithLabelValues(t.Status().String()).Inc()
		m.OpenTrades.Set(float64(len(e.Book().OpenTrades())))
		publisher.PublishTrade(ctx, t)
		if err := store.WriteTradeEvent(t); err != nil {
			log.Printf("[engine] trade event write failed: %v", err)
		}
	}

	// Settlements are polled on their own goroutine but applied here,
	// on the dispatch goroutine: the book is not safe for concurrent
	// use.
	var settlementCh chan broker.Outcome
	if brokerClient != nil {
		settlementCh = make(chan broker.Outcome, 256)
		go brokerClient.Run(ctx, settlementCh, time.Second)
	}

	// Observability.
	health.StartLivenessChecker(ctx, publisher.Client(), store.DB(), 10*time.Second)
	srv := metrics.NewServer(cfg.MetricsAddr, health)
	srv.Start()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.Stop(stopCtx)
	}()

	// Feed.
	wsFeed, err := feed.NewWSFeed(feed.WSConfig{URL: cfg.FeedURL, Ref: cfg.EpicRef})
	if err != nil {
		return fmt.Errorf("feed setup: %w", err)
	}
	wsFeed.OnConnect = func() {
		health.SetFeedConnected(true)
	}
	wsFeed.OnReconnect = func() {
		m.WSReconnects.Inc()
		health.SetFeedConnected(false)
	}
	obsCh := make(chan model.Observation, 4096)
	go func() {
		if err := wsFeed.Start(ctx, obsCh); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[engine] feed stopped: %v", err)
		}
		health.SetFeedConnected(false)
		close(obsCh)
	}()

	// Single dispatch goroutine: the session is not safe for
	// concurrent observations.
	wasOpen := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-settlementCh:
			if err := o.Apply(e.Book()); err != nil {
				log.Printf("[engine] settlement for trade %s could not be applied: %v", o.TradeRef, err)
			}
		case obs, ok := <-obsCh:
			if !ok {
				return nil
			}
			started := time.Now()
			err := e.OnNewObservation(obs)
			m.DispatchDur.Observe(time.Since(started).Seconds())
			switch {
			case errors.Is(err, model.ErrOutOfOrder):
				m.OutOfOrderTotal.Inc()
				continue
			case err != nil:
				return fmt.Errorf("dispatch: %w", err)
			}
			m.ObservationsTotal.Inc()
			health.SetLastObsTime(obs.Time)

			if open := e.MarketOpen(); open != wasOpen {
				if open {
					m.SessionTransitions.WithLabelValues("open").Inc()
				} else {
					m.SessionTransitions.WithLabelValues("close").Inc()
				}
				m.MarketState.Set(boolToFloat(open))
				wasOpen = open
			}
		}
	}
}

func buildEpic(cfg *config.Config, provider trade.Provider) (*epic.Epic, error) {
	open, ok := config.ParseClock(cfg.OpenTime)
	if !ok {
		return nil, fmt.Errorf("invalid EPIC_OPEN %q", cfg.OpenTime)
	}
	clos, ok := config.ParseClock(cfg.CloseTime)
	if !ok {
		return nil, fmt.Errorf("invalid EPIC_CLOSE %q", cfg.CloseTime)
	}

	e, err := epic.New(epic.Config{
		Ref:         cfg.EpicRef,
		Timezone:    cfg.EpicTimezone,
		OpenPeriods: epic.DailyPeriods(open, clos, epic.Weekdays()...),
		Provider:    provider,
	})
	if err != nil {
		return nil, err
	}

	widths := cfg.ParseFrameWidths()
	if len(widths) == 0 {
		return nil, fmt.Errorf("no valid frame widths in %q", cfg.FrameWidths)
	}
	for _, w := range widths {
		fs, err := frameset.New(frameRef(w), w, frameset.WithMaxFrames(cfg.MaxFrames))
		if err != nil {
			return nil, err
		}
		sma, err := indicator.NewSMA("sma", cfg.SMASlowPeriods)
		if err != nil {
			return nil, err
		}
		if err := fs.AddIndicator(sma); err != nil {
			return nil, err
		}
		if err := e.AddFrameSet(fs); err != nil {
			return nil, err
		}
	}

	cross, err := strategy.NewSMACrossover(strategy.CrossoverConfig{
		Ref:          "sma-crossover",
		FrameSetRef:  frameRef(widths[0]),
		IndicatorRef: "sma",
		FastPeriods:  cfg.SMAFastPeriods,
		SlowPeriods:  cfg.SMASlowPeriods,
		Quantity:     cfg.TradeQuantity,
		Stop:         levelOf(cfg.StopDistance),
		Limit:        levelOf(cfg.LimitDistance),
	})
	if err != nil {
		return nil, err
	}
	if err := e.AddStrategy(cross); err != nil {
		return nil, err
	}
	return e, nil
}

func frameRef(w time.Duration) string {
	return fmt.Sprintf("f%ds", int(w.Seconds()))
}

func levelOf(distance float64) *trade.Level {
	if distance <= 0 {
		return nil
	}
	return trade.Relative(distance)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
