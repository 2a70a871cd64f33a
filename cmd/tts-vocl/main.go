// Command tts-vocl runs the TTS task orchestration subsystem: it wires the
// Global Limiter, Task Monitor, Task Engine, Event Fan-out, Timeout
// Sweeper, and the submission entry point behind the operational
// observability HTTP surface. The domain HTTP/gRPC API lives in a
// separate service that calls the submission package, so this binary's
// job is process lifecycle, backend selection, and background work.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/blueapplecc-ppp/tts-vocl/internal/app"
	"github.com/blueapplecc-ppp/tts-vocl/internal/config"
	"github.com/blueapplecc-ppp/tts-vocl/internal/dialogue"
	"github.com/blueapplecc-ppp/tts-vocl/internal/eventfanout"
	"github.com/blueapplecc-ppp/tts-vocl/internal/eventlog"
	"github.com/blueapplecc-ppp/tts-vocl/internal/limiter"
	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/observability"
	"github.com/blueapplecc-ppp/tts-vocl/internal/observability/metrics"
	"github.com/blueapplecc-ppp/tts-vocl/internal/provider"
	"github.com/blueapplecc-ppp/tts-vocl/internal/segmentworker"
	"github.com/blueapplecc-ppp/tts-vocl/internal/store/memstore"
	"github.com/blueapplecc-ppp/tts-vocl/internal/submission"
	"github.com/blueapplecc-ppp/tts-vocl/internal/sweeper"
	"github.com/blueapplecc-ppp/tts-vocl/internal/taskengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	application := app.New(cfg)
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start application")
	}
	defer application.Shutdown()

	m := metrics.DefaultMetrics

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	mon, lim, sweepLeader, sharedBackend := selectBackends(cfg, redisClient)
	m.RecordMonitorBackend(sharedBackend)

	// Voice profile registry: a production deployment loads this from
	// config or a database; wired here with a small fixed set since voice
	// provisioning belongs to the surrounding product, not this subsystem.
	voices := dialogue.VoiceMap{
		0: {Name: "ava", Locale: "en-US"},
		1: {Name: "owen", Locale: "en-US"},
	}

	classifier := provider.NewDefaultErrorClassifier()
	sessionCfg := provider.Config{
		ConnectTimeout: cfg.Provider.ConnectTimeout,
		IdleTimeout:    cfg.Provider.IdleTimeout,
		TotalTimeout:   cfg.Provider.TotalTimeout,
		Codec:          cfg.Provider.Codec,
		SampleRateHz:   cfg.Provider.SampleRateHz,
	}
	creds := provider.Credentials{AppID: cfg.Provider.AppID, AccessToken: cfg.Provider.AccessToken}

	newSession := func() segmentworker.Synthesizer {
		nonce := uuid.NewString()
		dial := provider.DialWebsocket(cfg.Provider.Endpoint, creds, nonce)
		return provider.New(dial, sessionCfg, classifier)
	}

	worker := segmentworker.New(newSession, segmentworker.Policy{
		MaxRetries: cfg.Task.SegmentMaxRetries,
		BaseDelay:  cfg.Task.SegmentRetryDelayBase,
	}, voices, segmentworker.WithMetrics(m))

	// Blob storage and relational persistence are external collaborators;
	// memstore stands in for local/dev wiring only.
	blobs := memstore.NewBlobs()
	texts := memstore.NewTexts()
	audios := memstore.NewAudios()

	engine := taskengine.New(taskengine.Config{
		LongTextThreshold:     cfg.Task.LongTextThreshold,
		MaxConcurrentSegments: cfg.Task.MaxConcurrentSegments,
		MaxPerSegment:         cfg.Task.MaxPerSegment,
		SlotRenewInterval:     cfg.Task.SlotRenewInterval,
	}, worker, mon, blobs, audios, lim, taskengine.WithMetrics(m))

	eventLog := eventlog.New(eventlog.Config{
		Enabled:   cfg.Kafka.Enabled,
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.Topic,
		Principal: cfg.Kafka.Principal,
	})
	defer eventLog.Close()

	fanout := eventfanout.New(mon, eventfanout.WithSubscriptionGauge(
		func() { m.SubscriptionsActive.Inc() },
		func() { m.SubscriptionsActive.Dec() },
	))

	// The submission, stream, and stats entry points are invoked by the
	// external HTTP/RPC layer; only stats is exposed here, on the
	// operational surface.
	svc := submission.New(lim, mon, engine, texts, audios, voices,
		submission.WithMetrics(m),
		submission.WithEventLog(eventLog),
		submission.WithFanout(fanout),
	)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	sw := sweeper.New(mon, sweepLeader,
		sweeper.WithInterval(cfg.Task.SweepInterval),
		sweeper.WithTaskTimeout(cfg.Task.TaskTimeoutSeconds),
		sweeper.WithMetrics(m),
	)
	go sw.Run(sweepCtx)

	var obsServer *observability.Server
	if cfg.Observability.MetricsEnabled {
		obsServer = observability.NewServer(":"+cfg.Observability.MetricsPort, func() bool { return true }, svc.Stats)
		obsServer.Start()
	}

	log.Info().
		Bool("sharedBackend", sharedBackend).
		Int("maxConcurrentTasks", cfg.Task.MaxConcurrentTasks).
		Msg("tts-vocl orchestration subsystem running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("received shutdown signal")
	cancelSweep()

	if obsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("error shutting down observability server")
		}
	}
}

// selectBackends performs the Task Monitor's startup connectivity probe
// and wires the Global Limiter and Timeout Sweeper's leader lock to
// match: either all shared-store backends, or all local-fallback
// backends. Selection is process-wide and never changes at runtime.
func selectBackends(cfg *config.Config, client *redis.Client) (monitor.Monitor, limiter.Limiter, sweeper.Leader, bool) {
	redisMon := monitor.NewRedisMonitor(client, cfg.Redis.KeyPrefix, cfg.Task.IdempotencyTTL, cfg.Task.TerminalRetention)

	probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := redisMon.Probe(probeCtx); err != nil {
		log.Warn().Err(err).Msg("shared store unreachable at startup, falling back to in-memory Task Monitor")
		mon := monitor.NewMemoryMonitor(cfg.Task.IdempotencyTTL, cfg.Task.TerminalRetention)
		lim := limiter.NewLocalLimiter(cfg.Task.MaxConcurrentTasks)
		return mon, lim, sweeper.AlwaysLeader{}, false
	}

	lim := limiter.NewRedisLimiter(client, cfg.Redis.KeyPrefix, cfg.Task.MaxConcurrentTasks, cfg.Task.SlotTTL)
	leader := sweeper.NewRedisLeaderLock(client, cfg.Redis.KeyPrefix, 0)
	return redisMon, lim, leader, true
}
