package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/api"
	"github.com/workspacemrqz/crmportilho-sub001/internal/events"
	"github.com/workspacemrqz/crmportilho-sub001/internal/flow"
	"github.com/workspacemrqz/crmportilho-sub001/internal/followup"
	"github.com/workspacemrqz/crmportilho-sub001/internal/genai"
	"github.com/workspacemrqz/crmportilho-sub001/internal/handoff"
	"github.com/workspacemrqz/crmportilho-sub001/internal/lock"
	"github.com/workspacemrqz/crmportilho-sub001/internal/lockfile"
	"github.com/workspacemrqz/crmportilho-sub001/internal/messaging"
	"github.com/workspacemrqz/crmportilho-sub001/internal/metrics"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/orchestrator"
	"github.com/workspacemrqz/crmportilho-sub001/internal/recovery"
	"github.com/workspacemrqz/crmportilho-sub001/internal/router"
	"github.com/workspacemrqz/crmportilho-sub001/internal/scheduler"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
	"github.com/workspacemrqz/crmportilho-sub001/internal/twiliowhatsapp"
	"github.com/workspacemrqz/crmportilho-sub001/internal/whatsapp"
)

// shutdownTimeout bounds draining the buffer and the final outbox flush.
const shutdownTimeout = 30 * time.Second

// run wires every module and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	// Without Redis, conversation locks are process local, so a second process on
	// the same SQLite file would race this one.
	if usesSQLite(flags) && *flags.redisURL == "" {
		dirLock, err := lockfile.Acquire(*flags.stateDir)
		if err != nil {
			return err
		}
		defer dirLock.Release()
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if *flags.flowFile != "" {
		def, err := flow.LoadFile(*flags.flowFile)
		if err != nil {
			return err
		}
		if err := flow.Seed(ctx, st, def); err != nil {
			return err
		}
	}
	registry := flow.NewRegistry(st)
	if _, err := registry.Active(ctx); err != nil {
		if !errors.Is(err, models.ErrNoActiveFlow) {
			return err
		}
		slog.Warn("No active flow; inbound messages will fail until one is published", "hint", "set FLOW_FILE or PUT /flow")
	}

	gen, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}
	aiRouter := router.New(gen, router.WithTimeout(*flags.aiTimeout))

	locker, closeLocker, err := buildLocker(ctx, flags)
	if err != nil {
		return err
	}
	defer closeLocker()

	publisher, err := buildPublisher(flags)
	if err != nil {
		return err
	}
	defer publisher.Close()

	m := metrics.New(nil)
	engine := orchestrator.NewEngine(st, registry, aiRouter, handoff.New(buildHandoffOptions(flags)...),
		orchestrator.WithLocker(locker),
		orchestrator.WithPublisher(publisher),
		orchestrator.WithMetrics(m),
		orchestrator.WithBufferOptions(buildBufferOptions(flags)...),
	)

	svc, apiOpts, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	dispatcher := messaging.NewDispatcher(st, svc, messaging.DefaultPollInterval,
		store.WithResultHook(func(msg store.OutboxMessage, err error) {
			m.OutboundDelivery(msg.Kind, err)
		}))

	rm := recovery.NewManager()
	rm.Register("outbox", dispatcher)
	rm.Register("inbound", recovery.NewInboundReplayer(st, engine, recovery.DefaultReplayLimit))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Error("Startup recovery incomplete", "error", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		messaging.NewInboundRouter(svc, func(ctx context.Context, msg models.InboundMessage) error {
			_, err := engine.HandleInbound(ctx, msg)
			return err
		}).Run(ctx)
	}()

	sched := scheduler.NewScheduler()
	sweeper := followup.NewSweeper(st, followup.WithPublisher(publisher), followup.WithMetrics(m))
	if err := sched.AddContextJob("followup-sweep", *flags.followupSweep, func(ctx context.Context) error {
		res, err := sweeper.Sweep(ctx)
		if res.Sent > 0 {
			dispatcher.Flush(ctx)
		}
		return err
	}); err != nil {
		return fmt.Errorf("invalid follow-up schedule %q: %w", *flags.followupSweep, err)
	}

	apiOpts = append(apiOpts, api.WithRegistry(registry), api.WithMetricsHandler(m.Handler()))
	server := api.NewServer(engine, apiOpts...)
	serveErr := server.Run(ctx, *flags.apiAddr)

	// Drain in dependency order: stop producing work, run buffered turns, then
	// deliver what they queued.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sched.Stop(shutdownCtx)
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Engine shutdown incomplete", "error", err)
	}
	if err := svc.Stop(); err != nil {
		slog.Warn("Messaging service stop failed", "error", err)
	}
	wg.Wait()
	dispatcher.Flush(shutdownCtx)
	return serveErr
}

func buildLocker(ctx context.Context, flags Flags) (lock.Locker, func(), error) {
	if *flags.redisURL == "" {
		return lock.NewLocalLocker(), func() {}, nil
	}
	rl, err := lock.NewRedisLockerFromURL(ctx, *flags.redisURL, "crm:lock:")
	if err != nil {
		return nil, nil, err
	}
	return rl, func() {
		if err := rl.Close(); err != nil {
			slog.Warn("Redis locker close failed", "error", err)
		}
	}, nil
}

func buildPublisher(flags Flags) (events.Publisher, error) {
	if *flags.amqpURL == "" {
		slog.Debug("No AMQP_URL set, domain events are not published")
		return events.Nop{}, nil
	}
	p, err := events.NewAMQPPublisher(*flags.amqpURL, *flags.amqpExchange, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}
	return p, nil
}

// buildMessagingService creates the transport and any API routes it needs.
func buildMessagingService(flags Flags) (messaging.Service, []api.Option, error) {
	switch *flags.transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, []api.Option{api.WithTwilioWebhook(svc.WebhookHandler)}, nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case TransportMock:
		slog.Warn("Using mock messaging transport; outbound messages are only logged")
		return messaging.NewWhatsAppService(whatsapp.NewMockClient()), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging transport %q", *flags.transport)
	}
}
