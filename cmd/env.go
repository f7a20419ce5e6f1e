package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/activity"
	"github.com/sells-group/sourcing-cli/internal/engine"
	"github.com/sells-group/sourcing-cli/internal/events"
	"github.com/sells-group/sourcing-cli/internal/memory"
	"github.com/sells-group/sourcing-cli/internal/store"
	anthropicpkg "github.com/sells-group/sourcing-cli/pkg/anthropic"
	"github.com/sells-group/sourcing-cli/pkg/mailer"
	"github.com/sells-group/sourcing-cli/pkg/voice"
)

// initStore opens the configured store backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	var err error

	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	}
	if err != nil {
		return nil, eris.Wrapf(err, "init %s store", cfg.Store.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// campaignEnv bundles everything a campaign-mode command needs.
type campaignEnv struct {
	Store   store.Store
	Engine  *engine.Engine
	Events  *events.Broadcaster
	Tracker *activity.Tracker
	Memory  memory.Store
}

func (e *campaignEnv) Close() {
	e.Engine.Stop()
	if e.Memory != nil {
		_ = e.Memory.Close()
	}
	_ = e.Store.Close()
}

// initCampaign wires the full negotiation stack: store, voice provider,
// reasoning client, memory, mailer, and the engine itself.
func initCampaign(ctx context.Context) (*campaignEnv, error) {
	if err := cfg.Validate("campaign"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	voiceClient := voice.NewClient(cfg.Voice.Key,
		voice.WithBaseURL(cfg.Voice.BaseURL),
		voice.WithAgentProfile(cfg.Voice.AgentProfile),
		voice.WithSubmitRate(cfg.Voice.SubmitPerSecond),
	)

	// The reasoning client is optional: without a key the engine runs on
	// deterministic fallback plans and structured-field extraction.
	var anthropicClient anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		anthropicClient = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Warn("anthropic key not set, using fallback plans and extraction")
	}

	var mailerClient mailer.Client
	if cfg.Mailer.Key != "" {
		mailerClient = mailer.NewClient(cfg.Mailer.Key,
			mailer.WithBaseURL(cfg.Mailer.BaseURL),
			mailer.WithFrom(cfg.Mailer.From),
		)
	} else {
		zap.L().Warn("mailer key not set, confirmation emails disabled")
	}

	var memStore memory.Store
	mem, err := memory.NewChromem(memory.ChromemConfig{
		PersistPath: cfg.Memory.PersistPath,
		Collection:  cfg.Memory.Collection,
		TopK:        cfg.Memory.TopK,
	}, nil)
	if err != nil {
		zap.L().Warn("memory store init failed, continuing without memory", zap.Error(err))
	} else {
		memStore = mem
	}

	broadcaster := events.NewBroadcaster()
	tracker := activity.NewTracker()

	eng := engine.New(engine.Deps{
		Store:     st,
		Voice:     voiceClient,
		Mailer:    mailerClient,
		Memory:    memStore,
		Strategy:  engine.NewStrategyGenerator(anthropicClient, cfg.Anthropic.Model, cfg.Anthropic.Timeout(), cfg.Negotiation.TargetFactor),
		Extractor: engine.NewExtractor(anthropicClient, cfg.Anthropic.Model, cfg.Anthropic.Timeout()),
		Events:    broadcaster,
		Tracker:   tracker,
	}, engine.Config{
		TargetFactor:     cfg.Negotiation.TargetFactor,
		BatchSize:        cfg.Negotiation.BatchSize,
		WatchdogTimeout:  cfg.Negotiation.WatchdogTimeout(),
		LookupRetryDelay: cfg.Negotiation.LookupRetryDelay(),
		AgentProfile:     cfg.Voice.AgentProfile,
		MemoryTopK:       cfg.Memory.TopK,
	})

	return &campaignEnv{
		Store:   st,
		Engine:  eng,
		Events:  broadcaster,
		Tracker: tracker,
		Memory:  memStore,
	}, nil
}
