package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/martinemde/conductor/agentloop"
	"github.com/martinemde/conductor/audit"
	"github.com/martinemde/conductor/config"
	"github.com/martinemde/conductor/control"
	"github.com/martinemde/conductor/embedding"
	"github.com/martinemde/conductor/natsbridge"
	"github.com/martinemde/conductor/toolhost"
	"github.com/martinemde/conductor/unifiedllm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// app holds the collaborators shared by the run and serve commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	client    *unifiedllm.Client
	manager   *agentloop.Manager
	publisher *agentloop.Publisher
	audit     *audit.Store
	events    *natsbridge.Embedded
}

// newApp wires a Manager from cfg. approver may be nil to answer
// confirmations through the Manager's broker.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, approver agentloop.Approver) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.client = unifiedllm.NewClientFromEnv(unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)))
	providers := a.client.Providers()
	if len(providers) == 0 {
		return nil, errors.New("no LLM provider available: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	if cfg.Provider == "" {
		cfg.Provider = providers[0]
	}

	catalog, err := buildCatalog(cfg.Tools, workDir)
	if err != nil {
		return nil, err
	}

	counter, err := tokenCounter(cfg.TokenCounter)
	if err != nil {
		return nil, err
	}

	var embedder agentloop.Embedder
	if cfg.Embedding.Enabled {
		g, err := embedding.NewGenAI(ctx, embedding.Options{
			APIKey:    cfg.Embedding.APIKey,
			Model:     cfg.Embedding.Model,
			TaskType:  cfg.Embedding.TaskType,
			CacheSize: 512,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding: %w", err)
		}
		embedder = g
	}

	a.publisher = agentloop.NewPublisher(cfg.EventBuffer, logger)
	a.manager, err = agentloop.NewManager(cfg.SessionConfig(), agentloop.Deps{
		Client:    a.client,
		Catalog:   catalog,
		Publisher: a.publisher,
		Approver:  approver,
		Embedder:  embedder,
		Counter:   counter,
		Logger:    logger,
	})
	if err != nil {
		a.publisher.Close()
		return nil, err
	}

	if cfg.Audit.Enabled {
		a.audit, err = audit.Open(cfg.AuditPath(), logger.Named("audit"))
		if err != nil {
			a.publisher.Close()
			return nil, err
		}
	}
	if cfg.Events.NATS {
		a.events, err = natsbridge.Open(ctx, natsbridge.Options{
			DataDir: filepath.Join(cfg.DataDir, "events"),
			Logger:  logger.Named("events"),
		})
		if err != nil {
			a.closeStores()
			a.publisher.Close()
			return nil, err
		}
	}
	return a, nil
}

// startRecorders subscribes the audit log and event bridge. They stop when
// the publisher closes.
func (a *app) startRecorders(ctx context.Context, g *errgroup.Group) {
	if a.audit != nil {
		sub := a.publisher.Subscribe("")
		g.Go(func() error { return a.audit.Run(ctx, sub) })
	}
	if a.events != nil {
		sub := a.publisher.Subscribe("")
		bridge := natsbridge.NewBridge(a.events.JS, a.logger.Named("events"))
		g.Go(func() error { return bridge.Run(ctx, sub) })
	}
}

// history returns the best available event history source, or nil.
func (a *app) history() control.History {
	switch {
	case a.audit != nil:
		return a.audit
	case a.events != nil:
		return control.HistoryFunc(func(ctx context.Context, sessionID string) ([]agentloop.Event, error) {
			return natsbridge.History(ctx, a.events.Stream, sessionID)
		})
	}
	return nil
}

// shutdown stops the manager, then closes the publisher so recorders drain
// and return.
func (a *app) shutdown(ctx context.Context) error {
	err := a.manager.Shutdown(ctx)
	a.publisher.Close()
	return err
}

func (a *app) closeStores() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("close event stream", zap.Error(err))
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("close audit log", zap.Error(err))
		}
	}
	if err := a.client.Close(); err != nil {
		a.logger.Warn("close llm client", zap.Error(err))
	}
}

func buildCatalog(tools []config.Tool, dir string) (*agentloop.ToolCatalog, error) {
	cmds := make([]toolhost.Command, 0, len(tools))
	for _, t := range tools {
		c := toolhost.Command{
			Name:        t.Name,
			Description: t.Description,
			Argv:        t.Command,
			Mutating:    t.Mutating,
			TargetArgs:  t.TargetArgs,
			OnDenied:    agentloop.DenialPolicy(t.OnDenied),
			Truncation:  agentloop.TruncationMode(t.Truncation),
			Timeout:     t.Timeout,
			Dir:         dir,
		}
		for _, p := range t.Params {
			c.Params = append(c.Params, toolhost.Param{Name: p.Name, Type: p.Type, Description: p.Description, Required: p.Required})
		}
		cmds = append(cmds, c)
	}
	specs, err := toolhost.Specs(cmds)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	return agentloop.NewToolCatalog(specs...)
}

func tokenCounter(name string) (agentloop.TokenCounter, error) {
	switch name {
	case "", "heuristic":
		return agentloop.HeuristicCounter{}, nil
	case "tiktoken":
		c, err := agentloop.NewTiktokenCounter("cl100k_base")
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown token_counter %q (want heuristic or tiktoken)", name)
	}
}
