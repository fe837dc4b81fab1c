package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/viper"

	"github.com/kingrea/stepforge/internal/agent"
	"github.com/kingrea/stepforge/internal/artifact"
	"github.com/kingrea/stepforge/internal/checker"
	"github.com/kingrea/stepforge/internal/config"
	"github.com/kingrea/stepforge/internal/dataset"
	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/llm"
	"github.com/kingrea/stepforge/internal/logging"
	"github.com/kingrea/stepforge/internal/session"
	"github.com/kingrea/stepforge/internal/synth"
	"github.com/kingrea/stepforge/plugins"
)

// app bundles the long-lived collaborators every command shares.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	bus       *eventbus.Bus
	datasets  *dataset.Store
	artifacts *artifact.Store
	manager   *session.Manager
}

// openProject loads config and logging without starting any engine.
func openProject(mirror io.Writer) (*config.Config, *logging.Logger, error) {
	dir, err := projectDir()
	if err != nil {
		return nil, nil, err
	}
	if err := config.InitProjectDir(dir); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, nil, err
	}
	opts := []logging.Option{logging.WithLevel(viper.GetString("log-level"))}
	if mirror != nil {
		opts = append(opts, logging.WithMirror(mirror))
	}
	logger, err := logging.New(dir, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openDatasets(cfg *config.Config) (*dataset.Store, error) {
	return dataset.NewStore(cfg.DatasetsDir())
}

// newApp wires the session manager with the configured engine.
func newApp(mirror io.Writer) (*app, error) {
	cfg, logger, err := openProject(mirror)
	if err != nil {
		return nil, err
	}
	datasets, err := openDatasets(cfg)
	if err != nil {
		logger.Close()
		return nil, err
	}
	engines, err := engineFactory(cfg, logger)
	if err != nil {
		logger.Close()
		return nil, err
	}
	bus := eventbus.New(
		eventbus.WithLogger(logger),
		eventbus.WithQueueLimit(cfg.Project.Events.SubscriberQueue),
	)
	artifacts := artifact.NewStore(cfg.ArtifactsDir())
	manager, err := session.NewManager(bus, engines,
		session.WithLogger(logger),
		session.WithTimeouts(cfg.Timeouts()),
		session.WithDatasets(datasets),
		session.WithArtifacts(artifacts),
		session.WithJournalDir(cfg.SessionsDir()),
	)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		datasets:  datasets,
		artifacts: artifacts,
		manager:   manager,
	}, nil
}

// close stops running sessions and releases the log file.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Printf("stepforge: shutdown: %v", err)
	}
	a.logger.Close()
}

// engineFactory builds the synth.Engine source for the configured kind.
func engineFactory(cfg *config.Config, logger *logging.Logger) (session.EngineFactory, error) {
	switch cfg.Project.Engine.Kind {
	case config.EngineScript:
		path := cfg.ScriptPath()
		// Fail at startup rather than on the first session.
		if _, err := plugins.LoadScriptEngine(path); err != nil {
			return nil, err
		}
		return func(string) (synth.Engine, error) {
			return plugins.LoadScriptEngine(path)
		}, nil
	case config.EngineLLM:
		apiKey := cfg.APIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("no API key: set %s in the environment or a .env file", cfg.Project.Engine.APIKeyEnv)
		}
		client := llm.New(llm.Config{
			BaseURL: cfg.Project.Engine.BaseURL,
			Model:   cfg.Project.Engine.Model,
			APIKey:  apiKey,
		})
		runner := &checker.Runner{
			Interpreter: cfg.Project.Checker.Interpreter,
			Args:        cfg.Project.Checker.Args,
			FileName:    cfg.Project.Checker.FileName,
			Logger:      logger,
		}
		planner, writer, revisor, refiner := cfg.Temperatures()
		engine, err := agent.New(client, runner,
			agent.WithLogger(logger),
			agent.WithModel(cfg.Project.Engine.Model),
			agent.WithSampling(agent.Sampling{
				Planner: planner,
				Writer:  writer,
				Revisor: revisor,
				Refiner: refiner,
				TopP:    cfg.TopP(),
			}),
		)
		if err != nil {
			return nil, err
		}
		return func(string) (synth.Engine, error) { return engine, nil }, nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Project.Engine.Kind)
	}
}
