package main

import (
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/rendis/photoverse/internal/backend"
	"github.com/rendis/photoverse/internal/engine"
	"github.com/rendis/photoverse/internal/flows"
	"github.com/rendis/photoverse/internal/loader"
	"github.com/rendis/photoverse/internal/speech"
	"github.com/rendis/photoverse/internal/streaming"
	"github.com/rendis/photoverse/internal/tools"
)

//go:embed demo_script.yaml
var demoScript []byte

// app is the wired runtime shared by every subcommand.
type app struct {
	cfg      Config
	logger   *slog.Logger
	flows    *engine.FlowRegistry
	tools    *tools.Registry
	hub      *streaming.MemoryHub
	executor *engine.Executor
}

// newApp registers the built-in flows and any definitions found at
// cfg.Definitions, then builds the executor over the configured script (or
// the embedded demo script).
func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	flowReg := engine.NewFlowRegistry()
	toolReg := tools.NewRegistry()

	speaker := speech.LogSpeaker{Logger: logger}
	if err := flows.RegisterBuiltins(flowReg, toolReg, speaker, speech.Options{NeutralVoice: cfg.NeutralVoice}, logger); err != nil {
		return nil, fmt.Errorf("register builtins: %w", err)
	}

	if cfg.Definitions != "" {
		l, err := loader.New(logger)
		if err != nil {
			return nil, fmt.Errorf("create loader: %w", err)
		}
		n, err := l.Register(flowReg, cfg.Definitions)
		if err != nil {
			return nil, fmt.Errorf("load definitions: %w", err)
		}
		logger.Info("definitions loaded", slog.String("path", cfg.Definitions), slog.Int("flows", n))
	}

	var (
		model *backend.Scripted
		err   error
	)
	if cfg.Script != "" {
		model, err = backend.LoadScript(cfg.Script, logger)
	} else {
		model, err = backend.NewScripted(demoScript, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}

	hub := streaming.NewMemoryHub(256)
	exec := engine.NewExecutor(flowReg, tools.NewDispatcher(toolReg, logger), model, engine.ExecutorConfig{
		MaxToolRounds: cfg.MaxToolRounds,
		PoolSize:      cfg.PoolSize,
		Logger:        logger,
		Hub:           hub,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		flows:    flowReg,
		tools:    toolReg,
		hub:      hub,
		executor: exec,
	}, nil
}

func (a *app) Close() {
	a.executor.Close()
}
