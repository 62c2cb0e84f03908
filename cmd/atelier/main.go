package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/atelierbot/atelier/internal/agent"
	"github.com/atelierbot/atelier/internal/api"
	"github.com/atelierbot/atelier/internal/bot"
	"github.com/atelierbot/atelier/internal/config"
	"github.com/atelierbot/atelier/internal/draw"
	"github.com/atelierbot/atelier/internal/intent"
	"github.com/atelierbot/atelier/internal/llm"
	"github.com/atelierbot/atelier/internal/logger"
	"github.com/atelierbot/atelier/internal/maintenance"
	"github.com/atelierbot/atelier/internal/queue"
	"github.com/atelierbot/atelier/internal/session"
	"github.com/atelierbot/atelier/internal/storage"
	"github.com/atelierbot/atelier/internal/tools"
)

const agentSystemPrompt = `You are a helpful assistant with access to map and location tools.
Use the tools to answer geography questions: geocoding, routing, distances, nearby places, weather.
When a required detail is missing (like the starting point of a route), ask the user one short question ending with a question mark.
Answer in the user's language. Keep answers concise.`

const tempFileMaxAge = 48 * time.Hour

func init() {
	godotenv.Load()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	model, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		logger.Fatal("failed to create llm", "error", err)
	}

	// auxiliary model for intent classification; chat survives without it
	var auxiliary llm.LLM
	if cfg.Auxiliary.Provider != "" {
		auxiliary, err = llm.New(llm.Config{
			Provider: cfg.Auxiliary.Provider,
			APIKey:   cfg.Auxiliary.APIKey,
			Model:    cfg.Auxiliary.Model,
			BaseURL:  cfg.Auxiliary.BaseURL,
		})
		if err != nil {
			logger.Error("failed to create auxiliary llm, classification degraded", "error", err)
		}
	}

	var search llm.LLM
	if cfg.Search.APIKey != "" {
		search, err = llm.New(llm.Config{
			Provider: cfg.Search.Provider,
			APIKey:   cfg.Search.APIKey,
			Model:    cfg.Search.Model,
			BaseURL:  cfg.Search.BaseURL,
		})
		if err != nil {
			logger.Error("failed to create search llm, falling back to chat", "error", err)
		}
	}

	sessions := session.NewStore(model, cfg.Session.Timeout)
	sessions.StartCleanup()
	logger.Info("session store ready", "timeout", cfg.Session.Timeout)

	executor := setupTools(cfg.Tools.ConfigFile)

	classifier := intent.NewClassifier(auxiliary)
	loop := agent.NewLoop(executor, agentSystemPrompt, nil)

	generator := draw.NewGenerator(draw.Config{
		Image:     cfg.Draw.Image,
		CreateURL: cfg.Draw.CreateURL,
		Cookies:   cfg.Draw.Cookies,
		TempDir:   cfg.Draw.TempDir,
	})

	manager := queue.NewManager()
	manager.SetCooldown(cfg.Draw.Cooldown)

	worker := queue.NewWorker(manager, generator)
	worker.Start()
	logger.Info("draw worker started", "cooldown", cfg.Draw.Cooldown)

	storageClient := setupStorage(cfg.Storage)

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("invalid timezone, using UTC", "tz", cfg.Timezone)
		tz = time.UTC
	}

	scheduler, err := maintenance.New(tz, manager.PurgeOld, generator.CleanTempDir, cfg.Draw.HistoryAge, tempFileMaxAge)
	if err != nil {
		logger.Fatal("failed to create maintenance scheduler", "error", err)
	}
	scheduler.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Addr, sessions, manager)
		apiServer.Start()
	}

	handler := bot.NewHandler(bot.HandlerConfig{
		Sessions:    sessions,
		Classifier:  classifier,
		Loop:        loop,
		Manager:     manager,
		Search:      search,
		Store:       storageClient,
		Optimizer:   draw.NewPromptOptimizer(auxiliary),
		WaitLimit:   cfg.Draw.WaitLimit,
		DrawEnabled: cfg.Features.DrawEnabled,
		AIIntent:    cfg.Features.AIIntent,
	})

	bots, err := bot.New(cfg.Bots, handler)
	if err != nil {
		logger.Fatal("failed to create bots", "error", err)
	}
	if len(bots) == 0 {
		logger.Fatal("no bot platforms enabled, set TELEGRAM_TOKEN or DISCORD_TOKEN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, b := range bots {
		go func(b bot.Bot) {
			if err := b.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("bot stopped", "platform", b.Name(), "error", err)
			}
		}(b)
		logger.Info("bot started", "platform", b.Name())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	worker.Stop()
	scheduler.Stop()
	sessions.StopCleanup()

	if executor != nil {
		if err := executor.Close(); err != nil {
			logger.Error("tool executor close failed", "error", err)
		}
	}

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// setupTools connects the MCP tool server. Failure is not fatal: the
// agent loop reports tools as unavailable instead.
func setupTools(configFile string) *tools.Executor {
	servers, err := config.LoadToolServers(configFile)
	if err != nil {
		logger.Error("failed to load tool server config", "error", err)
		return tools.NewExecutor(tools.ServerConfig{})
	}
	if len(servers) == 0 {
		logger.Warn("no tool servers configured, map queries will degrade")
		return tools.NewExecutor(tools.ServerConfig{})
	}
	if len(servers) > 1 {
		logger.Warn("multiple tool servers configured, using the first", "server", servers[0].Name)
	}

	executor := tools.NewExecutor(servers[0])

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := executor.Connect(connectCtx); err != nil {
		logger.Error("tool server connection failed", "server", servers[0].Name, "error", err)
	} else {
		logger.Info("tool server connected", "server", servers[0].Name, "tools", len(executor.Tools()))
	}
	return executor
}

func setupStorage(cfg config.StorageConfig) *storage.Client {
	if !cfg.Enabled {
		return nil
	}

	client, err := storage.NewClient(storage.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		logger.Error("failed to create storage client", "error", err)
		return nil
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Init(initCtx); err != nil {
		logger.Error("failed to init storage bucket", "error", err)
		return nil
	}

	logger.Info("storage enabled", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return client
}
