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
	"github.com/yungbote/storyforge-backend/internal/channels"
	"github.com/yungbote/storyforge-backend/internal/crypto"
	"github.com/yungbote/storyforge-backend/internal/db"
	"github.com/yungbote/storyforge-backend/internal/gate"
	"github.com/yungbote/storyforge-backend/internal/handlers"
	"github.com/yungbote/storyforge-backend/internal/logger"
	"github.com/yungbote/storyforge-backend/internal/notifier"
	"github.com/yungbote/storyforge-backend/internal/pipeline"
	"github.com/yungbote/storyforge-backend/internal/planning"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/server"
	"github.com/yungbote/storyforge-backend/internal/storage"
	"github.com/yungbote/storyforge-backend/internal/syncengine"
	"github.com/yungbote/storyforge-backend/internal/tools"
	"github.com/yungbote/storyforge-backend/internal/types"
	"github.com/yungbote/storyforge-backend/internal/utils"
	"github.com/yungbote/storyforge-backend/internal/worker"
	"github.com/yungbote/storyforge-backend/internal/workspace"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Env
	log.Info("Loading environment variables from main...")
	workspaceRoot := utils.GetEnv("WORKSPACE_ROOT", "/var/lib/storyforge/workspace", log)
	channelsConfig := utils.GetEnv("CHANNELS_CONFIG_PATH", "channels.yaml", log)
	toolsDir := utils.GetEnv("TOOLS_DIR", "tools", log)
	klingCeiling := utils.GetEnvAsInt("MAX_CONCURRENT_VIDEO", gate.DefaultKlingCeiling, log)

	// Vault
	vault, err := crypto.NewVaultFromEnv(log)
	if err != nil {
		log.Error("Could not init credential vault", "error", err)
		os.Exit(1)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	taskRepo := repos.NewTaskRepo(thePG, log)
	channelRepo := repos.NewChannelRepo(thePG, log)
	webhookEventRepo := repos.NewWebhookEventRepo(thePG, log)
	quotaRepo := repos.NewQuotaRepo(thePG, log)

	// Channel registry
	log.Info("Loading channel registry from main...")
	registry, err := channels.NewRegistry(channelsConfig, vault, log)
	if err != nil {
		log.Error("Could not load channel registry", "error", err)
		os.Exit(1)
	}
	mirrorRegistry(ctx, log, registry, channelRepo)

	// Services
	log.Info("Setting up Services from main...")
	pather, err := workspace.NewPather(workspaceRoot)
	if err != nil {
		log.Error("Could not init workspace pather", "error", err)
		os.Exit(1)
	}
	runner, err := tools.NewRunner(toolsDir, log)
	if err != nil {
		log.Error("Could not init tool runner", "error", err)
		os.Exit(1)
	}
	notify, err := notifier.NewNotifier(log)
	if err != nil {
		log.Error("Could not init notifier", "error", err)
		os.Exit(1)
	}
	store, err := storage.NewStore(log)
	if err != nil {
		log.Error("Could not init final video store", "error", err)
		os.Exit(1)
	}
	admission := gate.New(taskRepo, quotaRepo, notify, log, gate.QuotaLocation(), klingCeiling)
	dispatcher := pipeline.NewDispatcher(taskRepo, runner, pather, admission, store, notify, log)

	planningClient, err := planning.NewClient(log)
	if err != nil {
		log.Error("Could not init planning client", "error", err)
		os.Exit(1)
	}
	engine := syncengine.NewEngine(planningClient, taskRepo, webhookEventRepo, quotaRepo, registry, log)
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Sync engine stopped", "error", err)
		}
	}()

	// Worker pool
	pool := worker.NewWorker(taskRepo, registry, admission, dispatcher, log)
	pool.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	taskHandler := handlers.NewTaskHandler(log, taskRepo)
	channelHandler := handlers.NewChannelHandler(log, registry, channelRepo)
	webhookHandler := handlers.NewWebhookHandler(log, engine)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		TaskHandler:    taskHandler,
		ChannelHandler: channelHandler,
		WebhookHandler: webhookHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		fmt.Printf("Server listening on :%s\n", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", "error", err)
	}
	pool.Wait()
	store.Close()
	notify.Close()
	log.Info("Shutdown complete")
}

// mirrorRegistry copies the registry's channel definitions into the channel
// table so claim queries can join on them.
func mirrorRegistry(ctx context.Context, log *logger.Logger, registry *channels.Registry, repo repos.ChannelRepo) {
	entries := registry.All()
	rows := make([]*types.Channel, 0, len(entries))
	for _, entry := range entries {
		c := entry.Channel
		rows = append(rows, &c)
	}
	if err := repo.Upsert(ctx, nil, rows); err != nil {
		log.Warn("Channel registry mirror failed", "error", err)
	}
}
