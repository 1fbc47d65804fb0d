package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"room-engine/internal/auth"
	"room-engine/internal/config"
	"room-engine/internal/database"
	"room-engine/internal/handlers"
	"room-engine/internal/models"
	"room-engine/internal/services"
	"room-engine/internal/websocket"
	"room-engine/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	minimumTier, err := models.ParseTier(cfg.Access.MinimumTier)
	if err != nil {
		logger.Fatal("Invalid minimum tier: %v", err)
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub[string](websocket.Options[models.OutboundEvent]{
		SendBuffer:   cfg.Realtime.SendBuffer,
		PingInterval: cfg.Realtime.PingInterval,
		PongWait:     cfg.Realtime.HeartbeatTimeout,
		Encode:       models.EncodeOutbound,
		Presence: func(userID string, online bool) models.OutboundEvent {
			return models.PresenceEvent{UserID: userID, Online: online}
		},
	})

	// Initialize services
	svc := services.New(services.Deps{
		DB:          db,
		Publisher:   hub,
		MinimumTier: minimumTier,
		KnockTTL:    cfg.Knocks.DefaultTTL,
		MaxKnockTTL: cfg.Knocks.MaxTTL,
		Retention:   cfg.Highlights.Retention,
	})
	authService := auth.NewService(cfg.JWT.Secret, cfg.JWT.Issuer)

	// Initialize handlers
	roomHandlers := handlers.NewRoomHandlers(svc, authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, svc, hub)
	var authHandlers *handlers.AuthHandlers
	if cfg.JWT.DevTokens {
		logger.Warn("Dev tokens enabled: POST /auth/token mints tokens for any user")
		authHandlers = handlers.NewAuthHandlers(authService, cfg.JWT.TokenTTL)
	}

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, roomHandlers, wsHandlers)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints(authHandlers != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.Sweeper.Run(gctx, cfg.Knocks.SweepInterval)
	})
	g.Go(func() error {
		hub.StartSweeper(gctx, cfg.Realtime.SweepInterval, cfg.Realtime.HeartbeatTimeout)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.CloseAll()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server error: %v", err)
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (database.Database, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store; state is lost on restart")
		return database.NewMemoryDB(), nil
	}

	db, err := database.NewPostgresDB(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setupRoutes(mux *http.ServeMux, authHandlers *handlers.AuthHandlers, roomHandlers *handlers.RoomHandlers, wsHandlers *handlers.WebSocketHandlers) {
	// Dev token route
	if authHandlers != nil {
		mux.HandleFunc("/auth/token", authHandlers.IssueToken)
	}

	// Room sub-routes
	mux.HandleFunc("/rooms/", roomHandlers.RouteRooms)

	// Knock routes
	mux.HandleFunc("/knocks", roomHandlers.RouteKnocks)
	mux.HandleFunc("/knocks/", roomHandlers.RouteKnocks)

	// WebSocket route
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints(devTokens bool) {
	logger.Info("🔗 API endpoints:")
	if devTokens {
		logger.Info("   POST   /auth/token")
	}
	logger.Info("   GET    /rooms/{owner}")
	logger.Info("   GET    /rooms/{owner}/access")
	logger.Info("   PATCH  /rooms/{owner}/settings")
	logger.Info("   POST   /rooms/{owner}/lock")
	logger.Info("   POST   /rooms/{owner}/unlock")
	logger.Info("   POST   /rooms/{owner}/access-list")
	logger.Info("   DELETE /rooms/{owner}/access-list/{user}")
	logger.Info("   POST   /rooms/{owner}/enter")
	logger.Info("   POST   /rooms/{owner}/exit")
	logger.Info("   GET    /rooms/{owner}/session")
	logger.Info("   POST   /rooms/{owner}/visit")
	logger.Info("   POST   /rooms/{owner}/leave")
	logger.Info("   DELETE /rooms/{owner}/visitors/{user}")
	logger.Info("   POST   /rooms/{owner}/knock")
	logger.Info("   GET    /rooms/{owner}/knocks")
	logger.Info("   GET    /rooms/{owner}/highlights")
	logger.Info("   GET    /rooms/{owner}/highlights/count")
	logger.Info("   POST   /rooms/{owner}/highlights")
	logger.Info("   GET    /knocks")
	logger.Info("   GET    /knocks/{id}")
	logger.Info("   POST   /knocks/{id}/respond")
	logger.Info("   GET    /healthz")
}
