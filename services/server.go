package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/LSY1007/NextEnterBack-sub000/repository"
	ws "github.com/LSY1007/NextEnterBack-sub000/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Server holds all server dependencies
type Server struct {
	config           *Config
	sqlDB            *sql.DB
	engine           *InterviewEngine
	pipeline         *ReflectionPipeline
	reaper           *IdleReaper
	authService      *AuthService
	sessionEndpoints *SessionEndpoints
	websocketHandler *WebSocketHandler
	wsHub            *ws.Hub
	upgrader         websocket.Upgrader
}

// NewServer creates a new server instance
func NewServer(config *Config) *Server {
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: NewOriginAllowlist(config.WebSocket.AllowedOrigins).Allow,
		},
	}
}

// SetDatabase switches storage from memory to the given Postgres pool.
func (s *Server) SetDatabase(db *sql.DB) {
	s.sqlDB = db
}

// InitializeServices wires storage, providers, the reflection pipeline and the engine.
func (s *Server) InitializeServices(ctx context.Context) error {
	var (
		store       repository.Store
		annotations repository.AnnotationStore
	)
	if s.sqlDB != nil {
		gormDB, err := repository.OpenGORM(s.sqlDB, s.config.Database.LogLevel)
		if err != nil {
			return err
		}
		store = repository.NewGORMRepository(gormDB)
		annotations = repository.NewPGAnnotationStore(s.sqlDB)
		slog.Info("Using Postgres storage")
	} else {
		store = repository.NewMemoryStore()
		annotations = repository.NewMemoryAnnotationStore()
		slog.Warn("Database URL not configured, keeping interviews in memory")
	}

	questions, err := s.buildQuestionProvider(ctx)
	if err != nil {
		return err
	}

	var resumes ResumeProvider = NoResumeProvider{}
	if s.config.Resume.BaseURL != "" {
		resumes = NewHTTPResumeProvider(s.config.Resume.BaseURL, s.config.Resume.Token, s.config.Resume.Timeout)
		slog.Info("Resume service configured", "base_url", s.config.Resume.BaseURL)
	}

	s.wsHub = ws.NewHub()
	s.pipeline = NewReflectionPipeline(annotations,
		WithMaxConcurrentAnalyses(s.config.Reflection.MaxConcurrent),
		WithAnalysisTimeout(s.config.Reflection.Timeout),
	)
	s.engine = NewInterviewEngine(store, annotations, questions, s.pipeline,
		WithResumeProvider(resumes),
		WithNotificationSink(s.wsHub),
		WithProviderTimeout(s.config.AI.Timeout),
	)
	s.sessionEndpoints = NewSessionEndpoints(s.engine)
	s.websocketHandler = NewWebSocketHandler(s.engine)
	s.authService = NewAuthService(s.config.JWT.Secret)
	if s.config.JWT.Secret == "" {
		slog.Warn("JWT secret not configured, trusting " + UserIDHeader + " header")
	}
	s.reaper = NewIdleReaper(s.engine, s.config.Interview)
	return nil
}

func (s *Server) buildQuestionProvider(ctx context.Context) (QuestionProvider, error) {
	switch name := s.config.QuestionProviderName(); name {
	case "gemini":
		if s.config.AI.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GEMINI_API_KEY is empty")
		}
		gemini, err := NewGeminiService(ctx, s.config.AI.GeminiAPIKey, s.config.AI.GeminiModel)
		if err != nil {
			return nil, err
		}
		slog.Info("Gemini question provider initialized", "model", gemini.model)
		return gemini, nil
	case "openrouter":
		if s.config.AI.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("openrouter provider selected but OPENROUTER_API_KEY is empty")
		}
		slog.Info("OpenRouter question provider initialized", "model", s.config.AI.OpenRouterModel)
		return NewOpenRouterService(s.config.AI.OpenRouterAPIKey, s.config.AI.OpenRouterBaseURL, s.config.AI.OpenRouterModel, s.config.AI.Timeout), nil
	default:
		slog.Info("Using static question bank")
		return NewStaticQuestionBank(), nil
	}
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health endpoint
	r.Get("/health", s.healthHandler)

	// API v1 route group
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.apiV1Handler)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)
			r.Get("/ws", s.websocketHandlerFunc)
			s.sessionEndpoints.RegisterRoutes(r)
		})
	})

	return r
}

// Run serves HTTP until ctx is cancelled, then drains in-flight analyses.
func (s *Server) Run(ctx context.Context) error {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("Starting server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		if err := s.pipeline.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Reflective analyses still running at shutdown", "error", err)
		}
		return nil
	})

	err := g.Wait()
	slog.Info("Server exited")
	return err
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "not configured"

	if s.sqlDB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.sqlDB.PingContext(ctx); err != nil {
			dbStatus = "down"
			status = "degraded"
		} else {
			dbStatus = "up"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": status, "database": dbStatus})
}

func (s *Server) apiV1Handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Interview API v1", "version": "1.0.0"})
}

func (s *Server) websocketHandlerFunc(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client, err := s.wsHub.RegisterClient(conn, ownerID)
	if err != nil {
		slog.Warn("WebSocket rejected", "error", err, "user_id", ownerID)
		conn.Close()
		return
	}
	client.MessageHandler = s.websocketHandler.HandleWebSocketMessage
	slog.Info("WebSocket connection established", "user_id", ownerID)

	go client.WritePump()
	client.ReadPump()
}
