package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"finagent/internal/agent"
	"finagent/internal/apperr"
	"finagent/internal/conversation"
	"finagent/internal/insights"
	"finagent/internal/models"
	"finagent/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 5 * time.Minute
	idleTimeout         = 120 * time.Second
)

// Agent answers queries and exposes conversation state.
type Agent interface {
	ProcessQuery(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error)
	Status() agent.Status
	ConversationContext(id string) (conversation.Conversation, error)
	ClearConversation(id string) error
}

// Insights generates narrative reports.
type Insights interface {
	Generate(ctx context.Context, req insights.Request) insights.Insight
}

// Conversations lists stored conversations.
type Conversations interface {
	IDs() []string
	Stats() conversation.Stats
}

// Catalogue lists the registered tools.
type Catalogue interface {
	Catalogue() []models.ToolSchema
}

// Dependencies are the components the handlers call.
type Dependencies struct {
	Agent         Agent
	Insights      Insights
	Conversations Conversations
	Tools         Catalogue
}

type Server struct {
	deps    Dependencies
	port    int
	app     *echo.Echo
	address string
	locks   *keyedLock
	logger  *slog.Logger
	banner  io.Writer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger for request and lifecycle logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithBanner redirects the startup banner; nil disables it.
func WithBanner(w io.Writer) Option {
	return func(s *Server) {
		s.banner = w
	}
}

// New constructs an HTTP server wired with routing and middleware.
func New(port int, deps Dependencies, opts ...Option) (*Server, error) {
	if deps.Agent == nil || deps.Insights == nil || deps.Conversations == nil || deps.Tools == nil {
		return nil, errors.New("server dependencies must not be nil")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("port %d must be a valid TCP port", port)
	}

	srv := &Server{
		deps:    deps,
		port:    port,
		address: fmt.Sprintf(":%d", port),
		locks:   newKeyedLock(),
		logger:  slog.Default(),
		banner:  os.Stdout,
	}
	for _, opt := range opts {
		opt(srv)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = srv.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			srv.logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv.app = e
	srv.registerRoutes()
	return srv, nil
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.printStartupBanner()
	s.logger.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	api := s.app.Group("/api/v1")
	api.POST("/query", s.handleQuery)
	api.GET("/agent/status", s.handleStatus)
	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/:id", s.handleGetConversation)
	api.DELETE("/conversations/:id", s.handleClearConversation)
	api.GET("/tools", s.handleTools)
	api.POST("/insights", s.handleInsights)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuery(c echo.Context) error {
	var req translator.QueryRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if req.ConversationID != "" {
		if !s.locks.TryLock(req.ConversationID) {
			return requestError{
				Status:  http.StatusConflict,
				Message: fmt.Sprintf("conversation %s is already answering a query", req.ConversationID),
				Type:    "conflict",
			}
		}
		defer s.locks.Unlock(req.ConversationID)
	}

	result, err := s.deps.Agent.ProcessQuery(c.Request().Context(), req.ToAgent())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Agent.Status())
}

func (s *Server) handleListConversations(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.ConversationList{
		Stats:         s.deps.Conversations.Stats(),
		Conversations: s.deps.Conversations.IDs(),
	})
}

func (s *Server) handleGetConversation(c echo.Context) error {
	conv, err := s.deps.Agent.ConversationContext(c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) handleClearConversation(c echo.Context) error {
	id := c.Param("id")
	if !s.locks.TryLock(id) {
		return requestError{
			Status:  http.StatusConflict,
			Message: fmt.Sprintf("conversation %s is answering a query", id),
			Type:    "conflict",
		}
	}
	defer s.locks.Unlock(id)

	if err := s.deps.Agent.ClearConversation(id); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.ClearedConversation{ID: id, Cleared: true})
}

func (s *Server) handleTools(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromCatalogue(s.deps.Tools.Catalogue()))
}

func (s *Server) handleInsights(c echo.Context) error {
	var req translator.InsightRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.deps.Insights.Generate(c.Request().Context(), req.ToService()))
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var vErr *apperr.ValidationError
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		case errors.As(err, &tooLarge):
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body must not exceed %d bytes", maxBodyBytes),
				Type:    "invalid_request_error",
			}
		case errors.As(err, &vErr):
			return toHTTPError(vErr)
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

func writeError(c echo.Context, status int, message, errType string) error {
	return c.JSON(status, translator.ErrorResponse{
		Error: translator.ErrorBody{Message: message, Type: errType},
	})
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		if reqErr.Status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "uri", c.Request().RequestURI, "err", err)
		}
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error")
		return
	}

	s.logger.Error("unhandled error", "uri", c.Request().RequestURI, "err", err)
	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var vErr *apperr.ValidationError
	if errors.As(err, &vErr) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: vErr.Error(),
			Type:    "invalid_request_error",
		}
	}

	var nfErr *apperr.DataNotFoundError
	if errors.As(err, &nfErr) || errors.Is(err, conversation.ErrNotFound) {
		return requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
			Type:    "not_found_error",
		}
	}

	var aErr *apperr.AnalysisError
	if errors.As(err, &aErr) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: aErr.Error(),
			Type:    "analysis_error",
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func (s *Server) printStartupBanner() {
	if s.banner == nil {
		return
	}
	host := "127.0.0.1"
	w := s.banner
	fmt.Fprintln(w)
	fmt.Fprintln(w, "finagent ready")
	fmt.Fprintf(w, "Listening on http://%s:%d\n", host, s.port)
	fmt.Fprintln(w, "Endpoints:")
	fmt.Fprintln(w, "  GET    /health")
	fmt.Fprintln(w, "  POST   /api/v1/query")
	fmt.Fprintln(w, "  GET    /api/v1/agent/status")
	fmt.Fprintln(w, "  GET    /api/v1/conversations")
	fmt.Fprintln(w, "  GET    /api/v1/conversations/:id")
	fmt.Fprintln(w, "  DELETE /api/v1/conversations/:id")
	fmt.Fprintln(w, "  GET    /api/v1/tools")
	fmt.Fprintln(w, "  POST   /api/v1/insights")
	fmt.Fprintf(w, "Example:\n  curl http://%s:%d/api/v1/query -H 'Content-Type: application/json' -d '{\"query\":\"How did revenue develop in 2024?\"}'\n\n", host, s.port)
}
