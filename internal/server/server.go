// Package server exposes platform webhooks, the operator API and health
// endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/platform"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/routing"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Operations is what the operator API needs from the routing engine.
// *routing.Engine implements it.
type Operations interface {
	Conversation(ctx context.Context, id uint) (*models.Conversation, error)
	Messages(ctx context.Context, id uint, limit int) ([]models.Message, error)
	TakeOver(ctx context.Context, id uint, operatorID string) (*models.Conversation, error)
	HandBack(ctx context.Context, id uint) (*models.Conversation, error)
	Close(ctx context.Context, id uint) (*models.Conversation, error)
	Reply(ctx context.Context, id uint, operatorID, text string) (*models.Message, error)
	BindIdentity(ctx context.Context, id uint, customerID string) (*models.Conversation, error)
	RecordRating(ctx context.Context, id uint, rating int) error
	SendToCustomer(ctx context.Context, customerID string, req routing.OutboundRequest) (*models.Message, error)
	CompleteSignIn(ctx context.Context, state, customerID, sig string) (*models.Conversation, error)
}

// Server is the Switchboard HTTP front end.
type Server struct {
	ops      Operations
	registry *platform.Registry
	queue    queue.Queue
	hub      *notify.Hub
	token    string
	port     int
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *gin.Engine
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Operations Operations
	Registry   *platform.Registry
	Queue      queue.Queue
	// Hub feeds GET /api/events. Nil disables the stream.
	Hub *notify.Hub
	// OperatorToken guards /api. Empty disables authentication.
	OperatorToken string
	Port          int
	Logger        *zap.Logger

	// For testing: serve metrics from a private registry.
	Gatherer prometheus.Gatherer
}

// New creates a Server with its routes registered.
func New(opts Opts) (*Server, error) {
	if opts.Operations == nil {
		return nil, fmt.Errorf("server: operations are required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("server: registry is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("server: queue is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		ops:      opts.Operations,
		registry: opts.Registry,
		queue:    opts.Queue,
		hub:      opts.Hub,
		token:    opts.OperatorToken,
		port:     opts.Port,
		gatherer: gatherer,
		logger:   logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, out io.Writer) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if s.hub != nil {
			s.hub.Close()
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if out != nil {
		fmt.Fprintf(out, "Switchboard listening on :%d\n", s.port)
	}
	s.logger.Info("http server started", zap.Int("port", s.port))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	router.GET("/webhooks/:platform", s.handleVerify)
	router.POST("/webhooks/:platform", s.handleWebhook)
	router.GET("/link/:state", s.handleSignInCallback)

	api := router.Group("/api", s.requireOperator)
	api.GET("/conversations/:id", s.handleConversation)
	api.GET("/conversations/:id/messages", s.handleListMessages)
	api.POST("/conversations/:id/takeover", s.handleTakeOver)
	api.POST("/conversations/:id/handback", s.handleHandBack)
	api.POST("/conversations/:id/close", s.handleClose)
	api.POST("/conversations/:id/messages", s.handleReply)
	api.POST("/conversations/:id/identity", s.handleBindIdentity)
	api.POST("/conversations/:id/rating", s.handleRating)
	api.POST("/customers/:customer_id/messages", s.handleSendToCustomer)
	api.GET("/events", s.handleEvents)
}
