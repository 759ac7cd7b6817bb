package server

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/hearly/hearly-api/internal/auth"
	"github.com/hearly/hearly-api/internal/config"
	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/fabric"
	"github.com/hearly/hearly-api/internal/handlers"
	"github.com/hearly/hearly-api/internal/logger"
	"github.com/hearly/hearly-api/internal/media"
	"github.com/hearly/hearly-api/internal/payments"
)

// Server wires the HTTP surface: REST routes, the payment webhook and the
// websocket attachments.
type Server struct {
	router *gin.Engine
	engine *engine.Engine
	cfg    *config.Config

	healthHandler    *handlers.HealthHandler
	packageHandler   *handlers.PackageHandler
	purchaseHandler  *handlers.PurchaseHandler
	sessionHandler   *handlers.SessionHandler
	payoutHandler    *handlers.PayoutHandler
	rejectionHandler *handlers.RejectionHandler
	webhookHandler   *handlers.WebhookHandler
	wsHandler        *handlers.WSHandler

	tokens *auth.TokenService
}

// New assembles the server from its dependencies.
func New(
	cfg *config.Config,
	store db.Store,
	fab fabric.Fabric,
	gateway payments.Gateway,
	mediaIssuer *media.TokenIssuer,
	eng *engine.Engine,
	tokens *auth.TokenService,
) *Server {
	common := handlers.NewCommonServices(store, fab, gateway, mediaIssuer, eng, tokens, cfg)

	s := &Server{
		engine: eng,
		cfg:    cfg,
		tokens: tokens,

		healthHandler:    handlers.NewHealthHandler(store),
		packageHandler:   handlers.NewPackageHandler(common),
		purchaseHandler:  handlers.NewPurchaseHandler(common),
		sessionHandler:   handlers.NewSessionHandler(common),
		payoutHandler:    handlers.NewPayoutHandler(common),
		rejectionHandler: handlers.NewRejectionHandler(common),
		webhookHandler:   handlers.NewWebhookHandler(common),
		wsHandler:        handlers.NewWSHandler(common),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(configureCORS())
	s.registerRoutes()
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthHandler.Health)
	s.router.GET("/ready", s.healthHandler.Ready)

	v1 := s.router.Group("/api/v1")
	{
		// The webhook authenticates by provider signature, not bearer token.
		v1.POST("/payments/webhook", s.webhookHandler.HandlePaymentWebhook)

		protected := v1.Group("/")
		protected.Use(auth.EnsureAuthenticated(s.tokens))
		{
			protected.GET("/packages", s.packageHandler.ListPackages)

			purchases := protected.Group("/purchases")
			{
				purchases.POST("", s.purchaseHandler.CreatePurchase)
				purchases.POST("/extend", s.purchaseHandler.ExtendPurchase)
			}

			protected.GET("/listeners/:listener_id/availability", s.purchaseHandler.GetListenerAvailability)

			sessions := protected.Group("/sessions")
			{
				sessions.POST("", s.sessionHandler.AllocateSession)
				sessions.GET("/active", s.sessionHandler.GetActiveSession)
				sessions.GET("/history", s.sessionHandler.ListSessionHistory)
				sessions.GET("/:session_id", s.sessionHandler.GetSession)
				sessions.POST("/:session_id/accept", s.sessionHandler.AcceptSession)
				sessions.POST("/:session_id/end", s.sessionHandler.EndSession)
				sessions.POST("/:session_id/media-token", s.sessionHandler.RefreshMediaToken)
			}

			payouts := protected.Group("/payouts")
			{
				payouts.GET("", s.payoutHandler.ListPayouts)
				payouts.GET("/balance", s.payoutHandler.GetBalance)
				payouts.POST("/request", s.payoutHandler.RequestPayout)
			}

			protected.POST("/rejections", s.rejectionHandler.RejectPurchase)
		}
	}

	// Websocket attachments authenticate inside the handler so failures can
	// surface as application close codes.
	ws := s.router.Group("/ws")
	{
		ws.GET("/call/:session_id", s.wsHandler.AttachCall)
		ws.GET("/notifications", s.wsHandler.AttachNotifications)
		ws.GET("/conversations", s.wsHandler.AttachConversations)
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// stops the session runners.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening on port " + s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.engine.Shutdown()
	return nil
}

// configureCORS returns a configured CORS middleware
func configureCORS() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()

	originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	if originsEnv == "" {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	} else {
		origins := strings.Split(originsEnv, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		corsConfig.AllowOrigins = origins
	}

	methodsEnv := os.Getenv("CORS_ALLOWED_METHODS")
	if methodsEnv == "" {
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	} else {
		methods := strings.Split(methodsEnv, ",")
		for i, method := range methods {
			methods[i] = strings.TrimSpace(method)
		}
		corsConfig.AllowMethods = methods
	}

	headersEnv := os.Getenv("CORS_ALLOWED_HEADERS")
	if headersEnv == "" {
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	} else {
		headers := strings.Split(headersEnv, ",")
		for i, header := range headers {
			headers[i] = strings.TrimSpace(header)
		}
		corsConfig.AllowHeaders = headers
	}

	corsConfig.AllowCredentials = os.Getenv("CORS_ALLOW_CREDENTIALS") == "true"

	return cors.New(corsConfig)
}
