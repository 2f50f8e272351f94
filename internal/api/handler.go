package api

import (
	"net/http"

	"tradedesk/internal/credhealth"
	"tradedesk/internal/events"
	"tradedesk/internal/execution"
	"tradedesk/internal/gateway"
	"tradedesk/internal/marketmux"
	"tradedesk/internal/reconcile"
	"tradedesk/internal/userstream"
	"tradedesk/pkg/crypto"
	"tradedesk/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP and websocket endpoints around the execution backbone.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	DB          *db.Database
	Cipher      *crypto.Cipher
	Mux         *marketmux.Multiplexer
	Coordinator *execution.Coordinator
	Reconciler  *reconcile.Reconciler
	Streams     *userstream.Manager
	Health      *credhealth.Tracker
	Pool        *gateway.Manager
	JWTSecret   string
	SignalToken string
	Meta        SystemMeta
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	Exchange string
	Testnet  bool
	Version  string
}

// Deps carries everything the server needs; nil members disable the
// corresponding endpoints rather than panicking.
type Deps struct {
	Bus         *events.Bus
	DB          *db.Database
	Cipher      *crypto.Cipher
	Mux         *marketmux.Multiplexer
	Coordinator *execution.Coordinator
	Reconciler  *reconcile.Reconciler
	Streams     *userstream.Manager
	Health      *credhealth.Tracker
	Pool        *gateway.Manager
	JWTSecret   string
	SignalToken string
	Meta        SystemMeta
}

func NewServer(deps Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         deps.Bus,
		DB:          deps.DB,
		Cipher:      deps.Cipher,
		Mux:         deps.Mux,
		Coordinator: deps.Coordinator,
		Reconciler:  deps.Reconciler,
		Streams:     deps.Streams,
		Health:      deps.Health,
		Pool:        deps.Pool,
		JWTSecret:   deps.JWTSecret,
		SignalToken: deps.SignalToken,
		Meta:        deps.Meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/system/status", s.getSystemStatus)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Signal ingestion uses its own shared-token auth so webhook
		// sources (alert services) can post without a JWT.
		api.POST("/signals", s.signalAuth(), s.postSignal)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/trades", s.getTrades)
			protected.GET("/trades/entry-vwap", s.getEntryVWAP)
			protected.GET("/positions/open", s.getOpenPositions)
			protected.POST("/positions/:groupID/close", s.forceClosePosition)

			protected.GET("/credentials", s.listCredentials)
			protected.POST("/credentials", s.createCredential)
			protected.DELETE("/credentials/:id", s.deactivateCredential)
			protected.GET("/credentials/health", s.getCredentialHealth)

			protected.GET("/stream/sessions", s.getStreamSessions)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"code": code, "error": msg})
}
