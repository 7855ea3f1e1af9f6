package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/auth"
	"github.com/nerrad567/gray-logic-mesh/internal/configsync"
	"github.com/nerrad567/gray-logic-mesh/internal/driver"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/hub"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Mesh is the driver surface the API serves. *hub.Hub implements it.
type Mesh interface {
	Drivers() []hub.DriverInfo
	Fields(driverID string) ([]field.Entry, error)
	QueryFieldValue(driverID, name string) (field.Def, field.Reading, error)
	WriteField(ctx context.Context, driverID, name string, v field.Value) error
	SendBackdoorCommand(ctx context.Context, driverID, cmd string, params map[string]string) (driver.BackdoorResult, error)
	RunStructural(ctx context.Context, driverID, cmd string, params map[string]string) (driver.BackdoorResult, error)
	DownloadConfig(driverID string) (*configsync.Snapshot, error)
	SubmitConfig(ctx context.Context, driverID string, edits configsync.Edits, expected uint64) (configsync.Result, error)
	RenameUnit(ctx context.Context, driverID string, unitID uint16, name string, expected uint64) (configsync.Result, error)
	QueryUnitDiagnostics(ctx context.Context, driverID string, unitID uint16) (*configsync.Diagnostics, error)
	OpenSession(driverID string) (*configsync.Session, error)
	SupplyConfig(ctx context.Context, driverID string, blob []byte) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Mesh    Mesh
	Issuer  *auth.Issuer
	Tokens  auth.TokenRepository // optional: enables token listing
	Audit   audit.Repository     // optional: journals operator actions
	Version string
}

// Server is the HTTP API server of the hub.
//
// It manages the HTTP listener, routes, middleware and WebSocket sync
// sessions. The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	mesh    Mesh
	issuer  *auth.Issuer
	tokens  auth.TokenRepository
	journal audit.Repository
	version string
	started time.Time

	server  *http.Server
	clients *wsRegistry
	tickets *ticketStore
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Mesh == nil {
		return nil, fmt.Errorf("mesh is required")
	}
	if deps.Issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if deps.WS.Path == "" {
		deps.WS.Path = "/ws"
	}
	if deps.WS.PingInterval <= 0 {
		deps.WS.PingInterval = 30
	}
	if deps.WS.PongTimeout <= 0 {
		deps.WS.PongTimeout = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		logger:  deps.Logger.Component("api"),
		mesh:    deps.Mesh,
		issuer:  deps.Issuer,
		tokens:  deps.Tokens,
		journal: deps.Audit,
		version: deps.Version,
		started: time.Now(),
		tickets: newTicketStore(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.clients = newWSRegistry(s.logger)
	return s, nil
}

// Handler returns the router. Start serves the same handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	go s.cleanTicketsLoop(s.ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close closes every sync session and gracefully shuts down the listener.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.cancel()
	s.clients.closeAll()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
