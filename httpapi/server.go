// Package httpapi is the REST surface: policy evaluation, offer purchase
// and confirmation, gated content reads, entitlement management and
// provider webhooks, all over gin.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/adapters"
	"github.com/pressgate/pressgate/graphqlapi"
	"github.com/pressgate/pressgate/l402"
	"github.com/pressgate/pressgate/ledger"
	"github.com/pressgate/pressgate/licensing"
	"github.com/pressgate/pressgate/metrics"
	"github.com/pressgate/pressgate/policy"
)

// APIKey binds one credential to an agent identity and scope set.
type APIKey struct {
	Key      string
	AgentID  string
	Scopes   []string
	DomainID string
}

// Config wires the server.
type Config struct {
	Engine    *policy.Engine
	Licensing *licensing.Service
	Issuer    *l402.Issuer
	Ledger    *ledger.Ledger
	Ingestor  *ledger.Ingestor
	Content   pressgate.ContentReader
	Metrics   *metrics.Registry
	APIKeys   []APIKey
	DomainID  string
	Logger    *slog.Logger

	// GraphQL, when set, is mounted at POST /graphql behind the same
	// API-key authentication as the REST routes.
	GraphQL http.Handler
}

// Server hosts the REST handlers.
type Server struct {
	engine    *policy.Engine
	licensing *licensing.Service
	issuer    *l402.Issuer
	ledger    *ledger.Ledger
	ingestor  *ledger.Ingestor
	content   pressgate.ContentReader
	metrics   *metrics.Registry
	adapter   adapters.REST
	keys      map[string]APIKey
	domainID  string
	logger    *slog.Logger
	graphql   http.Handler
}

// NewServer builds the server from config.
func NewServer(cfg Config) *Server {
	keys := make(map[string]APIKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k.Key] = k
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	domainID := cfg.DomainID
	if domainID == "" {
		domainID = "default"
	}
	return &Server{
		engine:    cfg.Engine,
		licensing: cfg.Licensing,
		issuer:    cfg.Issuer,
		ledger:    cfg.Ledger,
		ingestor:  cfg.Ingestor,
		content:   cfg.Content,
		metrics:   cfg.Metrics,
		keys:      keys,
		domainID:  domainID,
		logger:    logger,
		graphql:   cfg.GraphQL,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.authenticate)

	r.POST("/policy/evaluate", s.handleEvaluate)
	r.GET("/offers", s.handleListOffers)
	r.POST("/offers/:id/purchase", s.handlePurchase)
	r.POST("/offers/:id/purchase/confirm", s.handleConfirm)
	r.GET("/content-items/:id", s.handleContentRead)
	r.GET("/entitlements/:id", s.handleGetEntitlement)
	r.POST("/entitlements/:id/delegate", s.handleDelegate)
	r.POST("/entitlements/:id/terminate", s.handleTerminate)
	r.POST("/payments/webhooks/:provider/settled", s.handleWebhook)
	r.GET("/metrics", s.handleMetrics)
	if s.graphql != nil {
		r.POST("/graphql", s.handleGraphQL)
	}
	return r
}

// handleGraphQL forwards to the mounted GraphQL handler with the
// authenticated principal in the request context.
func (s *Server) handleGraphQL(c *gin.Context) {
	p, _ := s.principal(c)
	ctx := graphqlapi.WithPrincipal(c.Request.Context(), p)
	s.graphql.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

// authenticate resolves the x-api-key header into a Principal. Requests
// without a key proceed anonymously; handlers that require identity reject
// them with API_KEY_REQUIRED.
func (s *Server) authenticate(c *gin.Context) {
	key := c.GetHeader("x-api-key")
	if key == "" {
		c.Next()
		return
	}
	cfg, ok := s.keys[key]
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":       "unknown API key",
			"code":        pressgate.CodeAPIKeyRequired,
			"remediation": "use a provisioned API key in the x-api-key header",
		})
		return
	}
	domainID := cfg.DomainID
	if domainID == "" {
		domainID = s.domainID
	}
	c.Set("principal", pressgate.Principal{
		AgentID:  cfg.AgentID,
		Scopes:   cfg.Scopes,
		DomainID: domainID,
		Source:   "api_key",
	})
	c.Next()
}

// principal returns the authenticated principal and whether one exists.
func (s *Server) principal(c *gin.Context) (pressgate.Principal, bool) {
	v, ok := c.Get("principal")
	if !ok {
		return pressgate.Principal{DomainID: s.domainID, Source: "anonymous"}, false
	}
	return v.(pressgate.Principal), true
}

// writeError renders the typed error shape. Untyped errors become 500s.
func (s *Server) writeError(c *gin.Context, err error) {
	pe := pressgate.AsError(err)
	if pe.HTTPStatus >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	body := gin.H{"error": pe.Message, "code": pe.Code}
	if pe.Remediation != "" {
		body["remediation"] = pe.Remediation
	}
	if pe.Context != nil {
		body["context"] = pe.Context
	}
	c.AbortWithStatusJSON(pe.HTTPStatus, body)
}

// operationContext runs the REST adapter over the current request.
func (s *Server) operationContext(c *gin.Context, p pressgate.Principal, resource pressgate.ResourceRef) (pressgate.OperationContext, error) {
	raw := pressgate.RawRequest{
		Method:        c.Request.Method,
		Path:          c.Request.URL.Path,
		ResourceType:  resource.Type,
		ResourceID:    resource.ID,
		ContentTypeID: resource.ContentTypeID,
	}
	return s.adapter.Resolve(p, raw, time.Now().UTC())
}

// requireKey rejects anonymous requests.
func (s *Server) requireKey(c *gin.Context) (pressgate.Principal, bool) {
	p, ok := s.principal(c)
	if !ok {
		s.writeError(c, pressgate.NewError(pressgate.CodeAPIKeyRequired,
			"this operation requires an API key", http.StatusForbidden).
			WithRemediation("send a provisioned key in the x-api-key header"))
		return pressgate.Principal{}, false
	}
	return p, true
}
