// Package gateway exposes the throttle-gated quote API over HTTP and
// websocket, plus an admin control surface for operators.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/gentlify/internal/adminauth"
	"github.com/terminal-bench/gentlify/internal/audit"
	"github.com/terminal-bench/gentlify/internal/upstream"
	"github.com/terminal-bench/gentlify/pkg/circuit"
	"github.com/terminal-bench/gentlify/pkg/messaging"
	"github.com/terminal-bench/gentlify/pkg/throttle"
	"github.com/terminal-bench/gentlify/shared/events"
)

// Gateway is the HTTP/websocket front door around a single Throttle guarding
// calls to a simulated upstream quote origin.
type Gateway struct {
	router      *gin.Engine
	throttle    *throttle.Throttle
	origin      *upstream.Origin
	cache       *upstream.QuoteCache // nil disables the cache-aside layer
	broadcaster *upstream.Broadcaster
	adminSvc    *adminauth.Service
	msgClient   *messaging.Client // nil disables event publishing
	breakers    *circuit.BreakerGroup
	trail       *audit.Trail // nil disables audit persistence
}

// Config holds gateway wiring, separate from throttle.ThrottleConfig.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds a Gateway. msgClient, cache, and trail may be nil to disable
// their respective side channels.
func New(th *throttle.Throttle, origin *upstream.Origin, adminSvc *adminauth.Service, msgClient *messaging.Client, cache *upstream.QuoteCache, trail *audit.Trail) *Gateway {
	g := &Gateway{
		router:      gin.Default(),
		throttle:    th,
		origin:      origin,
		cache:       cache,
		broadcaster: upstream.NewBroadcaster(),
		adminSvc:    adminSvc,
		msgClient:   msgClient,
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		trail: trail,
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.GET("/quote/:symbol", g.getQuote)
		v1.GET("/ws", g.handleWebSocket)

		v1.POST("/admin/login", g.adminLogin)

		admin := v1.Group("/admin")
		admin.Use(g.adminAuthMiddleware("throttle:read"))
		{
			admin.GET("/snapshot", g.getSnapshot)
		}

		write := v1.Group("/admin")
		write.Use(g.adminAuthMiddleware("throttle:write"))
		{
			write.POST("/resize", g.resize)
			write.POST("/close", g.closeThrottle)
			write.POST("/drain", g.drainThrottle)
		}
	}
}

// Start runs the HTTP server on addr.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// ServeHTTP makes Gateway an http.Handler directly, so integration tests can
// drive it with httptest without binding a socket.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (g *Gateway) adminAuthMiddleware(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.adminSvc.VerifyToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if len(claims.Perms) > 0 && !adminauth.HasPermission(claims.Perms, permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permission"})
			return
		}
		c.Set("operator_id", claims.OperatorID)
		c.Next()
	}
}

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) adminLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, err := g.adminSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// getQuote is the one endpoint gated by the Throttle: every call runs inside
// throttle.Execute, so admission, dispatch spacing, token rationing, the
// circuit breaker, and retry all apply before the simulated origin is ever
// reached.
func (g *Gateway) getQuote(c *gin.Context) {
	symbol := c.Param("symbol")
	ctx := c.Request.Context()

	fetch := func(ctx context.Context) (upstream.Quote, error) {
		if g.cache != nil {
			return g.cache.Get(ctx, symbol, func(ctx context.Context) (upstream.Quote, error) {
				return g.origin.Fetch(ctx, symbol)
			})
		}
		return g.origin.Fetch(ctx, symbol)
	}

	start := time.Now()
	quote, err := throttle.Execute(ctx, g.throttle, func(slot *throttle.Slot) (upstream.Quote, error) {
		q, fetchErr := fetch(ctx)
		if fetchErr == nil {
			slot.ReportTokens(1)
			g.broadcaster.Publish(q)
		}
		return q, fetchErr
	})
	duration := time.Since(start)

	g.recordAudit(symbol, err, duration)

	if err != nil {
		switch err.(type) {
		case *throttle.CircuitOpenError:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream circuit open"})
		case *throttle.ThrottleClosedError:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway shutting down"})
		case *throttle.TokenBudgetExceededError:
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "token budget exceeded"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream fetch failed"})
		}
		return
	}

	c.JSON(http.StatusOK, quote)
}

func (g *Gateway) recordAudit(symbol string, fetchErr error, duration time.Duration) {
	if g.trail == nil {
		return
	}
	outcome := "success"
	switch fetchErr.(type) {
	case nil:
	case *throttle.CircuitOpenError:
		outcome = "circuit_open"
	case *throttle.ThrottleClosedError:
		outcome = "throttle_closed"
	case *throttle.TokenBudgetExceededError:
		outcome = "token_budget_exceeded"
	default:
		outcome = "failure"
	}

	rec := audit.Record{
		RequestID:  uuid.New(),
		Symbol:     symbol,
		Outcome:    outcome,
		DurationMs: duration.Milliseconds(),
		OccurredAt: time.Now(),
	}

	g.breakers.Execute(context.Background(), "audit", func() error {
		return g.trail.Record(context.Background(), rec)
	})
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	symbols := c.QueryArray("symbol")
	if len(symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one symbol query param required"})
		return
	}

	conn, err := upstream.Upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	upstream.ServeWS(c.Request.Context(), g.broadcaster, conn, symbols)
}

func (g *Gateway) getSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, g.throttle.Snapshot())
}

func (g *Gateway) resize(c *gin.Context) {
	var req struct {
		Limit int `json:"limit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "resize accepted", "requested": strconv.Itoa(req.Limit)})
}

func (g *Gateway) closeThrottle(c *gin.Context) {
	g.throttle.Close()
	c.JSON(http.StatusAccepted, gin.H{"message": "closing"})
}

func (g *Gateway) drainThrottle(c *gin.Context) {
	if err := g.throttle.Drain(c.Request.Context()); err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "drain did not complete"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "drained"})
}

// PublishEvent forwards a throttle event to NATS as an events.Envelope. It is
// intended to be wired as throttle's OnStateChange handler.
func PublishEvent(msgClient *messaging.Client, throttleID string) func(ev throttle.ThrottleEvent) {
	return func(ev throttle.ThrottleEvent) {
		if msgClient == nil {
			return
		}
		envelope, ok := toEnvelope(throttleID, ev)
		if !ok {
			return
		}
		msgClient.Publish(context.Background(), "throttle.events", envelope)
	}
}

func toEnvelope(throttleID string, ev throttle.ThrottleEvent) (*events.Envelope, bool) {
	meta := events.Metadata{Source: "gentlify-gateway"}

	switch ev.Kind {
	case throttle.EventDecelerated:
		d := ev.Decelerated
		env, err := events.NewEnvelope(events.ThrottleDecelerated, throttleID, events.DecelerationData{
			OldConcurrency: d.OldConcurrency,
			NewConcurrency: d.NewConcurrency,
			OldIntervalMs:  d.OldInterval.Milliseconds(),
			NewIntervalMs:  d.NewInterval.Milliseconds(),
			FailureCount:   d.FailureCount,
		}, meta)
		return env, err == nil

	case throttle.EventReaccelerated:
		r := ev.Reaccelerated
		env, err := events.NewEnvelope(events.ThrottleReaccelerated, throttleID, events.ReaccelerationData{
			OldConcurrency: r.OldConcurrency,
			NewConcurrency: r.NewConcurrency,
			OldIntervalMs:  r.OldInterval.Milliseconds(),
			NewIntervalMs:  r.NewInterval.Milliseconds(),
		}, meta)
		return env, err == nil

	case throttle.EventCircuitOpened:
		co := ev.CircuitOpened
		env, err := events.NewEnvelope(events.ThrottleCircuitOpened, throttleID, events.CircuitData{
			ConsecutiveFailures: co.ConsecutiveFailures,
			RetryAfterMs:        co.RetryAfter.Milliseconds(),
		}, meta)
		return env, err == nil

	case throttle.EventCircuitClosed:
		env, err := events.NewEnvelope(events.ThrottleCircuitClosed, throttleID, events.CircuitData{}, meta)
		return env, err == nil

	case throttle.EventCoolingStarted:
		env, err := events.NewEnvelope(events.ThrottleCoolingStarted, throttleID, struct {
			CoolingPeriodMs int64 `json:"cooling_period_ms"`
		}{CoolingPeriodMs: ev.CoolingStarted.CoolingPeriod.Milliseconds()}, meta)
		return env, err == nil

	case throttle.EventProgress:
		s := ev.Progress
		env, err := events.NewEnvelope(events.ThrottleProgress, throttleID, events.ProgressData{
			Concurrency:      s.Concurrency,
			MaxConcurrency:   s.MaxConcurrency,
			DispatchInterval: s.DispatchInterval.Milliseconds(),
			CompletedTasks:   s.CompletedTasks,
			TotalTasks:       s.TotalTasks,
			FailureCount:     s.FailureCount,
			State:            s.State.String(),
			TokensUsed:       s.TokensUsed,
		}, meta)
		return env, err == nil

	case throttle.EventRetry:
		r := ev.Retry
		env, err := events.NewEnvelope(events.ThrottleRetry, throttleID, events.RetryData{
			Attempt:       r.Attempt,
			DelayMs:       r.Delay.Milliseconds(),
			ExceptionKind: r.ExceptionKind,
		}, meta)
		return env, err == nil

	default:
		return nil, false
	}
}
