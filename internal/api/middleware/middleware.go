package middleware

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/internal/metrics"
)

// RequestIDKey is the header and context key carrying the request id
const RequestIDKey = "X-Request-ID"

// RequestID adds a request ID to the context
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDKey)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDKey, requestID)

		c.Next()
	}
}

// Logger logs one line per request, at a level chosen by the status code
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		default:
			event = log.Info()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(RequestIDKey)).
			Msg("API request")
	}
}

// Metrics counts requests and records their latency
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		m.IncrementCounter(metrics.HTTPRequests)
		m.Since(metrics.HTTPDuration, start)
		if c.Writer.Status() >= http.StatusInternalServerError {
			m.RecordError(metrics.HTTPRequests)
		} else {
			m.RecordSuccess(metrics.HTTPRequests)
		}
	}
}

// CORS allows browser clients from origins
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", RequestIDKey)
	cfg.ExposeHeaders = []string{RequestIDKey, "Retry-After"}
	cfg.MaxAge = 12 * time.Hour
	return cors.New(cfg)
}

// NewRelic returns a gin middleware for New Relic tracing
func NewRelic(app *newrelic.Application) gin.HandlerFunc {
	return nrgin.Middleware(app)
}

// TransactionContext copies the New Relic transaction onto the request
// context so services can open segments from ctx. Must run after NewRelic.
func TransactionContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if txn := nrgin.Transaction(c); txn != nil {
			c.Request = newrelic.RequestWithTransactionContext(c.Request, txn)
		}
		c.Next()
	}
}
