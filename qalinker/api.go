package qalinker

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	pprofPrefix        = "/debug"
	apiPrefix          = "/api"
	apiHealthCheck     = "/healthz"
	apiMetrics         = "/metrics"
	apiPathQuestions   = "/questions"
	apiPathRecord      = "/records/:id"
	apiPathSimilar     = "/similar"
	apiPathHistoryStat = "/stats"

	xRequestIDHeader = "X-Request-ID"

	// apiMaxResultLimit caps the 'limit' query parameter
	apiMaxResultLimit = 1000
)

// API serves the bot's status endpoints: a health check, prometheus
// metrics, and read-only views of the question history.
//
// The API should be initialized using newAPI and started with Serve.
type API struct {
	config     *APIConfig   // Configuration for the API server
	httpServer *http.Server // The underlying HTTP server
	listener   net.Listener // Network listener for the HTTP server.
	engine     *gin.Engine  // Gin engine for routing HTTP requests
	logger     *slog.Logger // Logger for API-related events

	handlers *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes for the status API.
func newAPI(q *QALinker, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("api config required")
	}
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newComponentLogger("api", config.LogLevel),
	}
	api.handlers = &APIHandlers{q: q, logger: api.logger}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if api.config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, api.handlers.healthCheck)
	r.GET(
		apiMetrics,
		gin.WrapH(promhttp.HandlerFor(q.metrics.Registry(), promhttp.HandlerOpts{})),
	)

	g := r.Group(apiPrefix)
	g.Use(pipelineReadyMiddleware(q))
	g.GET(apiPathQuestions, api.handlers.getQuestions)
	g.GET(apiPathRecord, api.handlers.getRecord)
	g.GET(apiPathSimilar, api.handlers.getSimilar)
	g.GET(apiPathHistoryStat, api.handlers.getStats)

	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	q      *QALinker
	logger *slog.Logger
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	QueueSize               int    `json:"queue_size"`
	HistorySize             int    `json:"history_size"`
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime,omitempty"`
}

type httpError struct {
	Error string `json:"error"`
}

type questionsResponse struct {
	Questions []questionSummary `json:"questions"`
	Total     int               `json:"total"`
}

// questionSummary is a question as shown by the API, with its best answer
type questionSummary struct {
	MessageRecord
	Answers    int            `json:"answers"`
	BestAnswer *MessageRecord `json:"best_answer,omitempty"`
}

type recordResponse struct {
	Record MessageRecord `json:"record"`

	// Question is set for answers linked to a question
	Question *MessageRecord `json:"question,omitempty"`

	// Answers is set for questions
	Answers []MessageRecord `json:"answers,omitempty"`
}

type similarResponse struct {
	Query   string            `json:"query"`
	Results []SimilarQuestion `json:"results"`
}

// healthCheck handles GET requests to /healthz, reporting whether the
// bot is connected to discord, and the current queue and history sizes.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.q.discord.connected.Load(),
		Version:                 Version,
	}
	if h.q.queue != nil {
		resp.QueueSize = h.q.queue.Len()
	}
	if h.q.history != nil {
		resp.HistorySize = h.q.history.Len()
	}
	if !h.q.startedAt.IsZero() {
		resp.Uptime = time.Since(h.q.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

// getQuestions handles GET requests to /api/questions, returning the most
// recent questions first. The 'limit' query parameter defaults to
// [DefaultAPIResultLimit].
func (h *APIHandlers) getQuestions(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	history := h.q.history
	questions := history.Questions(limit)
	resp := questionsResponse{
		Questions: make([]questionSummary, 0, len(questions)),
		Total:     history.Stats().Questions,
	}
	for _, question := range questions {
		summary := questionSummary{
			MessageRecord: question,
			Answers:       len(history.AnswersFor(question.MessageID)),
		}
		if best, ok := history.BestAnswer(question.MessageID); ok {
			summary.BestAnswer = &best
		}
		resp.Questions = append(resp.Questions, summary)
	}
	c.JSON(http.StatusOK, resp)
}

// getRecord handles GET requests to /api/records/:id. Questions include
// their answers, and answers include the question they're linked to.
func (h *APIHandlers) getRecord(c *gin.Context) {
	history := h.q.history
	rec, ok := history.Get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: ErrRecordNotFound.Error()})
		return
	}
	resp := recordResponse{Record: rec}
	switch rec.Intent {
	case IntentQuestion:
		resp.Answers = history.AnswersFor(rec.MessageID)
	case IntentAnswer:
		if rec.QuestionID != "" {
			if question, found := history.Get(rec.QuestionID); found {
				resp.Question = &question
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// getSimilar handles GET requests to /api/similar?q=..., returning prior
// questions similar to the query.
func (h *APIHandlers) getSimilar(c *gin.Context) {
	logger := ginContextLogger(c)
	query := c.Query("q")
	results, err := h.q.pipeline.Similar(c.Request.Context(), query)
	switch {
	case errors.Is(err, ErrEmptyText):
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "query parameter 'q' is required"},
		)
		return
	case err != nil:
		logger.Error("error searching similar questions", tint.Err(err))
		_ = c.Error(err)
		ginReplyError(c, "error searching similar questions")
		return
	}
	if results == nil {
		results = []SimilarQuestion{}
	}
	c.JSON(http.StatusOK, similarResponse{Query: query, Results: results})
}

// getStats handles GET requests to /api/stats
func (h *APIHandlers) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.q.history.Stats())
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return DefaultAPIResultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid limit: %q", raw)
	}
	return min(limit, apiMaxResultLimit), nil
}

// pipelineReadyMiddleware responds with 503 until the bot has finished
// initializing
func pipelineReadyMiddleware(q *QALinker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if q.pipeline == nil || q.history == nil {
			c.AbortWithStatusJSON(
				http.StatusServiceUnavailable,
				httpError{Error: "not ready"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware sets a request ID on the context and response
// headers. A valid UUID sent by the client in the X-Request-ID header
// is reused.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	return setGinContextLogger(c, requestLogger)
}

func setGinContextLogger(c *gin.Context, logger *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger := logger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration, status code and any errors added to the gin context.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				response,
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				response,
			)
		}
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
