package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/battlevote/config"
	"go.uber.org/zap"
)

// GraphQLServer serves the vote API over HTTP.
type GraphQLServer struct {
	schema *graphql.Schema
	engine *gin.Engine
	server *http.Server
	path   string
	logger *zap.Logger
}

func NewGraphQLServer(votes VoteAPI, cfg *config.Config, logger *zap.Logger) *GraphQLServer {
	logger = logger.With(zap.String("module", "graphql"), zap.String("layer", "transport"))
	schema := graphql.MustParseSchema(schemaString, NewResolver(votes, logger),
		graphql.UseFieldResolvers(),
	)

	path := cfg.GraphQL.Path
	if path == "" {
		path = "/graphql"
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	handler := gin.WrapH(&relay.Handler{Schema: schema})
	engine.POST(path, handler)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(playgroundHTML, path)))
	})

	return &GraphQLServer{
		schema: schema,
		engine: engine,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		path:   path,
		logger: logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *GraphQLServer) Handler() http.Handler {
	return s.engine
}

// Start blocks until the server stops. A graceful Shutdown returns nil.
func (s *GraphQLServer) Start() error {
	s.logger.Info("graphql server listening",
		zap.String("addr", s.server.Addr),
		zap.String("path", s.path),
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve graphql: %w", err)
	}
	return nil
}

func (s *GraphQLServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

const playgroundHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>Battle Vote GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function () {
      GraphQLPlayground.init(document.getElementById('root'), { endpoint: '%s' })
    })</script>
</body>
</html>
`
