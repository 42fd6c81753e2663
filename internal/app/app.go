package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jun/postlock/internal/handler"
	"github.com/jun/postlock/internal/lock"
	"github.com/jun/postlock/internal/metrics"
	"github.com/jun/postlock/internal/secret"
)

// App holds the dependencies for the Lambda function and the local server.
type App struct {
	cfg              Config
	logger           *slog.Logger
	lockHandler      *handler.LockHandler
	manager          *lock.Manager
	metrics          *metrics.Prom
	apiGatewaySecret string
}

// NewApp initializes the application dependencies from the AWS environment.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	var resolver secret.Resolver
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
		logger.Info("using EnvResolver (DEV_MODE=true)")
	} else {
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
		logger.Info("using SSMResolver (SSM Parameter Store)")
	}

	var store lock.DynamoAPI
	if cfg.LockBackend == BackendDynamoDB {
		store = dynamodb.NewFromConfig(awsCfg)
	}
	return New(ctx, cfg, resolver, store, logger)
}

// New wires an App from already constructed collaborators. dynamo is only
// used when cfg.LockBackend is BackendDynamoDB.
func New(ctx context.Context, cfg Config, resolver secret.Resolver, dynamo lock.DynamoAPI, logger *slog.Logger) (*App, error) {
	secrets, err := secret.Load(ctx, resolver, cfg.JWTSecretParam, cfg.APIGatewaySecretParam, cfg.DevMode)
	if err != nil {
		return nil, err
	}
	if secrets.JWT == secret.DevJWTSecret {
		logger.Warn("JWT_SECRET not set, using development default")
	}

	prom := metrics.NewProm(prometheus.NewRegistry())
	opts := []lock.Option{
		lock.WithTimeout(cfg.LockTimeout),
		lock.WithReapInterval(cfg.ReapInterval),
		lock.WithLogger(logger),
		lock.WithMetrics(prom),
	}

	a := &App{
		cfg:              cfg,
		logger:           logger,
		metrics:          prom,
		apiGatewaySecret: secrets.OriginVerify,
	}

	var locker lock.Locker
	switch cfg.LockBackend {
	case BackendDynamoDB:
		if dynamo == nil {
			return nil, fmt.Errorf("lock backend %q needs a DynamoDB client", cfg.LockBackend)
		}
		locker = lock.NewDynamoStore(dynamo, cfg.LocksTable, opts...)
		logger.Info("using DynamoDB lock store", "table", cfg.LocksTable)
	default:
		a.manager = lock.NewManager(opts...)
		locker = a.manager
		logger.Info("using in-memory lock manager")
	}

	a.lockHandler = handler.NewLockHandler(locker, secrets.JWT, cfg.ForceReleaseRoles, logger)
	return a, nil
}

// StartReaper runs the in-memory reaper in the background until ctx is done.
// DynamoDB-backed deployments rely on table TTL instead.
func (app *App) StartReaper(ctx context.Context) {
	if app.manager != nil {
		go app.manager.Run(ctx)
	}
}

// MetricsHandler exposes the lock metrics for scraping.
func (app *App) MetricsHandler() http.Handler {
	return app.metrics.Handler()
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	app.logger.Debug("request", "method", method, "path", path)

	// CORS Preflight
	if method == http.MethodOptions {
		return app.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Only CloudFront knows the origin-verify secret.
	if !app.cfg.DevMode {
		if req.Headers["X-Origin-Verify"] != app.apiGatewaySecret && req.Headers["x-origin-verify"] != app.apiGatewaySecret {
			app.logger.Warn("missing or invalid X-Origin-Verify header", "path", path)
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	// Strip /api prefix if present (for CloudFront proxying)
	path = strings.TrimPrefix(path, "/api")

	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}

	// /locks/{resourceId}
	if strings.HasPrefix(path, "/locks/") {
		resourceID := strings.Trim(strings.TrimPrefix(path, "/locks/"), "/")
		if resourceID != "" && !strings.Contains(resourceID, "/") {
			req.PathParameters["resourceId"] = resourceID

			switch method {
			case http.MethodGet:
				return app.corsResponse(app.must(app.lockHandler.GetStatus(ctx, req))), nil
			case http.MethodPost:
				return app.corsResponse(app.must(app.lockHandler.Acquire(ctx, req))), nil
			case http.MethodPut:
				return app.corsResponse(app.must(app.lockHandler.Heartbeat(ctx, req))), nil
			case http.MethodDelete:
				return app.corsResponse(app.must(app.lockHandler.Release(ctx, req))), nil
			default:
				return app.corsResponse(events.APIGatewayProxyResponse{
					StatusCode: http.StatusMethodNotAllowed,
					Headers:    map[string]string{"Allow": "GET,POST,PUT,DELETE"},
					Body:       fmt.Sprintf("Method Not Allowed: %s", method),
				}), nil
			}
		}
	}

	return app.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func (app *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = app.cfg.FrontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PUT,DELETE,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, turning an error into a 500.
func (app *App) must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		app.logger.Error("handler error", "error", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
