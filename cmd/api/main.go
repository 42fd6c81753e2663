package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jun/postlock/internal/app"
)

func main() {
	cfg, err := app.LoadConfig("")
	if err != nil {
		panic(err)
	}
	logger := app.NewLogger(os.Stdout, cfg)

	ctx := context.Background()
	application, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}

	// Runs between invocations while the execution environment stays warm.
	application.StartReaper(ctx)
	lambda.Start(application.HandleRequest)
}
