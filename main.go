package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/dmorgan81/gridbot/internal/config"
	"github.com/dmorgan81/gridbot/internal/handler"
	"github.com/dmorgan81/gridbot/internal/inject"
	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/samber/do"
)

func main() {
	logger := log.New(os.Stderr, log.ParseLevel(os.Getenv("LOG_LEVEL")))
	ctx := log.NewContext(context.Background(), logger)
	injector := inject.Setup(ctx, config.Load(ctx))

	if err := do.MustInvoke[*sequencer.Sequencer](injector).LoadModels(ctx); err != nil {
		logger.Warn("starting without models", "error", err)
	}

	handler := do.MustInvoke[*handler.Handler](injector)
	lambda.StartWithOptions(handler.Handle, lambda.WithContext(ctx), lambda.WithEnableSIGTERM(func() {
		_ = injector.Shutdown()
	}))
}
