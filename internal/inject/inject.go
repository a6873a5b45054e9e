package inject

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	gridconfig "github.com/dmorgan81/gridbot/internal/config"
	"github.com/dmorgan81/gridbot/internal/feed"
	"github.com/dmorgan81/gridbot/internal/handler"
	"github.com/dmorgan81/gridbot/internal/image"
	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/page"
	"github.com/dmorgan81/gridbot/internal/param"
	"github.com/dmorgan81/gridbot/internal/schedule"
	"github.com/dmorgan81/gridbot/internal/seed"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/dmorgan81/gridbot/internal/server"
	"github.com/dmorgan81/gridbot/internal/store"
	"github.com/samber/do"
)

func Setup(ctx context.Context, cfg *gridconfig.Config) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})
	do.ProvideValue[*slog.Logger](injector, log)
	do.ProvideValue[*gridconfig.Config](injector, cfg)

	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return config.LoadDefaultConfig(ctx)
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*cloudfront.Client](injector, func(i *do.Injector) (*cloudfront.Client, error) {
		return cloudfront.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.ProvideValue[*http.Client](injector, http.DefaultClient)

	do.ProvideNamedValue[string](injector, "image_api_url", cfg.APIURL)
	do.ProvideNamedValue[string](injector, "output_dir", cfg.OutputDir)
	do.ProvideNamedValue[string](injector, "bucket", cfg.Bucket)
	do.ProvideNamedValue[string](injector, "distribution", cfg.Distribution)
	do.ProvideNamedValue[string](injector, "public_url", cfg.PublicURL)
	do.ProvideNamed[string](injector, "image_api_token", func(i *do.Injector) (string, error) {
		if cfg.APITokenParam == "" {
			return "", nil
		}
		return do.MustInvoke[param.Fetcher](i).Fetch(ctx, cfg.APITokenParam)
	})

	do.Provide[param.Fetcher](injector, param.NewParameterStoreFetcher)
	do.Provide[*seed.Randomizer](injector, seed.NewRandomizer)
	do.Provide[*image.PollinationsClient](injector, image.NewPollinationsClient)
	do.Provide[*sequencer.Sequencer](injector, func(i *do.Injector) (*sequencer.Sequencer, error) {
		client := do.MustInvoke[*image.PollinationsClient](i)
		return sequencer.New(ctx, client, client,
			do.MustInvoke[*seed.Randomizer](i),
			schedule.New(),
			sequencer.Options{
				Stagger:      cfg.Stagger,
				Cooldown:     cfg.Cooldown,
				FetchTimeout: cfg.FetchTimeout,
			}), nil
	})

	if cfg.Bucket != "" {
		do.Provide[store.Uploader](injector, func(i *do.Injector) (store.Uploader, error) {
			return store.NewS3Uploader(i)
		})
	} else {
		do.Provide[store.Uploader](injector, func(i *do.Injector) (store.Uploader, error) {
			return store.NewFileUploader(i)
		})
	}
	if cfg.Bucket != "" && cfg.Distribution != "" {
		do.Provide[store.Invalidator](injector, func(i *do.Injector) (store.Invalidator, error) {
			return store.NewCloudFrontInvalidator(i)
		})
	} else {
		do.ProvideValue[store.Invalidator](injector, store.NopInvalidator{})
	}
	do.Provide[*store.Saver](injector, store.NewSaver)

	do.Provide[*page.Templator](injector, page.NewTemplator)
	do.Provide[*feed.Generator](injector, feed.NewGenerator)
	do.Provide[*server.Server](injector, server.NewServer)
	do.Provide[*handler.Handler](injector, handler.NewHandler)

	return injector
}
