// Package app wires the signing service and its backing infrastructure from
// configuration. It is shared by the API server and the reminder worker.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"dealer-portal/esign-backend/internal/config"
	"dealer-portal/esign-backend/internal/database"
	"dealer-portal/esign-backend/internal/notifications"
	"dealer-portal/esign-backend/internal/notifications/websocket"
	"dealer-portal/esign-backend/internal/signing"
	"dealer-portal/esign-backend/pkg/pdf"
	"dealer-portal/esign-backend/pkg/security"
	"dealer-portal/esign-backend/pkg/storage"
)

type App struct {
	Config     *config.Config
	DB         *sqlx.DB
	Repository signing.Repository
	Storage    storage.Client
	Identity   security.IdentityProvider
	Realtime   *websocket.Manager
	Dispatcher *notifications.Dispatcher
	Service    signing.Service

	logger  *zap.Logger
	closers []func()
}

// New builds every component. With realtime set, a websocket hub is started
// and used as a notification sink.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, realtime bool) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	if err := a.build(ctx, realtime); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, realtime bool) error {
	cfg := a.Config

	repo, err := a.repository(ctx)
	if err != nil {
		return err
	}
	a.Repository = repo

	store, err := a.storage(ctx)
	if err != nil {
		return err
	}
	a.Storage = store

	identity, err := a.identity()
	if err != nil {
		return err
	}
	a.Identity = identity

	if realtime {
		a.Realtime = websocket.NewManager(a.logger, cfg.Server.AllowedOrigins)
		a.closers = append(a.closers, a.Realtime.Close)
	}

	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return err
	}
	a.Dispatcher = dispatcher

	a.Service = signing.NewService(
		a.Repository,
		a.Identity,
		a.Storage,
		pdf.NewStamper(cfg.Signing.DateLayout, cfg.Signing.LabelFontSize),
		a.Dispatcher,
		signing.Options{Signing: cfg.Signing, PresignTTL: cfg.Storage.PresignTTL},
		a.logger,
	)
	return nil
}

func (a *App) repository(ctx context.Context) (signing.Repository, error) {
	cfg := a.Config
	switch cfg.Database.Driver {
	case config.DriverDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Dynamo.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Dynamo.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Dynamo.Endpoint)
			}
		})
		a.logger.Info("Using DynamoDB repository", zap.String("table", cfg.Dynamo.Table))
		return signing.NewDynamoRepository(client, signing.DynamoTables{
			Table:      cfg.Dynamo.Table,
			TokenIndex: cfg.Dynamo.TokenIndex,
			OwnerIndex: cfg.Dynamo.OwnerIndex,
		}), nil
	default:
		if cfg.Database.RunMigrations {
			if err := database.Migrate(cfg.Database.GetDatabaseURL(), a.logger); err != nil {
				return nil, err
			}
		}
		db, err := database.Connect(ctx, cfg.Database, a.logger)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, func() { _ = db.Close() })
		return signing.NewRepository(db), nil
	}
}

func (a *App) storage(ctx context.Context) (storage.Client, error) {
	cfg := a.Config.Storage
	if cfg.Driver == config.StorageMemory {
		a.logger.Warn("Using in-memory document storage; documents are lost on restart")
		return storage.NewMemoryClient(cfg.Bucket), nil
	}
	return storage.NewS3Client(ctx, storage.S3Options{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
}

// identity chains every configured bearer credential provider.
func (a *App) identity() (security.IdentityProvider, error) {
	cfg := a.Config.Auth
	var providers []security.IdentityProvider
	if cfg.JWTSecret != "" {
		providers = append(providers, security.NewJWTProvider(cfg.JWTSecret, cfg.Issuer, cfg.Leeway))
	}
	if cfg.JWKSURL != "" {
		jwks, err := security.NewJWKSProvider(cfg.JWKSURL, cfg.Issuer, cfg.JWKSRefresh, cfg.Leeway, a.logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, jwks)
	}
	if cfg.UserEndpoint != "" {
		providers = append(providers, security.NewRemoteProvider(
			cfg.UserEndpoint, cfg.UserPath, cfg.UserAPIKey, cfg.UserCacheSize, cfg.UserCacheTTL, a.logger))
	}
	if len(providers) == 0 {
		a.logger.Warn("No identity provider configured; only capability tokens can sign")
	}
	return security.NewChainProvider(providers...), nil
}

func (a *App) dispatcher(ctx context.Context) (*notifications.Dispatcher, error) {
	cfg := a.Config
	var sinks []notifications.Sink

	if cfg.Notifications.SESFromAddress != "" || cfg.Notifications.SNSTopicARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Notifications.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		if cfg.Notifications.SESFromAddress != "" {
			sinks = append(sinks, notifications.NewEmailSink(sesv2.NewFromConfig(awsCfg), cfg.Notifications.SESFromAddress))
		}
		if cfg.Notifications.SNSTopicARN != "" {
			sinks = append(sinks, notifications.NewTopicSink(sns.NewFromConfig(awsCfg), cfg.Notifications.SNSTopicARN))
		}
	}
	if a.Realtime != nil {
		sinks = append(sinks, notifications.NewRealtimeSink(a.Realtime))
	}

	var recorder notifications.DeliveryRecorder
	if cfg.Notifications.DeliveryLog && cfg.Database.Driver == config.DriverPostgres {
		db, err := notifications.OpenPostgres(cfg.Database.GetDatabaseURL())
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		}
		deliveryLog, err := notifications.NewGormDeliveryLog(db)
		if err != nil {
			return nil, err
		}
		recorder = deliveryLog
	}

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	a.logger.Info("Notification sinks configured",
		zap.Strings("sinks", names),
		zap.Bool("delivery_log", recorder != nil))

	return notifications.NewDispatcher(a.logger, cfg.Notifications.DispatchTimeout, recorder, sinks...), nil
}

// Close releases connections and stops the websocket hub, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
