package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netrax/internal/api"
	"netrax/internal/channel"
	"netrax/internal/commands"
	"netrax/internal/config"
	"netrax/internal/filestore"
	"netrax/internal/http"
	"netrax/internal/logging"
	"netrax/internal/presence"
	"netrax/internal/push"
	"netrax/internal/sender"
	"netrax/internal/storage"
	"netrax/internal/unread"
	"netrax/internal/upload"
	"netrax/internal/ws"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("netrax", flag.ContinueOnError)
	addParticipant := flags.String("add-participant", "", "Username to add to the participant directory")
	displayName := flags.String("display-name", "", "Display name for -add-participant")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addParticipant != "")
	if err != nil {
		return err
	}

	if *addParticipant != "" {
		return commands.AddParticipant(*addParticipant, *displayName, cfg)
	}

	logger, err := logging.New(cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	var files filestore.FileStore
	var localFiles *filestore.LocalFileStore
	var objects filestore.Presigner
	switch cfg.StorageBackend {
	case config.StorageS3:
		var s3Store *filestore.S3Store
		s3Store, err = filestore.NewS3Store(ctx, filestore.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			Endpoint:   cfg.S3Endpoint,
			BaseURL:    cfg.BaseURL,
			PublicRead: cfg.S3PublicRead,
			PresignTTL: cfg.S3PresignTTL,
		})
		files, objects = s3Store, s3Store
	default:
		localFiles, err = filestore.NewLocalFileStore(cfg.UploadsPath, cfg.BaseURL)
		files = localFiles
	}
	if err != nil {
		return fmt.Errorf("failed to initialize file store: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	tracker := presence.NewTracker()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		mirror := presence.NewRedisMirror(client, cfg.RedisPrefix, tracker, logger)
		g.Go(func() error {
			if err := mirror.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	var hub *ws.Hub
	var observers []sender.Observer
	if cfg.PushEnabled() {
		observers = append(observers, push.NewNotifier(bbStorage, push.OnlineFunc(func(username string) bool {
			return hub.IsConnected(username)
		}), push.Keys{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subscriber: cfg.VAPIDSubscriber,
		}, logger))
	}
	snd := sender.New(bbStorage, logger, observers...)
	defer snd.Wait()

	hub = ws.NewHub(
		bbStorage,
		channel.New(bbStorage, logger),
		snd,
		tracker,
		func(viewer string) unread.StateStore { return bbStorage.ViewerState(viewer) },
		logger,
	)
	defer hub.Close()

	authenticator := api.NewHeaderAuthenticator(cfg.IdentityHeader, bbStorage)
	apiHandlers := api.New(api.Deps{
		Auth:           authenticator,
		Hub:            hub,
		Storage:        bbStorage,
		Uploader:       upload.New(files, logger),
		Sender:         snd,
		LocalFiles:     localFiles,
		Objects:        objects,
		MaxUploadSize:  cfg.MaxUploadSize,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		Logger:         logger,
	})

	adminServer := http.NewAdminServer(api.NewAdminHandler(bbStorage, hub, logger), cfg.AdminAddr, logger)
	apiServer := http.NewAPIServer(gCtx, apiHandlers, ws.NewServer(authenticator, hub, logger), cfg.APIAddr, logger)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
