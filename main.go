package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/nicolastibata/catdog-classifier/internal/artifact"
	"github.com/nicolastibata/catdog-classifier/internal/classifier"
	"github.com/nicolastibata/catdog-classifier/internal/config"
	"github.com/nicolastibata/catdog-classifier/internal/handlers"
	"github.com/nicolastibata/catdog-classifier/internal/logging"
	"github.com/nicolastibata/catdog-classifier/internal/samples"
	"github.com/nicolastibata/catdog-classifier/internal/session"
	"github.com/nicolastibata/catdog-classifier/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fetcher := artifact.NewFetcher(cfg.ModelURL, cfg.ModelPath, cfg.ModelSHA256, logger)
	modelPath, err := fetcher.Fetch(ctx)
	if err != nil {
		logger.Fatal("model artifact unavailable", zap.Error(err))
	}

	meta, err := classifier.LoadMetadata(cfg.MetadataPath, classifier.Metadata{
		Labels:    cfg.Labels,
		ImageSize: cfg.ImageSize,
	})
	if err != nil {
		logger.Fatal("invalid model metadata", zap.Error(err))
	}

	// The single failure boundary of the demo: without a loaded model there
	// is nothing to serve.
	model, err := classifier.New(modelPath, cfg.OrtLibraryPath, meta, logger)
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}
	defer model.Close()

	cache := initCache(ctx, cfg, logger)
	store := session.NewStore(cache, cfg.SessionTTL, logger)
	library := samples.NewLibrary(cfg.SamplesDir)
	uc := usecase.NewClassifyUseCase(store, model, library, modelPath, logger)

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadSize

	handlers.RegisterRoutes(r, uc, cfg.MaxUploadSize)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	logger.Info("classifier demo listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("model", modelPath),
		zap.Strings("labels", meta.Labels))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initCache picks the session backend: Redis when configured, otherwise the
// in-process store that keeps the demo dependency-free on a workstation.
func initCache(ctx context.Context, cfg config.Config, logger *zap.Logger) session.Cache {
	if cfg.RedisAddr == "" {
		logger.Info("no redis configured, using in-memory session store")
		return session.NewMemoryCache()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	logger.Info("using redis session store", zap.String("addr", cfg.RedisAddr))
	return session.NewRedisCache(client)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
