package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pyramidview/internal/cache"
	"pyramidview/internal/config"
	"pyramidview/internal/controller"
	"pyramidview/internal/executor"
	httphandlers "pyramidview/internal/http"
	"pyramidview/internal/image_list"
	"pyramidview/internal/logger"
	"pyramidview/internal/raster"
	"pyramidview/internal/viewer"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	if cfg.UsesVips() {
		shutdown := raster.StartVips(cfg.VipsMaxCacheMB, cfg.VipsConcurrency, log)
		defer shutdown()
	}

	log.Info("Starting pyramid viewer",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("decoder", cfg.Decoder),
		zap.String("store", cfg.Store),
	)

	scanner := image_list.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	store, err := cache.NewStore(cfg.Store, cfg.StoreMaxImages, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	decoder, err := raster.NewDecoder(cfg.Decoder, log)
	if err != nil {
		log.Fatal("Failed to initialize decoder", zap.Error(err))
	}

	filter, err := raster.ParseFilter(cfg.ScaleFilter)
	if err != nil {
		log.Fatal("Failed to initialize scaler", zap.Error(err))
	}

	pool := executor.NewPool(cfg.Workers, log)
	scaler := raster.NewScaler(filter)

	log.Info("Worker pool ready",
		zap.Int("workers", pool.Workers()),
		zap.String("scale_filter", string(scaler.Filter())),
	)

	v := viewer.New(cfg.RequestTimeout, log)
	ctrl := controller.New(store, pool, decoder, scaler, v, log)
	v.Attach(ctrl)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
			log.Error("Controller stopped", zap.Error(err))
		}
	}()

	handlers := httphandlers.New(cfg, log, scanner, v, ctrl)

	if cfg.WarmupImages > 0 {
		go warmup(ctx, cfg.WarmupImages, cfg.WarmupLayers, scanner, v, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	stop()
	pool.Wait()

	log.Info("Server stopped")
}

// warmup loads the first images of the data directory and builds their
// first layers, going through the viewer like any client would.
func warmup(ctx context.Context, images, layers int, scanner *image_list.Scanner, v *viewer.Viewer, log *zap.Logger) {
	files := scanner.GetImages()
	if len(files) > images {
		files = files[:images]
	}
	if len(files) == 0 {
		return
	}

	log.Info("Starting warmup", zap.Int("images", len(files)), zap.Int("layers", layers))
	start := time.Now()

	for _, f := range files {
		loaded, err := v.Load(ctx, f.Path)
		if err != nil {
			log.Warn("Warmup load failed", zap.String("path", f.Path), zap.Error(err))
			return
		}
		if !loaded.Loaded {
			log.Debug("Warmup skipped undecodable image", zap.String("path", f.Path))
			continue
		}

		for layer := 1; layer <= layers && layer <= loaded.LayerCount; layer++ {
			if _, err := v.Layer(ctx, layer); err != nil {
				log.Warn("Warmup layer failed", zap.String("path", f.Path), zap.Int("layer", layer), zap.Error(err))
				return
			}
		}
	}

	// Clear the selection.
	if _, err := v.Load(ctx, ""); err != nil {
		log.Warn("Warmup reset failed", zap.Error(err))
	}

	log.Info("Warmup completed", zap.Duration("took", time.Since(start)))
}
