package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/aneurysm-check/internal/auth"
	"github.com/example/aneurysm-check/internal/classify"
	"github.com/example/aneurysm-check/internal/config"
	"github.com/example/aneurysm-check/internal/grpcclient"
	"github.com/example/aneurysm-check/internal/grpcserver"
	"github.com/example/aneurysm-check/internal/handlers"
	"github.com/example/aneurysm-check/internal/inference"
	"github.com/example/aneurysm-check/internal/logging"
	"github.com/example/aneurysm-check/internal/pipeline"
	"github.com/example/aneurysm-check/internal/preprocess"
	"github.com/example/aneurysm-check/internal/repository"
	"github.com/example/aneurysm-check/internal/usecase"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "predict" {
		os.Exit(runPredict(os.Args[2:]))
	}

	fs := flag.NewFlagSet("aneurysm-check", flag.ExitOnError)
	configPath := fs.String("config", getEnv("ANEURYSM_CONFIG", "config.yaml"), "path to the YAML config file")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Server.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := runServer(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := repository.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Server.Debug, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	accounts := repository.NewAccountRepository(db, logger)
	if err := accounts.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store, err := initRevocationStore(ctx, cfg.Auth.RedisAddr, logger)
	if err != nil {
		return err
	}

	predictor, closeModel, err := initPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer closeModel()

	predictions, err := usecase.NewPredictionUseCase(predictor, cfg.Uploads.Dir, cfg.Uploads.AllowedExtensions, cfg.Uploads.Keep, logger)
	if err != nil {
		return err
	}
	sessions := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.CookieName, store)
	h := handlers.NewHandler(predictions, usecase.NewAccountUseCase(accounts, logger), sessions, handlers.Options{
		MaxUploadBytes:         cfg.Server.MaxUploadBytes,
		RequireLoginForPredict: cfg.Auth.RequireLoginForPredict,
	}, logger)

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(logger))
	handlers.RegisterRoutes(r, h)

	srv := servers{
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		srv.grpc, srv.health = grpcserver.NewServer(
			grpcserver.NewService(predictions, logger),
			grpcMessageLimit(cfg.Server.MaxUploadBytes),
			logger,
		)
		srv.grpcListener = lis
		logger.Info("gRPC predictor listening", zap.String("addr", lis.Addr().String()))
	}

	logger.Info("aneurysm-check listening", zap.String("addr", cfg.Server.Addr))
	return serve(srv, cfg.Server.ShutdownTimeout, logger)
}

// initPipeline opens the model and checks it against the configured input
// size and label table.
func initPipeline(cfg *config.Config, logger *zap.Logger) (*pipeline.Pipeline, func(), error) {
	rt, err := inference.Open(cfg.Model.Runtime, inference.Options{
		ModelPath:   cfg.Model.Path,
		NumThreads:  cfg.Model.NumThreads,
		LibraryPath: cfg.Model.LibraryPath,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	engine, err := inference.NewEngine(rt, logger)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	closeEngine := func() {
		if err := engine.Close(); err != nil {
			logger.Warn("failed to close model", zap.Error(err))
		}
	}

	want := []int64{1, int64(cfg.Model.InputSize), int64(cfg.Model.InputSize), preprocess.Channels}
	if got := engine.InputDescriptor().Shape; !slices.Equal(got, want) {
		closeEngine()
		return nil, nil, fmt.Errorf("model input shape %v does not match configured %v", got, want)
	}

	interpreter, err := classify.NewInterpreter(cfg.Model.Labels)
	if err == nil {
		err = interpreter.CheckOutputSize(engine.OutputDescriptor().Elements())
	}
	if err != nil {
		closeEngine()
		return nil, nil, err
	}

	return pipeline.New(engine, interpreter, cfg.Model.InputSize, logger), closeEngine, nil
}

func initRevocationStore(ctx context.Context, addr string, logger *zap.Logger) (auth.RevocationStore, error) {
	if addr == "" {
		logger.Info("using in-memory session revocation")
		return auth.NewMemoryStore(), nil
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return auth.NewRedisStore(client), nil
}

// grpcMessageLimit leaves room for framing around the largest upload.
func grpcMessageLimit(maxUpload int64) int {
	const overhead = 1 << 10
	const maxInt = int64(^uint(0) >> 1)
	if maxUpload > maxInt-overhead {
		return int(maxInt)
	}
	return int(maxUpload + overhead)
}

// runPredict classifies one file from the command line, either locally or
// against a running gRPC predictor.
func runPredict(args []string) int {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	configPath := fs.String("config", getEnv("ANEURYSM_CONFIG", "config.yaml"), "path to the YAML config file")
	remote := fs.String("remote", "", "address of a gRPC predictor; predicts locally when empty")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: aneurysm-check predict [-config file] [-remote addr] <volume.nii>")
		return 2
	}
	path := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger, err := logging.NewLogger(cfg.Server.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	var label string
	if *remote != "" {
		label, err = predictRemote(ctx, *remote, path, cfg, logger)
	} else {
		label, err = predictLocal(ctx, path, cfg, logger)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, usecase.ErrValidation) {
			return 2
		}
		return 1
	}
	fmt.Println(label)
	return 0
}

func predictLocal(ctx context.Context, path string, cfg *config.Config, logger *zap.Logger) (string, error) {
	p, closeModel, err := initPipeline(cfg, logger)
	if err != nil {
		return "", err
	}
	defer closeModel()

	prediction, err := p.Predict(ctx, path)
	if err != nil {
		return "", err
	}
	return prediction.Label, nil
}

func predictRemote(ctx context.Context, addr, path string, cfg *config.Config, logger *zap.Logger) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	client, conn, err := grpcclient.DialPredictor(ctx, addr, grpcMessageLimit(cfg.Server.MaxUploadBytes), logger)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	label, _, err := client.Predict(ctx, data)
	return label, err
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
