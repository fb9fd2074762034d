package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// servers groups the listeners run by the process. The gRPC fields are
// optional.
type servers struct {
	http         *http.Server
	httpListener net.Listener

	grpc         *grpc.Server
	grpcListener net.Listener
	health       *health.Server
}

func serve(s servers, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveWithOptions(s, shutdownTimeout, logger, nil)
}

// serveWithOptions runs the servers until one fails or a signal arrives,
// then drains both within shutdownTimeout. A nil signalCh listens for
// SIGINT and SIGTERM.
func serveWithOptions(s servers, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.httpListener != nil {
			err = s.http.Serve(s.httpListener)
		} else {
			err = s.http.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	grpcErrCh := make(chan error, 1)
	if s.grpc != nil {
		go func() {
			grpcErrCh <- s.grpc.Serve(s.grpcListener)
		}()
	}

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
		s.stopGRPC(shutdownTimeout)
		return err
	case err := <-grpcErrCh:
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.http.Shutdown(ctx)
		<-errCh
		if err == nil {
			err = errors.New("grpc server stopped unexpectedly")
		}
		return fmt.Errorf("grpc server: %w", err)
	case sig, ok := <-sigCh:
		if !ok {
			err := <-errCh
			s.stopGRPC(shutdownTimeout)
			return err
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		grpcDone := make(chan struct{})
		go func() {
			s.stopGRPC(shutdownTimeout)
			close(grpcDone)
		}()

		if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-grpcDone
		return <-errCh
	}
}

// stopGRPC drains in-flight RPCs, forcing a stop after timeout.
func (s servers) stopGRPC(timeout time.Duration) {
	if s.grpc == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		s.grpc.Stop()
		<-stopped
	}
}
