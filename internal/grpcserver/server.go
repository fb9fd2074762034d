// Package grpcserver exposes the predictor over gRPC. Messages are the
// well-known wrapper types so no generated code is needed: the request is
// the raw NIfTI file as BytesValue and the reply is the label as
// StringValue.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/aneurysm-check/internal/nifti"
	"github.com/example/aneurysm-check/internal/pipeline"
	"github.com/example/aneurysm-check/internal/preprocess"
	"github.com/example/aneurysm-check/internal/usecase"
)

const (
	// ServiceName is the fully qualified predictor service.
	ServiceName = "aneurysm.v1.Predictor"
	// PredictMethod is the full method name of the Predict RPC.
	PredictMethod = "/" + ServiceName + "/Predict"
	// RequestIDHeader carries the request id in response metadata.
	RequestIDHeader = "x-request-id"
)

// PredictorServer is the server API for the predictor service.
type PredictorServer interface {
	Predict(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PredictorServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// PredictorServiceDesc describes the predictor service for
// grpc.ServiceRegistrar.RegisterService.
var PredictorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PredictorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aneurysm/v1/predictor.proto",
}

// BytesPredictor classifies an in-memory NIfTI file.
// *usecase.PredictionUseCase satisfies it.
type BytesPredictor interface {
	PredictBytes(ctx context.Context, data []byte) (string, *pipeline.Prediction, error)
}

// Service implements PredictorServer.
type Service struct {
	predictor BytesPredictor
	logger    *zap.Logger
}

// NewService builds the predictor service.
func NewService(predictor BytesPredictor, logger *zap.Logger) *Service {
	return &Service{predictor: predictor, logger: logger.Named("grpc_predictor")}
}

// Predict implements PredictorServer.
func (s *Service) Predict(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty volume")
	}

	requestID, prediction, err := s.predictor.PredictBytes(ctx, in.GetValue())
	if requestID != "" {
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(prediction.Label), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, nifti.ErrFormat), errors.Is(err, preprocess.ErrDimension), errors.Is(err, usecase.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "prediction failed")
	}
}

// NewServer builds a gRPC server carrying the predictor and the standard
// health service. maxMsgBytes bounds the request size.
func NewServer(svc *Service, maxMsgBytes int, logger *zap.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgBytes),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger.Named("grpc"))),
	)
	srv.RegisterService(&PredictorServiceDesc, svc)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)
	return srv, healthSrv
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("latency", time.Since(start)),
		}
		switch code {
		case codes.OK:
			logger.Info("grpc request", fields...)
		case codes.Internal, codes.Unknown:
			logger.Error("grpc request failed", append(fields, zap.Error(err))...)
		default:
			logger.Warn("grpc request", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}
