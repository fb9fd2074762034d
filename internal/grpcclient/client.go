package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/aneurysm-check/internal/grpcserver"
	"github.com/example/aneurysm-check/internal/logging"
)

// DialPredictor returns a ready-to-use client for a remote predictor
// service. maxMsgBytes bounds the request size the client will send.
func DialPredictor(ctx context.Context, addr string, maxMsgBytes int, logger *zap.Logger, opts ...grpc.DialOption) (*Predictor, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMsgBytes)),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_predictor", "", err)
		logger.Error("failed to dial predictor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &Predictor{conn: conn, logger: logger}, conn, nil
}

// Predictor calls the Predict RPC.
type Predictor struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// Predict sends a NIfTI file and returns the label and the server's
// request id.
func (p *Predictor) Predict(ctx context.Context, volume []byte) (string, string, error) {
	out := new(wrapperspb.StringValue)
	var header metadata.MD
	err := p.conn.Invoke(ctx, grpcserver.PredictMethod, wrapperspb.Bytes(volume), out, grpc.Header(&header))

	var requestID string
	if ids := header.Get(grpcserver.RequestIDHeader); len(ids) > 0 {
		requestID = ids[0]
	}
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", requestID, err)
		p.logger.Error("predictor call failed", zap.Error(wrapped))
		return "", requestID, wrapped
	}
	return out.GetValue(), requestID, nil
}
