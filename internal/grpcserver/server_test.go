package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/aneurysm-check/internal/classify"
	"github.com/example/aneurysm-check/internal/logging"
	"github.com/example/aneurysm-check/internal/nifti"
	"github.com/example/aneurysm-check/internal/pipeline"
	"github.com/example/aneurysm-check/internal/preprocess"
)

type stubPredictor struct {
	got []byte
	err error
}

func (s *stubPredictor) PredictBytes(_ context.Context, data []byte) (string, *pipeline.Prediction, error) {
	s.got = data
	if s.err != nil {
		return "req-1", nil, s.err
	}
	return "req-1", &pipeline.Prediction{Result: classify.Result{Index: 1, Label: classify.DefaultLabels[1]}}, nil
}

func TestServicePredictMapsErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		err  error
		code codes.Code
	}{
		{name: "ok", in: []byte("v"), code: codes.OK},
		{name: "empty", in: nil, code: codes.InvalidArgument},
		{name: "format", in: []byte("v"), err: logging.NewOperationError("pipeline.load_volume", "", nifti.ErrFormat), code: codes.InvalidArgument},
		{name: "dimension", in: []byte("v"), err: preprocess.ErrDimension, code: codes.InvalidArgument},
		{name: "runtime", in: []byte("v"), err: errors.New("boom"), code: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&stubPredictor{err: tt.err}, zap.NewNop())
			out, err := svc.Predict(context.Background(), wrapperspb.Bytes(tt.in))
			assert.Equal(t, tt.code, status.Code(err))
			if tt.code == codes.OK {
				assert.Equal(t, classify.DefaultLabels[1], out.GetValue())
			}
		})
	}
}

func TestServerOverBufconn(t *testing.T) {
	predictor := &stubPredictor{}
	lis := bufconn.Listen(1 << 20)
	srv, _ := NewServer(NewService(predictor, zap.NewNop()), 1<<20, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	out := new(wrapperspb.StringValue)
	require.NoError(t, conn.Invoke(context.Background(), PredictMethod, wrapperspb.Bytes([]byte("volume")), out))
	assert.Equal(t, classify.DefaultLabels[1], out.GetValue())
	assert.Equal(t, []byte("volume"), predictor.got)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
