package evidence

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/resonance/internal/stats"
)

// GetEvidenceMethod is the unary RPC served by the evidence service.
const GetEvidenceMethod = "/resonance.evidence.v1.EvidenceService/GetEvidence"

// #region client-struct
// GRPCSource reads evidence over gRPC. Requests and responses are
// google.protobuf.Struct messages with detector_id, window_id, mx_evidence
// and mx_confirm fields.
type GRPCSource struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// #endregion client-struct

// #region constructor
// NewGRPCSource connects to the evidence service.
func NewGRPCSource(addr string, timeout time.Duration) (*GRPCSource, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCSource{conn: conn, closer: conn.Close, timeout: timeout}, nil
}

// NewGRPCSourceWithConn wraps an existing connection. Used for testing
// without a real server.
func NewGRPCSourceWithConn(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCSource {
	return &GRPCSource{conn: conn, timeout: timeout}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (s *GRPCSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// #endregion close

// #region get-evidence
// Evidence implements Source. NotFound maps to missing evidence.
func (s *GRPCSource) Evidence(ctx context.Context, detectorID string, windowID int64) (Evidence, error) {
	req, err := structpb.NewStruct(map[string]any{
		"detector_id": detectorID,
		"window_id":   float64(windowID),
	})
	if err != nil {
		return Evidence{}, fmt.Errorf("build evidence request: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, GetEvidenceMethod, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return Evidence{}, nil
		}
		return Evidence{}, fmt.Errorf("get evidence rpc: %w", err)
	}

	fields := resp.GetFields()
	v, ok := fields["mx_evidence"]
	if !ok {
		return Evidence{}, nil
	}
	ev := Evidence{Present: true, Value: stats.Clip01(v.GetNumberValue())}
	if c, ok := fields["mx_confirm"]; ok {
		switch c.GetKind().(type) {
		case *structpb.Value_BoolValue:
			ev.Confirm = c.GetBoolValue()
		case *structpb.Value_NumberValue:
			ev.Confirm = c.GetNumberValue() == 1
		}
	}
	return ev, nil
}

// #endregion get-evidence
