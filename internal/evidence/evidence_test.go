package evidence

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region mock
type fakeConn struct {
	method string
	req    *structpb.Struct
	resp   *structpb.Struct
	err    error
}

func (f *fakeConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	proto.Merge(reply.(*structpb.Struct), f.resp)
	return nil
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not implemented")
}

// #endregion mock

func TestGRPCSourceParsesEvidence(t *testing.T) {
	resp, _ := structpb.NewStruct(map[string]any{"mx_evidence": 0.7, "mx_confirm": true})
	conn := &fakeConn{resp: resp}
	src := NewGRPCSourceWithConn(conn, time.Second)

	ev, err := src.Evidence(context.Background(), "d1", 42)
	if err != nil {
		t.Fatalf("Evidence: %v", err)
	}
	if !ev.Present || ev.Value != 0.7 || !ev.Confirm {
		t.Fatalf("unexpected evidence %+v", ev)
	}
	if conn.method != GetEvidenceMethod {
		t.Fatalf("unexpected method %s", conn.method)
	}
	if conn.req.GetFields()["detector_id"].GetStringValue() != "d1" || conn.req.GetFields()["window_id"].GetNumberValue() != 42 {
		t.Fatalf("unexpected request %v", conn.req)
	}
}

func TestGRPCSourceNotFoundIsMissing(t *testing.T) {
	src := NewGRPCSourceWithConn(&fakeConn{err: status.Error(codes.NotFound, "none")}, 0)
	ev, err := src.Evidence(context.Background(), "d1", 1)
	if err != nil || ev.Present {
		t.Fatalf("expected missing evidence, got %+v err=%v", ev, err)
	}
}

func TestGRPCSourceSurfacesTransportErrors(t *testing.T) {
	src := NewGRPCSourceWithConn(&fakeConn{err: status.Error(codes.Unavailable, "down")}, 0)
	if _, err := src.Evidence(context.Background(), "d1", 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestFuserCapsCoefficients(t *testing.T) {
	f := NewFuser(Config{Policy: PolicyBoost, Beta: 5, Gamma: 5, HardCap: 0.2})
	adj := f.Adjust(Evidence{Present: true, Value: 1})
	if math.Abs(adj.Boost-0.2) > 1e-15 || adj.Relief != 0 {
		t.Fatalf("boost should be capped at 0.2, got %+v", adj)
	}
	f = NewFuser(Config{Policy: PolicyRelief, Gamma: 0.1, HardCap: 0.2})
	adj = f.Adjust(Evidence{Present: true, Value: 0.5})
	if math.Abs(adj.Relief-0.05) > 1e-15 || adj.Boost != 0 {
		t.Fatalf("unexpected relief %+v", adj)
	}
	if adj := f.Adjust(Evidence{}); adj.Relief != 0 {
		t.Fatal("missing evidence must not adjust")
	}
}

func TestConfigValidateRejectsLargeCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HardCap = 0.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected cap above 0.2 to fail")
	}
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{"d1/3": {Value: 0.4, Confirm: true}}
	ev, _ := src.Evidence(context.Background(), "d1", 3)
	if !ev.Present || !ev.Confirm {
		t.Fatalf("unexpected %+v", ev)
	}
	if ev, _ := src.Evidence(context.Background(), "d1", 4); ev.Present {
		t.Fatal("unknown key should be missing")
	}
}

func TestStrongestFollowsPolicyAndCap(t *testing.T) {
	c := Config{Policy: PolicyBoost, Beta: 0.5, Gamma: 0.1, HardCap: 0.2}
	if adj := c.Strongest(); adj.Boost != 0.2 || adj.Relief != 0 {
		t.Fatalf("boost must be capped, got %+v", adj)
	}
	c.Policy = PolicyRelief
	if adj := c.Strongest(); adj.Relief != 0.1 || adj.Boost != 0 {
		t.Fatalf("relief uses gamma, got %+v", adj)
	}
	c.Policy = PolicyNone
	if adj := c.Strongest(); adj.Boost != 0 || adj.Relief != 0 {
		t.Fatalf("none adjusts nothing, got %+v", adj)
	}
}
