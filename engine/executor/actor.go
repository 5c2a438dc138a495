package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/inference-sim/inference-serve/engine"
	"github.com/inference-sim/inference-serve/engine/worker"
)

const (
	actorServiceName = "inferserve.Actor"
	stepMethod       = "/" + actorServiceName + "/Step"
	dropMethod       = "/" + actorServiceName + "/Drop"
	codecName        = "json"
)

// StepRequest carries one actor's shard of a batch.
type StepRequest struct {
	Sequences []worker.Sequence `json:"sequences"`
}

// StepResponse carries the outputs for a StepRequest, one per sequence.
type StepResponse struct {
	Outputs []worker.Output `json:"outputs"`
}

// DropRequest asks an actor to free one sequence.
type DropRequest struct {
	ID string `json:"id"`
}

type DropResponse struct{}

// jsonCodec lets the actor service run over gRPC without generated protobuf
// types. Clients select it with grpc.CallContentSubtype(codecName).
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type actorService interface {
	Step(context.Context, *StepRequest) (*StepResponse, error)
	Drop(context.Context, *DropRequest) (*DropResponse, error)
}

var actorServiceDesc = grpc.ServiceDesc{
	ServiceName: actorServiceName,
	HandlerType: (*actorService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Step", Handler: actorStepHandler},
		{MethodName: "Drop", Handler: actorDropHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inferserve/actor",
}

func actorStepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StepRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(actorService).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stepMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(actorService).Step(ctx, req.(*StepRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func actorDropHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DropRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(actorService).Drop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: dropMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(actorService).Drop(ctx, req.(*DropRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Actor serves decode steps for the cluster backend. It wraps one worker and
// is usually its own process, started with the "actor" command.
type Actor struct {
	name   string
	worker *worker.Worker
}

// NewActor creates an actor running model.
func NewActor(name string, model worker.Model) *Actor {
	return &Actor{name: name, worker: worker.New(model)}
}

// Register adds the actor service to s.
func (a *Actor) Register(s *grpc.Server) {
	s.RegisterService(&actorServiceDesc, a)
}

func (a *Actor) Step(ctx context.Context, req *StepRequest) (*StepResponse, error) {
	outs, err := a.worker.Step(ctx, req.Sequences)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, status.FromContextError(ctxErr).Err()
		}
		logrus.Errorf("actor %s: step of %d sequences failed: %v", a.name, len(req.Sequences), err)
		return nil, status.Errorf(codes.Internal, "actor %s: %v", a.name, err)
	}
	return &StepResponse{Outputs: outs}, nil
}

func (a *Actor) Drop(_ context.Context, req *DropRequest) (*DropResponse, error) {
	a.worker.Drop(req.ID)
	return &DropResponse{}, nil
}

// Len returns the number of sequences the actor holds state for.
func (a *Actor) Len() int {
	return a.worker.Len()
}

// Serve runs an actor on lis until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, lis net.Listener, a *Actor) error {
	srv := grpc.NewServer()
	a.Register(srv)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	logrus.Infof("actor %s listening on %s", a.name, lis.Addr())

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("actor %s: %w", a.name, err)
	}
}

// StartLocalActors starts n actors on loopback listeners, for running the
// cluster backend inside one process. The returned func stops them all.
func StartLocalActors(n int, model engine.ModelConfig) ([]string, func(), error) {
	if n <= 0 {
		return nil, nil, fmt.Errorf("need at least one local actor, got %d", n)
	}
	m, err := NewModel(model)
	if err != nil {
		return nil, nil, err
	}
	servers := make([]*grpc.Server, 0, n)
	stop := func() {
		for _, s := range servers {
			s.Stop()
		}
	}
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("listen for local actor %d: %w", i, err)
		}
		srv := grpc.NewServer()
		NewActor(fmt.Sprintf("local-%d", i), m).Register(srv)
		go func() { _ = srv.Serve(lis) }()
		servers = append(servers, srv)
		addrs = append(addrs, lis.Addr().String())
	}
	logrus.Infof("started %d local actors: %v", n, addrs)
	return addrs, stop, nil
}
