// Package grpc provides the control-plane gRPC service for a running
// simulation: status, membership, per-agent books and round advancement.
package grpc

import (
	"context"
	"encoding/json"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/runtime"
	"github.com/agorasim-collective/marketcore/simengine/scheduler"
	"github.com/agorasim-collective/marketcore/simengine/typeutil"
)

// ControlServiceName is the fully qualified gRPC service name.
const ControlServiceName = "marketcore.v1.ControlService"

// ControlService is the RPC surface of a running simulation. Requests and
// responses travel as structpb Structs: the schema is small and clients are
// dynamic, so a hand-maintained descriptor stands in for generated stubs.
type ControlService interface {
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListAgents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetAgentBooks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AdvanceRounds(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ControlServer implements ControlService over a scheduler and a runner.
// Thread-safe: the runner is swappable behind runnerMu.
type ControlServer struct {
	logger    marketmsg.Logger
	scheduler *scheduler.Scheduler

	runnerMu sync.RWMutex
	runner   *runtime.Runner
}

var _ ControlService = (*ControlServer)(nil)

// NewControlServer creates a control server for a scheduler. The runner is
// attached separately so the control surface can come up before behaviors
// are bound.
func NewControlServer(sched *scheduler.Scheduler, logger marketmsg.Logger) *ControlServer {
	if logger == nil {
		logger = marketmsg.NoOpLogger{}
	}
	return &ControlServer{
		logger:    logger,
		scheduler: sched,
	}
}

// SetRunner attaches the runner used by AdvanceRounds.
// Thread-safe: can be called concurrently with other methods.
func (s *ControlServer) SetRunner(r *runtime.Runner) {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()
	s.runner = r
}

func (s *ControlServer) getRunner() *runtime.Runner {
	s.runnerMu.RLock()
	defer s.runnerMu.RUnlock()
	return s.runner
}

// =============================================================================
// RPC Methods
// =============================================================================

// GetStatus returns the scheduler status snapshot: round, phase, membership
// and mail backlog.
func (s *ControlServer) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resp, err := structFromAny(s.scheduler.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}

	s.logger.Debug("status_served", "round", s.scheduler.Clock().Round())
	return resp, nil
}

// ListAgents returns every control block the scheduler tracks, current and
// departed, in stable identity order.
func (s *ControlServer) ListAgents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	blocks := s.scheduler.ListAgents()
	agents := make([]any, 0, len(blocks))
	for _, acb := range blocks {
		agents = append(agents, map[string]any{
			"id":            acb.ID.String(),
			"state":         string(acb.State),
			"joined_round":  acb.JoinedRound,
			"left_round":    acb.LeftRound,
			"cleared_steps": acb.ClearedSteps,
		})
	}

	resp, err := structFromAny(map[string]any{
		"agents": agents,
		"total":  len(blocks),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode agents: %v", err)
	}
	return resp, nil
}

// GetAgentBooks returns one agent's inventory and book counts. The request
// carries "agent" (group:num) and optionally "goods", a list restricting the
// inventory to the named goods.
func (s *ControlServer) GetAgentBooks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()

	agentField := typeutil.SafeStringDefault(fields["agent"], "")
	if agentField == "" {
		return nil, status.Error(codes.InvalidArgument, "agent is required")
	}
	id, err := marketmsg.ParseAgentID(agentField)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	acb, ok := s.scheduler.Agent(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown agent: %s", id)
	}

	books := acb.Agent.Books()
	inventory := books.Inventory.Haves()
	if goods, ok := typeutil.SafeStringSlice(fields["goods"]); ok && len(goods) > 0 {
		filtered := make(map[string]float64, len(goods))
		for _, good := range goods {
			if qty, held := inventory[good]; held {
				filtered[good] = qty
			}
		}
		inventory = filtered
	}

	resp, err := structFromAny(map[string]any{
		"agent":            id.String(),
		"state":            string(acb.State),
		"inventory":        inventory,
		"open_buy_offers":  books.OpenBuyOffers.Count(),
		"open_sell_offers": books.OpenSellOffers.Count(),
		"given_offers":     len(books.GivenOffers),
		"quotes":           len(books.Quotes),
		"queued_topics":    acb.Agent.Mailbox().QueuedTopics(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode books: %v", err)
	}

	s.logger.Debug("agent_books_served", "agent", id.String())
	return resp, nil
}

// AdvanceRounds drives the attached runner for "rounds" rounds (default 1).
// Optional "mode" and "workers" fields override the global run configuration
// for this call.
func (s *ControlServer) AdvanceRounds(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()

	opts := runtime.RunOptions{
		Rounds: typeutil.SafeIntDefault(fields["rounds"], 1),
	}
	if opts.Rounds <= 0 {
		return nil, status.Error(codes.InvalidArgument, "rounds must be positive")
	}
	if steps, ok := typeutil.SafeInt(fields["steps"]); ok {
		opts.Steps = steps
	}
	if mode, ok := typeutil.SafeString(fields["mode"]); ok {
		opts.Mode = runtime.RunMode(mode)
		if !opts.Mode.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "unknown run mode: %q", mode)
		}
	}
	if workers, ok := typeutil.SafeInt(fields["workers"]); ok {
		opts.Workers = workers
	}

	runner := s.getRunner()
	if runner == nil {
		return nil, status.Error(codes.FailedPrecondition, "no runner configured")
	}

	s.logger.Info("advance_requested",
		"rounds", opts.Rounds,
		"mode", string(opts.Mode),
	)

	completed, _, err := runner.Execute(ctx, opts)
	if err != nil {
		return nil, status.Errorf(codes.Aborted, "run aborted after %d rounds: %v", completed, err)
	}

	resp, err := structFromAny(map[string]any{
		"rounds_completed": completed,
		"round":            s.scheduler.Clock().Round(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return resp, nil
}

// structFromAny converts any JSON-encodable value into a structpb Struct.
// The JSON round trip normalizes typed maps and structs into the plain
// shapes structpb accepts.
func structFromAny(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// =============================================================================
// Service Descriptor
// =============================================================================

// controlMethod adapts one ControlService method for a grpc.MethodDesc.
type controlMethod func(svc ControlService, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// controlHandler builds the generated-stub-shaped handler for one method:
// decode into a Struct, then run the interceptor chain around the service
// call.
func controlHandler(name string, method controlMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ControlServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(ControlService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(ControlService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ControlServiceDesc is the hand-maintained service descriptor. Keep the
// method list in sync with the ControlService interface.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: controlHandler("GetStatus", ControlService.GetStatus)},
		{MethodName: "ListAgents", Handler: controlHandler("ListAgents", ControlService.ListAgents)},
		{MethodName: "GetAgentBooks", Handler: controlHandler("GetAgentBooks", ControlService.GetAgentBooks)},
		{MethodName: "AdvanceRounds", Handler: controlHandler("AdvanceRounds", ControlService.AdvanceRounds)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketcore/v1/control.proto",
}

// RegisterControlService registers a ControlService implementation with a
// gRPC server.
func RegisterControlService(s *grpc.Server, svc ControlService) {
	s.RegisterService(&ControlServiceDesc, svc)
}
