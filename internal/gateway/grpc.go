// ABOUTME: Turns gRPC service: submit a turn and receive its events as a server stream
// ABOUTME: Requests and events travel as google.protobuf.Struct so no generated code is needed

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/hearth/internal/conversation"
	"github.com/2389/hearth/internal/stream"
)

// TurnsServiceName is the full gRPC service name
const TurnsServiceName = "hearth.v1.Turns"

// TurnsServer is the server API for the Turns service.
type TurnsServer interface {
	// Submit runs one turn. The request carries the same fields as the
	// JSON body of POST /api/turns; each response is one event.
	Submit(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

func turnsSubmitHandler(srv any, s grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := s.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TurnsServer).Submit(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: s})
}

// turnsServiceDesc describes the Turns service for grpc.Server.RegisterService
var turnsServiceDesc = grpc.ServiceDesc{
	ServiceName: TurnsServiceName,
	HandlerType: (*TurnsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Submit",
			Handler:       turnsSubmitHandler,
			ServerStreams: true,
		},
	},
	Metadata: "hearth/v1/turns.proto",
}

// turnsServer implements TurnsServer over the gateway's orchestrator
type turnsServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

func registerTurnsServer(s *grpc.Server, gw *Gateway) {
	s.RegisterService(&turnsServiceDesc, &turnsServer{
		gateway: gw,
		logger:  gw.logger.With("component", "turns-grpc"),
	})
}

// Submit admits the turn and forwards its events until the terminal one.
// The idempotency key comes from the idempotency-key metadata entry.
func (s *turnsServer) Submit(in *structpb.Struct, out grpc.ServerStreamingServer[structpb.Struct]) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	var req TurnRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	ctx := out.Context()
	var key string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("idempotency-key"); len(v) > 0 {
			key = v[0]
		}
	}

	h, err := s.gateway.orchestrator.Submit(ctx, s.gateway.toTurnRequest(req, key))
	if err != nil {
		return submitCode(err)
	}

	if err := out.SendHeader(metadata.Pairs("x-conversation-id", h.ConversationID)); err != nil {
		s.logger.Debug("failed to send header", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case ev, ok := <-h.Events:
			if !ok {
				return nil
			}
			msg, err := eventStruct(ev)
			if err != nil {
				s.logger.Error("failed to convert event", "type", ev.Type, "error", err)
				continue
			}
			if err := out.Send(msg); err != nil {
				return err
			}
		}
	}
}

// submitCode maps an admission error to a gRPC status
func submitCode(err error) error {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, conversation.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, conversation.ErrConversationBusy):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, conversation.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

// eventStruct converts an event to {"type", "seq", "data"}
func eventStruct(ev stream.Event) (*structpb.Struct, error) {
	var data any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, err
		}
	}
	return structpb.NewStruct(map[string]any{
		"type": string(ev.Type),
		"seq":  ev.Seq,
		"data": data,
	})
}
