// Package grpc exposes the task kernel as a gRPC service.
//
// The service is declared by hand (no protoc) and speaks JSON through the
// codec registered in codec.go. Clients select it with
// grpc.CallContentSubtype(CodecName); TaskClient does so for every call.
package grpc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/agent"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/auth"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/kernel"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "shippingagent.v1.TaskService"

// Full method names.
const (
	MethodSendMessage   = "/" + ServiceName + "/SendMessage"
	MethodStreamMessage = "/" + ServiceName + "/StreamMessage"
	MethodGetTask       = "/" + ServiceName + "/GetTask"
	MethodListTasks     = "/" + ServiceName + "/ListTasks"
	MethodCancelTask    = "/" + ServiceName + "/CancelTask"
)

// rateLimitEndpoint shares the message quota with the JSON-RPC surface.
const rateLimitEndpoint = "message/send"

// =============================================================================
// Messages
// =============================================================================

// SendMessageRequest submits one user message.
type SendMessageRequest struct {
	Text      string `json:"text"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// TaskRequest addresses one task.
type TaskRequest struct {
	TaskID string `json:"taskId"`
}

// ListTasksRequest lists tasks, optionally of one context.
type ListTasksRequest struct {
	ContextID string `json:"contextId,omitempty"`
}

// ListTasksResponse holds tasks in creation order.
type ListTasksResponse struct {
	Tasks []*kernel.Task `json:"tasks"`
}

// StreamEvent is one server-stream message: a reply chunk, or the final task.
type StreamEvent struct {
	Chunk string       `json:"chunk,omitempty"`
	Task  *kernel.Task `json:"task,omitempty"`
}

// =============================================================================
// Server
// =============================================================================

// Agent runs conversation turns. *agent.ShippingAgent satisfies it.
type Agent interface {
	Turn(ctx context.Context, task *kernel.Task) (kernel.TurnResult, error)
	ProcessMessageStream(ctx context.Context, message, contextID string, onChunk func(string) error) (agent.Reply, error)
}

// TaskService is the server API implemented by TaskServer.
type TaskService interface {
	SendMessage(ctx context.Context, req *SendMessageRequest) (*kernel.Task, error)
	StreamMessage(req *SendMessageRequest, stream grpc.ServerStream) error
	GetTask(ctx context.Context, req *TaskRequest) (*kernel.Task, error)
	ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error)
	CancelTask(ctx context.Context, req *TaskRequest) (*kernel.Task, error)
}

// TaskServer implements TaskService on top of the kernel.
// Thread-safe: delegates to the kernel and the session manager.
type TaskServer struct {
	logger   Logger
	kernel   *kernel.Kernel
	agent    Agent
	sessions *auth.SessionManager
}

// NewTaskServer creates a task server. sessions may be nil, in which case
// a missing context id is generated by the kernel.
func NewTaskServer(logger Logger, k *kernel.Kernel, a Agent, sessions *auth.SessionManager) *TaskServer {
	return &TaskServer{
		logger:   orNop(logger),
		kernel:   k,
		agent:    a,
		sessions: sessions,
	}
}

// SendMessage runs one turn and returns the finished task.
func (s *TaskServer) SendMessage(ctx context.Context, req *SendMessageRequest) (*kernel.Task, error) {
	submit, err := s.submitRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	task, err := s.kernel.RunTurn(ctx, submit, s.agent.Turn)
	if err != nil {
		return nil, submitError(err)
	}
	return task, nil
}

// StreamMessage runs one turn, sending each reply chunk and then the task.
func (s *TaskServer) StreamMessage(req *SendMessageRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	submit, err := s.submitRequest(ctx, req)
	if err != nil {
		return err
	}

	task, err := s.kernel.RunTurn(ctx, submit, func(ctx context.Context, task *kernel.Task) (kernel.TurnResult, error) {
		reply, err := s.agent.ProcessMessageStream(ctx, req.Text, task.ContextID, func(chunk string) error {
			return stream.SendMsg(&StreamEvent{Chunk: chunk})
		})
		if err != nil {
			return kernel.TurnResult{}, err
		}
		return kernel.TurnResult{Reply: reply.Text, Outcome: string(reply.Outcome), Mode: reply.Mode}, nil
	})
	if err != nil {
		return submitError(err)
	}
	return stream.SendMsg(&StreamEvent{Task: task})
}

// GetTask returns one task.
func (s *TaskServer) GetTask(ctx context.Context, req *TaskRequest) (*kernel.Task, error) {
	if err := validateRequired(req.TaskID, "taskId"); err != nil {
		return nil, err
	}
	task, ok := s.kernel.GetTask(req.TaskID)
	if !ok {
		return nil, NotFound("task", req.TaskID)
	}
	return task, nil
}

// ListTasks returns tasks in creation order.
func (s *TaskServer) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	tasks := s.kernel.ListTasks(req.ContextID)
	if tasks == nil {
		tasks = []*kernel.Task{}
	}
	return &ListTasksResponse{Tasks: tasks}, nil
}

// CancelTask cancels a working task; terminal tasks come back unchanged.
func (s *TaskServer) CancelTask(ctx context.Context, req *TaskRequest) (*kernel.Task, error) {
	if err := validateRequired(req.TaskID, "taskId"); err != nil {
		return nil, err
	}
	task, err := s.kernel.CancelTask(ctx, req.TaskID)
	if errors.Is(err, kernel.ErrTaskNotFound) {
		return nil, NotFound("task", req.TaskID)
	}
	if err != nil {
		return nil, Internal("cancel task", err)
	}
	return task, nil
}

// submitRequest validates req, applies the caller's rate limit and resolves
// the context id from the request or the caller's session.
func (s *TaskServer) submitRequest(ctx context.Context, req *SendMessageRequest) (kernel.SubmitRequest, error) {
	if strings.TrimSpace(req.Text) == "" {
		return kernel.SubmitRequest{}, InvalidArgument("text")
	}
	caller := CallerFromContext(ctx)

	if limit := s.kernel.CheckRateLimit(caller.Identity.UserID, rateLimitEndpoint); !limit.Allowed {
		observability.RecordRateLimited(limit.LimitType)
		return kernel.SubmitRequest{}, ResourceExhausted("requests per "+limit.LimitType, limitString(limit))
	}

	contextID := req.ContextID
	if s.sessions != nil {
		contextID = s.sessions.Open(caller.Identity, caller.Surface, contextID).ContextID
	}
	return kernel.SubmitRequest{
		TaskID:    req.TaskID,
		ContextID: contextID,
		Message:   kernel.TextMessage(kernel.RoleUser, req.Text),
		UserID:    caller.Identity.UserID,
		Surface:   caller.Surface,
	}, nil
}

func submitError(err error) error {
	if errors.Is(err, kernel.ErrTaskExists) {
		return AlreadyExists("task", err)
	}
	return Internal("submit task", err)
}

// =============================================================================
// Service Descriptor
// =============================================================================

// ServiceDesc describes TaskService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendMessage", Handler: sendMessageHandler},
		{MethodName: "GetTask", Handler: getTaskHandler},
		{MethodName: "ListTasks", Handler: listTasksHandler},
		{MethodName: "CancelTask", Handler: cancelTaskHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamMessage", Handler: streamMessageHandler, ServerStreams: true},
	},
	Metadata: "shippingagent/v1/task_service",
}

// RegisterTaskService registers srv on s.
func RegisterTaskService(s grpc.ServiceRegistrar, srv TaskService) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary adapts a typed method to a grpc.MethodDesc handler.
func unary[Req any, Resp any](fullMethod string, call func(TaskService, context.Context, *Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(TaskService)
		if interceptor == nil {
			return call(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	sendMessageHandler = unary(MethodSendMessage, TaskService.SendMessage)
	getTaskHandler     = unary(MethodGetTask, TaskService.GetTask)
	listTasksHandler   = unary(MethodListTasks, TaskService.ListTasks)
	cancelTaskHandler  = unary(MethodCancelTask, TaskService.CancelTask)
)

func streamMessageHandler(srv any, stream grpc.ServerStream) error {
	in := new(SendMessageRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TaskService).StreamMessage(in, stream)
}

// =============================================================================
// Client
// =============================================================================

// TaskClient calls TaskService over a client connection.
type TaskClient struct {
	cc grpc.ClientConnInterface
}

// NewTaskClient creates a client on cc.
func NewTaskClient(cc grpc.ClientConnInterface) *TaskClient {
	return &TaskClient{cc: cc}
}

func (c *TaskClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

// SendMessage runs one turn.
func (c *TaskClient) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*kernel.Task, error) {
	out := new(kernel.Task)
	if err := c.invoke(ctx, MethodSendMessage, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTask returns one task.
func (c *TaskClient) GetTask(ctx context.Context, in *TaskRequest, opts ...grpc.CallOption) (*kernel.Task, error) {
	out := new(kernel.Task)
	if err := c.invoke(ctx, MethodGetTask, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTasks lists tasks.
func (c *TaskClient) ListTasks(ctx context.Context, in *ListTasksRequest, opts ...grpc.CallOption) (*ListTasksResponse, error) {
	out := new(ListTasksResponse)
	if err := c.invoke(ctx, MethodListTasks, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelTask cancels a task.
func (c *TaskClient) CancelTask(ctx context.Context, in *TaskRequest, opts ...grpc.CallOption) (*kernel.Task, error) {
	out := new(kernel.Task)
	if err := c.invoke(ctx, MethodCancelTask, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamMessage runs one turn, calling onChunk for every reply chunk, and
// returns the final task.
func (c *TaskClient) StreamMessage(ctx context.Context, in *SendMessageRequest, onChunk func(string), opts ...grpc.CallOption) (*kernel.Task, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	desc := &ServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, MethodStreamMessage, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	for {
		var ev StreamEvent
		if err := stream.RecvMsg(&ev); err != nil {
			return nil, err
		}
		if ev.Task != nil {
			return ev.Task, nil
		}
		if onChunk != nil {
			onChunk(ev.Chunk)
		}
	}
}
