package grpc

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/agent"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/auth"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/kernel"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/testutil"
)

const verifyMsg = "Order 3DV7KU4PK54 cworshall0@flavors.me"

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	client *TaskClient
	kernel *kernel.Kernel
	store  *orders.MemoryStore
	logger *testutil.Logger
}

func newHarness(t *testing.T, kcfg *kernel.KernelConfig, v auth.Validator) *harness {
	t.Helper()
	store := testutil.NewOrderStore()
	cfg := agent.DefaultConfig()
	cfg.LLMEnabled = false
	a := agent.NewShippingAgent(cfg, store)
	k := kernel.NewKernel(nil, kcfg)
	logger := &testutil.Logger{}

	tasks := NewTaskServer(logger, k, a, auth.NewSessionManager())
	srv := NewGracefulServer(tasks, "bufnet", ServerOptions(logger, v)...)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return &harness{client: NewTaskClient(conn), kernel: k, store: store, logger: logger}
}

func agentReply(task *kernel.Task) string {
	last := task.Messages[len(task.Messages)-1]
	if last.Role != kernel.RoleAgent {
		return ""
	}
	return last.Text()
}

// =============================================================================
// SendMessage
// =============================================================================

func TestSendMessage_VerifiesOrder(t *testing.T) {
	h := newHarness(t, nil, nil)

	task, err := h.client.SendMessage(context.Background(), &SendMessageRequest{Text: verifyMsg, ContextID: "ctx-1"})

	require.NoError(t, err)
	assert.Equal(t, kernel.TaskStateCompleted, task.Status.State)
	assert.Equal(t, "ctx-1", task.ContextID)
	assert.Contains(t, agentReply(task), "Order 3DV7KU4PK54 verified!")
	require.NotNil(t, task.Metadata)
	assert.Equal(t, auth.AnonymousUserID, task.Metadata.UserID)
	assert.True(t, h.logger.Has("grpc_request_started"))
}

func TestSendMessage_GeneratesContext(t *testing.T) {
	h := newHarness(t, nil, nil)

	task, err := h.client.SendMessage(context.Background(), &SendMessageRequest{Text: "hello"})

	require.NoError(t, err)
	assert.NotEmpty(t, task.ContextID)
}

func TestSendMessage_EmptyText(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.client.SendMessage(context.Background(), &SendMessageRequest{Text: "  "})

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "text is required", st.Message())
}

func TestSendMessage_DuplicateTaskID(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	first, err := h.client.SendMessage(ctx, &SendMessageRequest{Text: verifyMsg, ContextID: "ctx-1", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", first.ID)

	_, err = h.client.SendMessage(ctx, &SendMessageRequest{Text: "hello", ContextID: "ctx-1", TaskID: "task-1"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestSendMessage_RateLimited(t *testing.T) {
	kcfg := kernel.DefaultKernelConfig()
	kcfg.DefaultRateLimit = &kernel.RateLimitConfig{RequestsPerMinute: 1}
	h := newHarness(t, kcfg, nil)
	ctx := context.Background()

	_, err := h.client.SendMessage(ctx, &SendMessageRequest{Text: "hello"})
	require.NoError(t, err)

	_, err = h.client.SendMessage(ctx, &SendMessageRequest{Text: "hello again"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())
	assert.Contains(t, st.Message(), "requests per minute limit exceeded")
}

// =============================================================================
// StreamMessage
// =============================================================================

func TestStreamMessage_ChunksThenTask(t *testing.T) {
	h := newHarness(t, nil, nil)

	var chunks []string
	task, err := h.client.StreamMessage(context.Background(), &SendMessageRequest{Text: verifyMsg, ContextID: "ctx-s"}, func(c string) {
		chunks = append(chunks, c)
	})

	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, kernel.TaskStateCompleted, task.Status.State)
	assert.Equal(t, agentReply(task), strings.TrimSpace(strings.Join(chunks, "")))
}

func TestStreamMessage_EmptyText(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.client.StreamMessage(context.Background(), &SendMessageRequest{}, nil)

	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// =============================================================================
// Task Queries
// =============================================================================

func TestGetListCancel(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	sent, err := h.client.SendMessage(ctx, &SendMessageRequest{Text: verifyMsg, ContextID: "ctx-q"})
	require.NoError(t, err)
	_, err = h.client.SendMessage(ctx, &SendMessageRequest{Text: "hello", ContextID: "ctx-other"})
	require.NoError(t, err)

	got, err := h.client.GetTask(ctx, &TaskRequest{TaskID: sent.ID})
	require.NoError(t, err)
	assert.Equal(t, sent.ID, got.ID)

	list, err := h.client.ListTasks(ctx, &ListTasksRequest{ContextID: "ctx-q"})
	require.NoError(t, err)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, sent.ID, list.Tasks[0].ID)

	all, err := h.client.ListTasks(ctx, &ListTasksRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Tasks, 2)

	canceled, err := h.client.CancelTask(ctx, &TaskRequest{TaskID: sent.ID})
	require.NoError(t, err)
	assert.Equal(t, kernel.TaskStateCompleted, canceled.Status.State)
}

func TestTaskQueries_Errors(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.client.GetTask(ctx, &TaskRequest{TaskID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.CancelTask(ctx, &TaskRequest{TaskID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.GetTask(ctx, &TaskRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	list, err := h.client.ListTasks(ctx, &ListTasksRequest{ContextID: "none"})
	require.NoError(t, err)
	assert.Empty(t, list.Tasks)
}

// =============================================================================
// Authentication
// =============================================================================

func TestAuth_RejectsMissingToken(t *testing.T) {
	h := newHarness(t, nil, tokenValidator{token: "good", id: auth.Identity{UserID: "user-1"}})

	_, err := h.client.SendMessage(context.Background(), &SendMessageRequest{Text: "hello"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = h.client.StreamMessage(context.Background(), &SendMessageRequest{Text: "hello"}, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAuth_TokenIdentityOnTask(t *testing.T) {
	h := newHarness(t, nil, tokenValidator{token: "good", id: auth.Identity{UserID: "user-1"}})
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer good", "x-adobe-surface", "web")

	task, err := h.client.SendMessage(ctx, &SendMessageRequest{Text: "hello"})

	require.NoError(t, err)
	require.NotNil(t, task.Metadata)
	assert.Equal(t, "user-1", task.Metadata.UserID)
	assert.Equal(t, auth.SurfaceWeb, task.Metadata.Surface)
}
