package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/session"
	"github.com/albumkit/albumd/internal/tools"
)

// scriptedCompleter pops one reply per call.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []ChatMessage
	errs    []error
	calls   int
	lastReq []ChatMessage
}

func (s *scriptedCompleter) Complete(ctx context.Context, messages []ChatMessage, _ []map[string]any) (*ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.lastReq = messages
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.replies) {
		last := s.replies[len(s.replies)-1]
		return &last, nil
	}
	msg := s.replies[i]
	return &msg, nil
}

// recordingInvoker logs tool calls and returns a fixed payload.
type recordingInvoker struct {
	mu       sync.Mutex
	calls    []string
	sessions []string
	reply    string
	err      error
}

func (r *recordingInvoker) Invoke(ctx context.Context, d tools.Descriptor, args map[string]any, sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d.Name)
	r.sessions = append(r.sessions, sessionID)
	return r.reply, r.err
}

func newOrchestrator(t *testing.T, client Completer, inv Invoker, maxIters int) (*Orchestrator, *session.Manager) {
	t.Helper()
	images, err := objstore.Open(objstore.Options{Root: t.TempDir()})
	require.NoError(t, err)
	sessions := session.NewManager(0)
	o := New(Options{
		Client:        client,
		Invoker:       inv,
		Sessions:      sessions,
		Images:        images,
		MaxIterations: maxIters,
	})
	return o, sessions
}

func text(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

func toolUse(name, args string) ChatMessage {
	return ChatMessage{Role: "assistant", ToolCalls: []ToolCall{{
		ID: "call-1", Type: "function",
		Function: FunctionCall{Name: name, Arguments: args},
	}}}
}

func TestChat_DirectAnswer(t *testing.T) {
	client := &scriptedCompleter{replies: []ChatMessage{text("你好，我能帮你管理相册。")}}
	o, sessions := newOrchestrator(t, client, &recordingInvoker{}, 0)

	res, err := o.Chat(context.Background(), "", "你好")
	require.NoError(t, err)
	assert.Equal(t, "你好，我能帮你管理相册。", res.Reply)
	assert.Equal(t, session.DefaultSessionID, res.SessionID)
	assert.Equal(t, 1, res.Iterations)

	history := sessions.Resolve("").History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestChat_ToolLoop(t *testing.T) {
	client := &scriptedCompleter{replies: []ChatMessage{
		toolUse("semantic_search_images", `{"query":"海边"}`),
		text("找到了：![p](/images/" + uuidA + ")"),
	}}
	inv := &recordingInvoker{reply: `{"results":[]}`}
	o, sessions := newOrchestrator(t, client, inv, 0)

	res, err := o.Chat(context.Background(), "trip", "找海边的照片")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, []string{"semantic_search_images"}, inv.calls)
	assert.Equal(t, []string{"trip"}, inv.sessions, "session id travels with the tool call")

	require.Len(t, res.Images, 1)
	assert.Equal(t, uuidA, res.Images[0].ID)
	assert.Equal(t, "/images/"+uuidA, res.Images[0].PreviewURL)
	assert.Nil(t, res.Images[0].CreatedAt, "unknown image decorates to a bare reference")

	assert.Equal(t, []string{uuidA}, sessions.Resolve("trip").LastImages())
}

func TestChat_ToolResultFedBack(t *testing.T) {
	client := &scriptedCompleter{replies: []ChatMessage{
		toolUse("get_current_time", ""),
		text("now I know"),
	}}
	inv := &recordingInvoker{reply: `{"time":"2026-01-18 10:00:00"}`}
	o, _ := newOrchestrator(t, client, inv, 0)

	_, err := o.Chat(context.Background(), "", "what time is it")
	require.NoError(t, err)

	var sawTool bool
	for _, m := range client.lastReq {
		if m.Role == "tool" && m.Name == "get_current_time" {
			sawTool = true
			assert.Contains(t, m.Content, "2026-01-18")
		}
	}
	assert.True(t, sawTool, "tool observation reaches the next model call")
}

func TestChat_IterationCap(t *testing.T) {
	client := &scriptedCompleter{replies: []ChatMessage{
		toolUse("get_current_time", ""),
	}}
	o, _ := newOrchestrator(t, client, &recordingInvoker{reply: "{}"}, 3)

	res, err := o.Chat(context.Background(), "", "loop forever")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, apologyReply, res.Reply, "no text surfaced before the cap")
	assert.Equal(t, 3, client.calls)
}

func TestChat_ModelFailureApologizes(t *testing.T) {
	client := &scriptedCompleter{
		errs:    []error{aerrors.New(aerrors.KindUnavailable, "model down")},
		replies: []ChatMessage{text("unused")},
	}
	o, sessions := newOrchestrator(t, client, &recordingInvoker{}, 0)

	res, err := o.Chat(context.Background(), "", "hi")
	require.NoError(t, err, "model failures never escape as errors")
	assert.Equal(t, apologyReply, res.Reply)

	history := sessions.Resolve("").History()
	require.Len(t, history, 2, "the failed turn is still recorded")
	assert.Equal(t, apologyReply, history[1].Content)
}

func TestChat_UnknownToolBecomesObservation(t *testing.T) {
	client := &scriptedCompleter{replies: []ChatMessage{
		toolUse("no_such_tool", "{}"),
		text("done"),
	}}
	o, _ := newOrchestrator(t, client, &recordingInvoker{}, 0)

	res, err := o.Chat(context.Background(), "", "hi")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Reply)

	var observation string
	for _, m := range client.lastReq {
		if m.Role == "tool" {
			observation = m.Content
		}
	}
	assert.Contains(t, observation, "unknown tool")
}

func TestChat_FallbackWithoutModel(t *testing.T) {
	o, sessions := newOrchestrator(t, nil, nil, 0)

	res, err := o.Chat(context.Background(), "", "帮我删除这张")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Reply, "删除")
	assert.Len(t, sessions.Resolve("").History(), 2)
}

func TestChat_EmptyMessage(t *testing.T) {
	o, _ := newOrchestrator(t, nil, nil, 0)
	_, err := o.Chat(context.Background(), "", "")
	assert.Equal(t, aerrors.KindEmptyInput, aerrors.KindOf(err))
}

func TestChat_ClearsLastImagesAtTurnStart(t *testing.T) {
	client := &scriptedCompleter{replies: []ChatMessage{text("no images this time")}}
	o, sessions := newOrchestrator(t, client, &recordingInvoker{}, 0)

	sess := sessions.Resolve("s")
	sess.SetLastImages([]string{uuidA})

	_, err := o.Chat(context.Background(), "s", "just chatting")
	require.NoError(t, err)
	assert.Empty(t, sess.LastImages())
}

func TestChat_SchedulesPointCloudMonitor(t *testing.T) {
	client := &scriptedCompleter{replies: []ChatMessage{
		text("点云生成已开始，任务ID: " + uuidC),
	}}

	monitored := make(chan string, 1)
	images, err := objstore.Open(objstore.Options{Root: t.TempDir()})
	require.NoError(t, err)
	o := New(Options{
		Client:   client,
		Invoker:  &recordingInvoker{},
		Sessions: session.NewManager(0),
		Images:   images,
		Monitor: func(ctx context.Context, sess *session.Session, taskID string) {
			monitored <- taskID
		},
	})

	res, err := o.Chat(context.Background(), "", "把它做成点云")
	require.NoError(t, err)
	assert.Equal(t, uuidC, res.PointCloudTaskID)

	select {
	case got := <-monitored:
		assert.Equal(t, uuidC, got)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor was never scheduled")
	}
}
