package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/search"
	"github.com/albumkit/albumd/internal/session"
	"github.com/albumkit/albumd/internal/tools"
)

// DefaultMaxIterations caps one reasoning loop. Each iteration is one
// model call plus the tool calls it requested.
const DefaultMaxIterations = 15

const systemPrompt = `You are an assistant managing a personal photo library. You can search photos by natural-language description, by similarity to a stored photo, by date, or by a combination. You can caption photos, answer questions about their content, edit them, judge which of several photos is best, generate 3D point clouds, and delete photos after explicit confirmation.

Rules:
- Use the provided tools; never invent image ids or URLs.
- When you show photos, embed them as markdown images using their preview_url.
- Resolve relative dates with get_current_time before a metadata search.
- When you start a point-cloud generation, always tell the user the task id.
- Deletion is two-phase: preview first, then delete only with confirmed=true after the user agrees.
- Answer in the user's language.`

const apologyReply = "抱歉，我在处理这个请求时遇到了问题，请稍后再试。"

// Completer is the reasoning-model surface the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage, tools []map[string]any) (*ChatMessage, error)
}

// Invoker executes one tool call.
type Invoker interface {
	Invoke(ctx context.Context, d tools.Descriptor, args map[string]any, sessionID string) (string, error)
}

// ImageRef is one photo the reply referenced. Meta is nil when the
// image could not be looked up; the reference itself still stands.
type ImageRef struct {
	ID         string     `json:"id"`
	PreviewURL string     `json:"preview_url"`
	Filename   string     `json:"filename,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// Result is one completed chat turn.
type Result struct {
	Reply            string     `json:"reply"`
	SessionID        string     `json:"session_id"`
	Images           []ImageRef `json:"images,omitempty"`
	PointCloudTaskID string     `json:"pointcloud_task_id,omitempty"`
	Recommendation   *Verdict   `json:"recommendation,omitempty"`
	Iterations       int        `json:"iterations"`
	Fallback         bool       `json:"fallback,omitempty"`
}

// Orchestrator runs the tool loop for one chat turn at a time.
type Orchestrator struct {
	client   Completer
	registry *tools.Registry
	invoker  Invoker
	sessions *session.Manager
	images   *objstore.Store
	maxIters int
	logger   *slog.Logger

	// monitor, when set, watches a point-cloud task and posts a session
	// event on completion. Called on its own goroutine.
	monitor func(ctx context.Context, sess *session.Session, taskID string)
}

// Options wires an orchestrator.
type Options struct {
	Client        Completer // nil disables the reasoning model
	Registry      *tools.Registry
	Invoker       Invoker
	Sessions      *session.Manager
	Images        *objstore.Store
	MaxIterations int
	Monitor       func(ctx context.Context, sess *session.Session, taskID string)
	Logger        *slog.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	maxIters := opts.MaxIterations
	if maxIters <= 0 {
		maxIters = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.Default()
	}
	return &Orchestrator{
		client:   opts.Client,
		registry: registry,
		invoker:  opts.Invoker,
		sessions: opts.Sessions,
		images:   opts.Images,
		maxIters: maxIters,
		monitor:  opts.Monitor,
		logger:   logger,
	}
}

// Chat runs one user turn. Model and tool failures never escape as
// errors: the user gets an apology and the session history stays
// consistent. Only an empty message is rejected outright.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, userText string) (*Result, error) {
	if userText == "" {
		return nil, aerrors.New(aerrors.KindEmptyInput, "message is empty")
	}

	sess := o.sessions.Resolve(sessionID)
	sess.ClearLastImages()

	if o.client == nil {
		reply := fallbackReply(ClassifyIntent(userText))
		sess.AppendTurn(userText, reply)
		return &Result{Reply: reply, SessionID: sess.ID, Fallback: true}, nil
	}

	reply, iterations := o.runLoop(ctx, sess, userText)
	res := o.decorate(ctx, sess, userText, reply)
	res.Iterations = iterations

	sess.AppendTurn(userText, reply)
	return res, nil
}

// runLoop drives the model until it answers in plain text or the
// iteration cap is hit.
func (o *Orchestrator) runLoop(ctx context.Context, sess *session.Session, userText string) (string, int) {
	messages := []ChatMessage{{Role: "system", Content: systemPrompt}}
	for _, m := range sess.History() {
		if m.Event != "" {
			continue
		}
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: userText})

	schemas := o.registry.FunctionSchemas()
	lastText := ""

	for i := 1; i <= o.maxIters; i++ {
		msg, err := o.client.Complete(ctx, messages, schemas)
		if err != nil {
			o.logger.Warn("reasoning call failed", "session_id", sess.ID, "iteration", i, "error", err)
			return apologyOr(lastText), i
		}
		if len(msg.ToolCalls) == 0 {
			return apologyOr(msg.Content), i
		}

		lastText = msg.Content
		messages = append(messages, *msg)
		for _, call := range msg.ToolCalls {
			messages = append(messages, o.execute(ctx, sess.ID, call))
		}
	}

	o.logger.Warn("iteration cap reached", "session_id", sess.ID, "cap", o.maxIters)
	return apologyOr(lastText), o.maxIters
}

func apologyOr(text string) string {
	if text == "" {
		return apologyReply
	}
	return text
}

// execute runs one requested tool call and wraps the outcome as a tool
// message. Failures become observations the model can react to.
func (o *Orchestrator) execute(ctx context.Context, sessionID string, call ToolCall) ChatMessage {
	msg := ChatMessage{Role: "tool", ToolCallID: call.ID, Name: call.Function.Name}

	d, ok := o.registry.Get(call.Function.Name)
	if !ok {
		msg.Content = `{"error":"unknown tool: ` + call.Function.Name + `"}`
		return msg
	}

	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			msg.Content = `{"error":"tool arguments are not valid JSON"}`
			return msg
		}
	}

	out, err := o.invoker.Invoke(ctx, d, args, sessionID)
	if err != nil {
		o.logger.Warn("tool call failed",
			"tool", call.Function.Name, "session_id", sessionID, "error", err)
		if out == "" {
			out = `{"error":` + jsonString(err.Error()) + `}`
		}
	}
	msg.Content = out
	return msg
}

func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

// decorate turns the prose reply into structured artefacts and updates
// session state from them.
func (o *Orchestrator) decorate(ctx context.Context, sess *session.Session, userText, reply string) *Result {
	res := &Result{Reply: reply, SessionID: sess.ID}

	ids := ExtractImageIDs(reply)
	for _, id := range ids {
		ref := ImageRef{ID: id, PreviewURL: search.PreviewURL(id)}
		if rec, err := o.images.Stat(ctx, id); err == nil {
			ref.Filename = rec.Filename
			created := rec.CreatedAt
			ref.CreatedAt = &created
		}
		res.Images = append(res.Images, ref)
	}
	if len(ids) > 0 {
		sess.SetLastImages(ids)
	}

	if taskID := ExtractPointCloudTaskID(reply, userText); taskID != "" {
		res.PointCloudTaskID = taskID
		if o.monitor != nil {
			go o.monitor(context.WithoutCancel(ctx), sess, taskID)
		}
	}

	res.Recommendation = ExtractVerdict(reply, userText, ids)
	return res
}
