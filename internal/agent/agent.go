package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/knowledge"
	"AgentPay-Chain/internal/llm"
	"AgentPay-Chain/pkg/plugin"
)

// CodeUnknownTask 表示请求的任务没有对应的处理器，重试无意义。
const CodeUnknownTask xerrors.Code = "UNKNOWN_TASK"

func init() {
	xerrors.Register(CodeUnknownTask, xerrors.Attributes{
		Message:  "unknown task",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// TaskInput 是一次已确认付款所绑定的任务。
type TaskInput struct {
	RequestID   string         `json:"request_id"`
	TaskName    string         `json:"task"`
	Metadata    map[string]any `json:"task_metadata,omitempty"`
	EventID     string         `json:"event_id"`
	Payer       string         `json:"payer"`
	Payee       string         `json:"payee"`
	AmountWei   string         `json:"amount_wei"`
	BlockNumber uint64         `json:"block_number"`
}

// TaskOutput 是任务的执行结果。
type TaskOutput struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Handler 执行一种任务。
type Handler interface {
	Handle(ctx context.Context, in TaskInput) (*TaskOutput, error)
}

// HandlerFunc 允许普通函数作为 Handler。
type HandlerFunc func(ctx context.Context, in TaskInput) (*TaskOutput, error)

// Handle 实现 Handler。
func (f HandlerFunc) Handle(ctx context.Context, in TaskInput) (*TaskOutput, error) {
	return f(ctx, in)
}

// Agent 按任务名称分发到具体处理器。
type Agent struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	llmClient  llm.Client
	llmTimeout time.Duration
	knowledge  knowledge.Provider
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithLLM 启用 generate_script 任务。
func WithLLM(client llm.Client, timeout time.Duration) Option {
	return func(a *Agent) {
		a.llmClient = client
		a.llmTimeout = timeout
	}
}

// WithKnowledge 启用 lookup_knowledge 任务，并为 generate_script 提供参考资料。
func WithKnowledge(p knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = p
	}
}

// PluginHost 是插件管理器对 Agent 暴露的能力。
type PluginHost interface {
	Tasks() []string
	Execute(ctx context.Context, task plugin.Task) (*plugin.Result, error)
}

// WithPlugins 将插件声明的任务注册为处理器，同名时内置处理器优先。
func WithPlugins(host PluginHost) Option {
	return func(a *Agent) {
		if host == nil {
			return
		}
		for _, name := range host.Tasks() {
			if _, ok := a.handlers[name]; ok {
				continue
			}
			a.handlers[name] = pluginHandler{host: host}
		}
	}
}

// WithHandler 注册额外的任务处理器，同名时覆盖内置处理器。
func WithHandler(name string, h Handler) Option {
	return func(a *Agent) {
		a.handlers[name] = h
	}
}

// New 创建一个带内置处理器的 Agent。
func New(opts ...Option) *Agent {
	ag := &Agent{
		handlers: map[string]Handler{
			"summarize_text": HandlerFunc(summarizeText),
			"reverse_text":   HandlerFunc(reverseText),
			"uppercase_text": HandlerFunc(uppercaseText),
			"echo":           HandlerFunc(echo),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.llmClient != nil {
		if _, ok := ag.handlers["generate_script"]; !ok {
			ag.handlers["generate_script"] = HandlerFunc(ag.generateScript)
		}
	}
	if ag.knowledge != nil {
		if _, ok := ag.handlers["lookup_knowledge"]; !ok {
			ag.handlers["lookup_knowledge"] = HandlerFunc(ag.lookupKnowledge)
		}
	}
	return ag
}

// Register 注册任务处理器。
func (a *Agent) Register(name string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[name] = h
}

// Tasks 返回已注册的任务名称。
func (a *Agent) Tasks() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.handlers))
	for name := range a.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports 判断任务是否可以执行。
func (a *Agent) Supports(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.handlers[name]
	return ok
}

// Execute 执行任务。未知任务与参数错误不可重试，其余失败按可重试处理。
func (a *Agent) Execute(ctx context.Context, in TaskInput) (*TaskOutput, error) {
	a.mu.RLock()
	h, ok := a.handlers[in.TaskName]
	a.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(CodeUnknownTask, fmt.Sprintf("未知任务 %q", in.TaskName),
			xerrors.WithMetadata("request_id", in.RequestID))
	}

	out, err := h.Handle(ctx, in)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "任务执行超时")
		}
		if stdErrors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "任务执行失败")
	}
	if out == nil {
		out = &TaskOutput{}
	}
	return out, nil
}

func textArg(in TaskInput) (string, error) {
	raw, ok := in.Metadata["text"]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "task_metadata.text 不能为空")
	}
	text, ok := raw.(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "task_metadata.text 必须是字符串")
	}
	return text, nil
}

const summaryRunes = 50

func summarizeText(_ context.Context, in TaskInput) (*TaskOutput, error) {
	text, err := textArg(in)
	if err != nil {
		return nil, err
	}
	runes := []rune(text)
	if len(runes) > summaryRunes {
		runes = runes[:summaryRunes]
	}
	return &TaskOutput{
		Output:   string(runes) + "...",
		Metadata: map[string]any{"input_length": len([]rune(text))},
	}, nil
}

func reverseText(_ context.Context, in TaskInput) (*TaskOutput, error) {
	text, err := textArg(in)
	if err != nil {
		return nil, err
	}
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return &TaskOutput{Output: string(runes)}, nil
}

func uppercaseText(_ context.Context, in TaskInput) (*TaskOutput, error) {
	text, err := textArg(in)
	if err != nil {
		return nil, err
	}
	return &TaskOutput{Output: strings.ToUpper(text)}, nil
}

func echo(_ context.Context, in TaskInput) (*TaskOutput, error) {
	text, _ := in.Metadata["text"].(string)
	return &TaskOutput{
		Output: text,
		Metadata: map[string]any{
			"request_id": in.RequestID,
			"payer":      in.Payer,
			"amount_wei": in.AmountWei,
		},
	}, nil
}

func (a *Agent) generateScript(ctx context.Context, in TaskInput) (*TaskOutput, error) {
	prompt, _ := in.Metadata["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		prompt, _ = in.Metadata["text"].(string)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task_metadata.prompt 不能为空")
	}

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	llmContext := map[string]string{
		"payer":      in.Payer,
		"amount_wei": in.AmountWei,
		"request_id": in.RequestID,
	}
	if a.knowledge != nil {
		if snippets := a.knowledge.Query(prompt); len(snippets) > 0 {
			refs := make([]string, 0, len(snippets))
			for _, sn := range snippets {
				refs = append(refs, sn.Title+": "+sn.Content)
			}
			llmContext["knowledge"] = strings.Join(refs, "\n")
		}
	}
	resp, err := a.llmClient.Generate(llmCtx, llm.Request{
		Task:    in.TaskName,
		Prompt:  prompt,
		Context: llmContext,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	return &TaskOutput{
		Output:   resp.Reply,
		Metadata: map[string]any{"thought": resp.Thought},
	}, nil
}

// lookupKnowledge 在知识库中检索 task_metadata.text，可选 task_metadata.tags 过滤标签。
func (a *Agent) lookupKnowledge(_ context.Context, in TaskInput) (*TaskOutput, error) {
	text, err := textArg(in)
	if err != nil {
		return nil, err
	}
	var tags []string
	switch raw := in.Metadata["tags"].(type) {
	case string:
		tags = strings.Split(raw, ",")
	case []any:
		for _, item := range raw {
			if tag, ok := item.(string); ok {
				tags = append(tags, tag)
			}
		}
	}
	snippets := a.knowledge.Query(text, tags...)
	titles := make([]string, 0, len(snippets))
	contents := make([]string, 0, len(snippets))
	for _, sn := range snippets {
		titles = append(titles, sn.Title)
		contents = append(contents, sn.Content)
	}
	return &TaskOutput{
		Output:   strings.Join(contents, "\n"),
		Metadata: map[string]any{"titles": titles, "matches": len(snippets)},
	}, nil
}

type pluginHandler struct {
	host PluginHost
}

func (h pluginHandler) Handle(ctx context.Context, in TaskInput) (*TaskOutput, error) {
	res, err := h.host.Execute(ctx, plugin.Task{
		Name:        in.TaskName,
		RequestID:   in.RequestID,
		EventID:     in.EventID,
		Payer:       in.Payer,
		Payee:       in.Payee,
		AmountWei:   in.AmountWei,
		BlockNumber: in.BlockNumber,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &TaskOutput{}, nil
	}
	return &TaskOutput{Output: res.Output, Metadata: res.Metadata}, nil
}
