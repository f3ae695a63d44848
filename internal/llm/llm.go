package llm

import "context"

// Request 描述发送给大模型的任务上下文。
type Request struct {
	Task   string
	Prompt string
	// Context 提供付费方、金额等附加信息。
	Context map[string]string
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
