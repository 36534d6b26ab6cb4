package llm

import "context"

// Request 描述一次文本生成调用。
type Request struct {
	// System 约束模型的输出格式与角色。
	System string
	// Prompt 是已经过清洗的用户侧输入。
	Prompt string
	// Temperature 控制采样随机性，打分场景应为 0。
	Temperature float64
}

// Response 是模型的原始文本输出，结构化解析由调用方负责。
type Response struct {
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
