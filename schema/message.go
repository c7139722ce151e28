package schema

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"text/template"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/nodes"
	"github.com/nikolalohinski/gonja/parser"
	"github.com/slongfield/pyfmt"
)

// FormatType 消息模板的格式化类型。
type FormatType uint8

const (
	// FString Python 风格的字符串格式化 (PEP-3101)。
	// 由 pyfmt 库实现。
	FString FormatType = 0
	// GoTemplate Go 标准库的 text/template 格式化。
	GoTemplate FormatType = 1
	// Jinja2 Jinja2 模板格式化。
	// 由 gonja 库实现。
	Jinja2 FormatType = 2
)

// RoleType 消息角色类型。
//
// 角色集合是封闭的：引擎各处对角色做穷举 switch，
// 新增角色必须同步处理所有分支。
type RoleType string

const (
	Assistant RoleType = "assistant" // 助手角色，模型返回的消息
	User      RoleType = "user"      // 用户角色，用户发送的消息
	System    RoleType = "system"    // 系统角色，系统指令
	Tool      RoleType = "tool"      // 工具角色，工具调用输出
)

// ResponseMeta 一次模型响应的元信息。
type ResponseMeta struct {
	// FinishReason 响应结束原因，通常为 "stop"、"length" 等。
	// 流式输出中仅最终块携带该字段。
	FinishReason string `json:"finish_reason,omitempty"`
	// Usage token 使用情况，是否存在取决于模型实现。
	Usage *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage 一次模型请求的 token 使用情况。
type TokenUsage struct {
	// PromptTokens 提示 token 数量。
	PromptTokens int `json:"prompt_tokens"`
	// CompletionTokens 补全 token 数量。
	CompletionTokens int `json:"completion_tokens"`
	// TotalTokens 总 token 数量。
	TotalTokens int `json:"total_tokens"`
}

// Message 消息结构体，输入和输出的统一数据结构。
// 来源可以是用户输入或模型返回。
//
// 用户纯文本输入：
//
//	&schema.Message{
//		Role:    schema.User,
//		Content: "法国的首都是什么？",
//	}
type Message struct {
	// Role 消息角色。
	Role RoleType `json:"role"`

	// Content 文本内容。
	Content string `json:"content"`

	// Name 消息名称。
	Name string `json:"name,omitempty"`

	// ToolCallID 工具调用 ID，仅 Tool 消息使用。
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName 工具名称，仅 Tool 消息使用。
	ToolName string `json:"tool_name,omitempty"`

	// ResponseMeta 响应元信息，仅模型返回的消息携带。
	ResponseMeta *ResponseMeta `json:"response_meta,omitempty"`

	// Extra 实现自定义的额外信息。
	Extra map[string]any `json:"extra,omitempty"`
}

// String 返回消息的字符串表示。
//
// 使用示例：
//
//	msg := schema.UserMessage("hello world")
//	fmt.Println(msg.String()) // 输出: user: hello world
func (m *Message) String() string {
	sb := &strings.Builder{}
	sb.WriteString(fmt.Sprintf("%s: %s", m.Role, m.Content))
	if m.ToolCallID != "" {
		sb.WriteString(fmt.Sprintf("\ntool_call_id: %s", m.ToolCallID))
	}
	if m.ToolName != "" {
		sb.WriteString(fmt.Sprintf("\ntool_name: %s", m.ToolName))
	}
	if m.ResponseMeta != nil {
		sb.WriteString(fmt.Sprintf("\nfinish_reason: %s", m.ResponseMeta.FinishReason))
		if m.ResponseMeta.Usage != nil {
			sb.WriteString(fmt.Sprintf("\nusage: %v", m.ResponseMeta.Usage))
		}
	}

	return sb.String()
}

// SystemMessage 创建系统消息。
func SystemMessage(content string) *Message {
	return &Message{
		Role:    System,
		Content: content,
	}
}

// UserMessage 创建用户消息。
func UserMessage(content string) *Message {
	return &Message{
		Role:    User,
		Content: content,
	}
}

// AssistantMessage 创建助手消息。
func AssistantMessage(content string) *Message {
	return &Message{
		Role:    Assistant,
		Content: content,
	}
}

// ToolMessage 创建工具消息。
func ToolMessage(content string, toolCallID string) *Message {
	return &Message{
		Role:       Tool,
		Content:    content,
		ToolCallID: toolCallID,
	}
}

// ConcatMessages 将流式分块消息合并为一条完整消息。
// Content 按分块顺序拼接；Role、Name、ToolCallID 要求各分块一致；
// ResponseMeta 保留最后一个携带有效值的分块。
func ConcatMessages(msgs []*Message) (*Message, error) {
	var (
		contents   []string
		contentLen int
		ret        = Message{}
	)

	for idx, msg := range msgs {
		if msg == nil {
			return nil, fmt.Errorf("unexpected nil chunk in message stream, index: %d", idx)
		}

		if msg.Role != "" {
			if ret.Role == "" {
				ret.Role = msg.Role
			} else if ret.Role != msg.Role {
				return nil, fmt.Errorf("cannot concat messages with "+
					"different roles: '%s' '%s'", ret.Role, msg.Role)
			}
		}

		if msg.Name != "" {
			if ret.Name == "" {
				ret.Name = msg.Name
			} else if ret.Name != msg.Name {
				return nil, fmt.Errorf("cannot concat messages with"+
					" different names: '%s' '%s'", ret.Name, msg.Name)
			}
		}

		if msg.ToolCallID != "" {
			if ret.ToolCallID == "" {
				ret.ToolCallID = msg.ToolCallID
			} else if ret.ToolCallID != msg.ToolCallID {
				return nil, fmt.Errorf("cannot concat messages with"+
					" different toolCallIDs: '%s' '%s'", ret.ToolCallID, msg.ToolCallID)
			}
		}

		if msg.Content != "" {
			contents = append(contents, msg.Content)
			contentLen += len(msg.Content)
		}

		if msg.ResponseMeta != nil {
			if ret.ResponseMeta == nil {
				ret.ResponseMeta = &ResponseMeta{}
			}

			// 保留最后一个有效的 FinishReason。
			if msg.ResponseMeta.FinishReason != "" {
				ret.ResponseMeta.FinishReason = msg.ResponseMeta.FinishReason
			}
			if msg.ResponseMeta.Usage != nil {
				usage := *msg.ResponseMeta.Usage
				ret.ResponseMeta.Usage = &usage
			}
		}

		if len(msg.Extra) > 0 {
			if ret.Extra == nil {
				ret.Extra = make(map[string]any, len(msg.Extra))
			}
			for k, v := range msg.Extra {
				ret.Extra[k] = v
			}
		}
	}

	if len(contents) > 0 {
		sb := strings.Builder{}
		sb.Grow(contentLen) // 预分配，避免多次扩容。
		for _, c := range contents {
			sb.WriteString(c)
		}
		ret.Content = sb.String()
	}

	return &ret, nil
}

var _ MessagesTemplate = &Message{}
var _ MessagesTemplate = MessagesPlaceholder("", false)

// MessagesTemplate 消息模板接口，用于将模板渲染为消息列表。
//
// 使用示例：
//
//	chatTemplate := prompt.FromMessages(schema.FString,
//		schema.SystemMessage("you are a helpful assistant"),
//		schema.MessagesPlaceholder("history", false), // 使用 params 中的 "history" 值
//	)
//	msgs, err := chatTemplate.Format(ctx, params)
type MessagesTemplate interface {
	Format(ctx context.Context, vs map[string]any, formatType FormatType) ([]*Message, error)
}

type messagesPlaceholder struct {
	key      string
	optional bool
}

// MessagesPlaceholder 创建消息占位符。
// 渲染时直接取参数中 key 对应的消息列表，不做内容格式化。
// optional 为 false 且参数缺失时返回错误。
func MessagesPlaceholder(key string, optional bool) MessagesTemplate {
	return &messagesPlaceholder{
		key:      key,
		optional: optional,
	}
}

// Format 返回指定键对应的消息列表。
// 因为这是占位符，所以直接返回参数中的消息。
func (p *messagesPlaceholder) Format(_ context.Context, vs map[string]any, _ FormatType) ([]*Message, error) {
	v, ok := vs[p.key]
	if !ok {
		if p.optional {
			return []*Message{}, nil
		}

		return nil, fmt.Errorf("message placeholder format: %s not found", p.key)
	}

	msgs, ok := v.([]*Message)
	if !ok {
		return nil, fmt.Errorf("only messages can be used to format message placeholder, key: %v, actual type: %v", p.key, reflect.TypeOf(v))
	}

	return msgs, nil
}

// formatContent 根据格式化类型格式化内容字符串。
func formatContent(content string, vs map[string]any, formatType FormatType) (string, error) {
	switch formatType {
	case FString:
		return pyfmt.Fmt(content, vs)
	case GoTemplate:
		parsedTmpl, err := template.New("template").
			Option("missingkey=error").
			Parse(content)
		if err != nil {
			return "", err
		}
		sb := new(strings.Builder)
		err = parsedTmpl.Execute(sb, vs)
		if err != nil {
			return "", err
		}
		return sb.String(), nil
	case Jinja2:
		env, err := getJinjaEnv()
		if err != nil {
			return "", err
		}
		tpl, err := env.FromString(content)
		if err != nil {
			return "", err
		}
		out, err := tpl.Execute(vs)
		if err != nil {
			return "", err
		}
		return out, nil
	default:
		return "", fmt.Errorf("unknown format type: %v", formatType)
	}
}

// Format 根据指定格式类型渲染消息内容并返回。
//
// 使用示例：
//
//	msg := schema.UserMessage("hello world, {name}")
//	msgs, err := msg.Format(ctx, map[string]any{"name": "runchain"}, schema.FString)
//	// msgs[0].Content 将是 "hello world, runchain"
func (m *Message) Format(_ context.Context, vs map[string]any, formatType FormatType) ([]*Message, error) {
	c, err := formatContent(m.Content, vs, formatType)
	if err != nil {
		return nil, err
	}
	copied := *m
	copied.Content = c

	return []*Message{&copied}, nil
}

var (
	jinjaEnvOnce sync.Once
	jinjaEnv     *gonja.Environment
	envInitErr   error
)

const (
	jinjaInclude = "include"
	jinjaExtends = "extends"
	jinjaImport  = "import"
	jinjaFrom    = "from"
)

// getJinjaEnv 获取自定义的 jinja 环境。
// 禁用了 include、extends、import、from 等访问外部文件的关键字。
func getJinjaEnv() (*gonja.Environment, error) {
	jinjaEnvOnce.Do(func() {
		jinjaEnv = gonja.NewEnvironment(config.DefaultConfig, gonja.DefaultLoader)
		formatInitError := "init jinja env fail: %w"
		var err error
		for _, keyword := range []string{jinjaInclude, jinjaExtends, jinjaImport, jinjaFrom} {
			if !jinjaEnv.Statements.Exists(keyword) {
				continue
			}
			kw := keyword
			err = jinjaEnv.Statements.Replace(kw, func(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
				return nil, fmt.Errorf("keyword[%s] has been disabled", kw)
			})
			if err != nil {
				envInitErr = fmt.Errorf(formatInitError, err)
				return
			}
		}
	})
	return jinjaEnv, envInitErr
}
