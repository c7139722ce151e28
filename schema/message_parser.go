package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// MessageParser 消息解析器接口，将消息解析为指定类型对象。
type MessageParser[T any] interface {
	Parse(ctx context.Context, m *Message) (T, error)
}

// MessageJSONParseConfig JSON 消息解析配置。
type MessageJSONParseConfig struct {
	// ParseKeyPath JSON 字段路径，支持嵌套字段提取，如 "field.sub_field"。
	// 为空时解析整个消息内容。
	ParseKeyPath string `json:"parse_key_path,omitempty"`
}

// NewMessageJSONParser 创建一个新的 MessageJSONParser。
func NewMessageJSONParser[T any](config *MessageJSONParseConfig) MessageParser[T] {
	if config == nil {
		config = &MessageJSONParseConfig{}
	}

	return &MessageJSONParser[T]{
		ParseKeyPath: config.ParseKeyPath,
	}
}

// MessageJSONParser JSON 消息解析器，将消息内容反序列化为指定类型对象。
type MessageJSONParser[T any] struct {
	ParseKeyPath string // JSON 字段路径
}

// Parse 将消息内容解析为指定类型对象。
func (p *MessageJSONParser[T]) Parse(_ context.Context, m *Message) (parsed T, err error) {
	return p.parse(m.Content)
}

// extractData 根据配置的 JSON 路径从数据中提取目标字段。
func (p *MessageJSONParser[T]) extractData(data string) (string, error) {
	if p.ParseKeyPath == "" {
		return data, nil
	}

	keys := strings.Split(p.ParseKeyPath, ".")

	interfaceKeys := make([]interface{}, len(keys))
	for i, key := range keys {
		interfaceKeys[i] = key
	}

	node, err := sonic.GetFromString(data, interfaceKeys...)
	if err != nil {
		return "", fmt.Errorf("extract json path failed: %w", err)
	}

	bytes, err := node.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal json node failed: %w", err)
	}

	return string(bytes), nil
}

// parse 解析字符串数据为指定类型对象。
func (p *MessageJSONParser[T]) parse(data string) (parsed T, err error) {
	parsedData, err := p.extractData(data)
	if err != nil {
		return parsed, err
	}

	if err := sonic.UnmarshalString(parsedData, &parsed); err != nil {
		return parsed, fmt.Errorf("unmarshal json failed: %w", err)
	}

	return parsed, nil
}
