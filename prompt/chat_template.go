// Package prompt 提供把参数渲染为消息列表的聊天模板组件。
package prompt

import (
	"context"

	"github.com/favbox/runchain/callbacks"
	"github.com/favbox/runchain/runnable"
	"github.com/favbox/runchain/schema"
)

// DefaultChatTemplate 是默认的聊天模板实现。
//
// 实现 Runnable[map[string]any, []*schema.Message]：
// 输入是模板参数，输出是渲染后的消息列表，可直接接在模型组件之前。
type DefaultChatTemplate struct {
	// templates 聊天模板的消息模板列表。
	// 每个模板可以产出多条消息，用于定义对话的结构和内容。
	templates []schema.MessagesTemplate

	// formatType 聊天模板的格式类型（FString、GoTemplate、Jinja2）。
	formatType schema.FormatType
}

var _ runnable.Runnable[map[string]any, []*schema.Message] = (*DefaultChatTemplate)(nil)

// FromMessages 从给定的格式类型和消息模板创建一个新的默认聊天模板。
//
// 示例：
//
//	tmpl := prompt.FromMessages(schema.FString,
//		schema.SystemMessage("you are a helpful assistant"),
//		schema.MessagesPlaceholder("history", true),
//		schema.UserMessage("{question}"),
//	)
//	msgs, err := tmpl.Invoke(ctx, map[string]any{"question": "法国的首都是什么？"})
func FromMessages(formatType schema.FormatType, templates ...schema.MessagesTemplate) *DefaultChatTemplate {
	return &DefaultChatTemplate{
		templates:  templates,
		formatType: formatType,
	}
}

// Name 返回聊天模板的显示名称。
func (t *DefaultChatTemplate) Name() string {
	return "ChatTemplate"
}

func (t *DefaultChatTemplate) manager(cfg *runnable.Config) *callbacks.Manager {
	return callbacks.NewManager(&callbacks.RunInfo{
		Name:      t.Name(),
		Type:      "Default",
		Component: callbacks.ComponentOfPrompt,
	}, cfg.Handlers...)
}

// format 遍历所有模板并渲染为消息列表。
func (t *DefaultChatTemplate) format(ctx context.Context, vs map[string]any) ([]*schema.Message, error) {
	result := make([]*schema.Message, 0, len(t.templates))

	for _, template := range t.templates {
		msgs, err := template.Format(ctx, vs, t.formatType)
		if err != nil {
			return nil, err
		}

		result = append(result, msgs...)
	}

	return result, nil
}

// Invoke 使用给定的参数渲染聊天模板。
func (t *DefaultChatTemplate) Invoke(ctx context.Context, vs map[string]any, cfgs ...*runnable.Config) ([]*schema.Message, error) {
	cfg := runnable.ResolveConfig(cfgs...)
	cb := t.manager(cfg)

	ctx = cb.OnStart(ctx, vs)

	result, err := t.format(ctx, vs)
	if err != nil {
		cb.OnError(ctx, err)
		return nil, err
	}

	cb.OnEnd(ctx, result)
	return result, nil
}

// Stream 流式执行。
// 模板渲染本身没有增量产出，退化为渲染后输出单数据块流。
func (t *DefaultChatTemplate) Stream(ctx context.Context, vs map[string]any, cfgs ...*runnable.Config) (*schema.StreamReader[[]*schema.Message], error) {
	result, err := t.Invoke(ctx, vs, cfgs...)
	if err != nil {
		return nil, err
	}

	return schema.StreamReaderFromArray([][]*schema.Message{result}), nil
}

// Batch 并发批量渲染。
func (t *DefaultChatTemplate) Batch(ctx context.Context, vss []map[string]any, cfgs ...*runnable.Config) ([][]*schema.Message, error) {
	return runnable.InvokeAll[map[string]any, []*schema.Message](ctx, t, vss, cfgs...)
}
