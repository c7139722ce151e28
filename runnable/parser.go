package runnable

import (
	"context"

	"github.com/favbox/runchain/schema"
)

// ParserLambda 将消息解析器包装为可组合的执行单元。
// 通常接在模型组件之后，把模型输出的消息解析为结构化对象。
//
// 使用示例：
//
//	parser := schema.NewMessageJSONParser[Answer](nil)
//	seq := runnable.Pipe(chain, runnable.ParserLambda(parser))
func ParserLambda[T any](parser schema.MessageParser[T]) *Lambda[*schema.Message, T] {
	return InvokableLambda(func(ctx context.Context, m *schema.Message) (T, error) {
		return parser.Parse(ctx, m)
	}).WithName("MessageParser")
}
