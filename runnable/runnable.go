package runnable

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/favbox/runchain/callbacks"
	"github.com/favbox/runchain/schema"
)

// Runnable 可执行单元的统一契约。
// 任何实现了该接口的组件都可以通过 Pipe 与其他组件组合成执行序列。
//
// 三种执行模式的语义等价性：对同一输入，Stream 输出的所有数据块
// 拼接后应与 Invoke 的结果一致，Batch 应等价于对每个输入依次 Invoke。
type Runnable[I, O any] interface {
	// Invoke 同步执行：单个输入，单个输出。
	Invoke(ctx context.Context, input I, cfgs ...*Config) (O, error)

	// Stream 流式执行：单个输入，输出以数据块形式增量产出。
	// 调用方使用完毕必须关闭返回的流读取器。
	Stream(ctx context.Context, input I, cfgs ...*Config) (*schema.StreamReader[O], error)

	// Batch 批量执行：多个输入，按输入顺序返回对应输出。
	// 任一输入失败时整体失败。并发策略由具体实现决定。
	Batch(ctx context.Context, inputs []I, cfgs ...*Config) ([]O, error)
}

// InvokeAll 并发执行多个输入的默认批量实现。
// 输出顺序与输入顺序一致；任一输入出错时取消其余执行并返回该错误。
//
// 只适用于可并发调用的组件，独占底层资源的组件应自行实现串行批量。
func InvokeAll[I, O any](ctx context.Context, r Runnable[I, O], inputs []I, cfgs ...*Config) ([]O, error) {
	outs := make([]O, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	for i := range inputs {
		i := i
		g.Go(func() error {
			out, err := r.Invoke(gctx, inputs[i], cfgs...)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return outs, nil
}

// monitorStream 监视流读取器，在流生命周期结束时分发配对的回调事件。
//
// 流正常排空：以已收集的数据块列表触发 OnEnd；
// 流中出现错误项：触发 OnError 并透传错误；
// 消费者提前关闭：以已收集的部分数据块触发 OnEnd。
// 组件边界的 OnStart 恰好配对一次 OnEnd 或 OnError 由此保证。
func monitorStream[O any](ctx context.Context, cb *callbacks.Manager, src *schema.StreamReader[O]) *schema.StreamReader[O] {
	if cb == nil {
		return src
	}

	return schema.GoSend(0, func(sw *schema.StreamWriter[O]) {
		defer src.Close()

		var chunks []O
		for {
			chunk, err := src.Recv()
			if err == io.EOF {
				cb.OnEnd(ctx, chunks)
				return
			}
			if err != nil {
				cb.OnError(ctx, err)
				sw.Send(chunk, err)
				return
			}

			chunks = append(chunks, chunk)
			if closed := sw.Send(chunk, nil); closed {
				// 消费者放弃了流，按已接收部分收尾。
				cb.OnEnd(ctx, chunks)
				return
			}
		}
	})
}

// Lambda 将自定义函数包装为可组合的执行单元。
// 通过 InvokableLambda 或 StreamableLambda 创建。
type Lambda[I, O any] struct {
	name string

	i func(ctx context.Context, input I, cfg *Config) (O, error)
	s func(ctx context.Context, input I, cfg *Config) (*schema.StreamReader[O], error)
}

// InvokableLambda 从同步函数创建 Lambda。
// 流式执行退化为先同步执行，再以单数据块流输出完整结果。
//
// 使用示例：
//
//	upper := runnable.InvokableLambda(func(ctx context.Context, s string) (string, error) {
//		return strings.ToUpper(s), nil
//	})
//	out, err := upper.Invoke(ctx, "hi") // "HI"
func InvokableLambda[I, O any](fn func(ctx context.Context, input I) (O, error)) *Lambda[I, O] {
	return &Lambda[I, O]{
		name: "Lambda",
		i: func(ctx context.Context, input I, _ *Config) (O, error) {
			return fn(ctx, input)
		},
	}
}

// StreamableLambda 从同步函数和流式函数创建 Lambda。
// 两个函数对同一输入应产出语义等价的结果。
func StreamableLambda[I, O any](
	fn func(ctx context.Context, input I) (O, error),
	sfn func(ctx context.Context, input I) (*schema.StreamReader[O], error),
) *Lambda[I, O] {
	return &Lambda[I, O]{
		name: "Lambda",
		i: func(ctx context.Context, input I, _ *Config) (O, error) {
			return fn(ctx, input)
		},
		s: func(ctx context.Context, input I, _ *Config) (*schema.StreamReader[O], error) {
			return sfn(ctx, input)
		},
	}
}

// WithName 设置 Lambda 的显示名称，用于回调信息和序列自检。
// 返回接收者本身以支持链式调用。
func (l *Lambda[I, O]) WithName(name string) *Lambda[I, O] {
	l.name = name
	return l
}

// Name 返回该 Lambda 的显示名称。
func (l *Lambda[I, O]) Name() string {
	return l.name
}

func (l *Lambda[I, O]) manager(cfg *Config) *callbacks.Manager {
	return callbacks.NewManager(&callbacks.RunInfo{
		Name:      l.name,
		Type:      l.name,
		Component: callbacks.ComponentOfLambda,
	}, cfg.Handlers...)
}

// Invoke 同步执行包装的函数。
func (l *Lambda[I, O]) Invoke(ctx context.Context, input I, cfgs ...*Config) (o O, err error) {
	cfg := ResolveConfig(cfgs...)
	cb := l.manager(cfg)

	ctx = cb.OnStart(ctx, input)

	o, err = l.i(ctx, input, cfg)
	if err != nil {
		cb.OnError(ctx, err)
		return o, err
	}

	cb.OnEnd(ctx, o)
	return o, nil
}

// Stream 流式执行。
// 未提供流式函数时退化为同步执行后输出单数据块流。
func (l *Lambda[I, O]) Stream(ctx context.Context, input I, cfgs ...*Config) (*schema.StreamReader[O], error) {
	cfg := ResolveConfig(cfgs...)
	cb := l.manager(cfg)

	ctx = cb.OnStart(ctx, input)

	if l.s == nil {
		// 直接调用底层函数，避免在同一边界重复触发回调。
		out, err := l.i(ctx, input, cfg)
		if err != nil {
			cb.OnError(ctx, err)
			return nil, err
		}

		cb.OnEnd(ctx, out)
		return schema.StreamReaderFromArray([]O{out}), nil
	}

	sr, err := l.s(ctx, input, cfg)
	if err != nil {
		cb.OnError(ctx, err)
		return nil, err
	}

	return monitorStream(ctx, cb, sr), nil
}

// Batch 并发批量执行。
func (l *Lambda[I, O]) Batch(ctx context.Context, inputs []I, cfgs ...*Config) ([]O, error) {
	return InvokeAll[I, O](ctx, l, inputs, cfgs...)
}

// mappedRunnable 输入类型桥接的执行单元。
type mappedRunnable[NewI, I, O any] struct {
	inner Runnable[I, O]
	conv  func(NewI) (I, error)
}

// MapInput 将执行单元的输入类型从 I 桥接为 NewI。
// 用于把强类型组件接入期望其他输入类型的序列，
// 例如将接受消息列表的组件接入产出 map 参数的模板之后。
func MapInput[NewI, I, O any](r Runnable[I, O], conv func(NewI) (I, error)) Runnable[NewI, O] {
	return &mappedRunnable[NewI, I, O]{inner: r, conv: conv}
}

func (m *mappedRunnable[NewI, I, O]) Invoke(ctx context.Context, input NewI, cfgs ...*Config) (o O, err error) {
	in, err := m.conv(input)
	if err != nil {
		return o, err
	}
	return m.inner.Invoke(ctx, in, cfgs...)
}

func (m *mappedRunnable[NewI, I, O]) Stream(ctx context.Context, input NewI, cfgs ...*Config) (*schema.StreamReader[O], error) {
	in, err := m.conv(input)
	if err != nil {
		return nil, err
	}
	return m.inner.Stream(ctx, in, cfgs...)
}

func (m *mappedRunnable[NewI, I, O]) Batch(ctx context.Context, inputs []NewI, cfgs ...*Config) ([]O, error) {
	ins := make([]I, len(inputs))
	for i, input := range inputs {
		in, err := m.conv(input)
		if err != nil {
			return nil, err
		}
		ins[i] = in
	}
	return m.inner.Batch(ctx, ins, cfgs...)
}
