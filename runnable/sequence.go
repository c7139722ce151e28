package runnable

import (
	"context"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/favbox/runchain/callbacks"
	"github.com/favbox/runchain/internal/generic"
	"github.com/favbox/runchain/schema"
)

// ErrExceedRecursionLimit 组合结构的递归深度超过上限。
// 通常意味着序列之间构成了环状引用。
var ErrExceedRecursionLimit = errors.New("exceed recursion limit")

// anyStep 序列内部的类型擦除步骤。
// 输入输出统一为 any，类型检查在执行时进行。
type anyStep struct {
	name string

	invoke func(ctx context.Context, input any, cfg *Config) (any, error)
	stream func(ctx context.Context, input any, cfg *Config) (*schema.StreamReader[any], error)
}

// stepName 提取组件的显示名称。
func stepName(r any) string {
	if n, ok := r.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "Runnable"
}

// assertType 将 any 值断言为目标类型。
// nil 值对可为 nil 的目标类型断言为零值，其余不匹配返回错误。
func assertType[T any](name string, v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}

	var zero T
	if v == nil {
		switch generic.TypeOf[T]().Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
			return zero, nil
		}
	}

	return zero, errors.Errorf("step %q expects input of type %v, actual type: %T",
		name, generic.TypeOf[T](), v)
}

// toAnyStep 将强类型执行单元包装为类型擦除的步骤。
func toAnyStep[I, O any](r Runnable[I, O]) anyStep {
	name := stepName(r)

	return anyStep{
		name: name,
		invoke: func(ctx context.Context, input any, cfg *Config) (any, error) {
			in, err := assertType[I](name, input)
			if err != nil {
				return nil, err
			}
			return r.Invoke(ctx, in, cfg)
		},
		stream: func(ctx context.Context, input any, cfg *Config) (*schema.StreamReader[any], error) {
			in, err := assertType[I](name, input)
			if err != nil {
				return nil, err
			}

			sr, err := r.Stream(ctx, in, cfg)
			if err != nil {
				return nil, err
			}

			return schema.StreamReaderWithConvert(sr, func(o O) (any, error) {
				return o, nil
			}), nil
		},
	}
}

// Sequence 顺序组合的执行单元。
// 前一步的输出作为后一步的输入，任一步出错立即短路。
//
// 通过 Pipe 创建；序列参与 Pipe 时其步骤被展平进新序列，
// 因此 Pipe(Pipe(a, b), c) 与 Pipe(a, Pipe(b, c)) 产出相同的步骤列表。
type Sequence[I, O any] struct {
	steps []anyStep
}

// Pipe 组合两个执行单元为序列，左侧的输出类型必须与右侧的输入类型一致。
//
// 使用示例：
//
//	seq := runnable.Pipe(tmpl, model)        // Runnable[map[string]any, *schema.Message]
//	seq2 := runnable.Pipe(seq, parser)       // 继续向后组合
//	out, err := seq2.Invoke(ctx, params)
func Pipe[A, B, C any](l Runnable[A, B], r Runnable[B, C]) *Sequence[A, C] {
	var steps []anyStep

	// 序列作为组合项时展平，保持步骤列表扁平。
	if ls, ok := l.(*Sequence[A, B]); ok {
		steps = append(steps, ls.steps...)
	} else {
		steps = append(steps, toAnyStep[A, B](l))
	}

	if rs, ok := r.(*Sequence[B, C]); ok {
		steps = append(steps, rs.steps...)
	} else {
		steps = append(steps, toAnyStep[B, C](r))
	}

	return &Sequence[A, C]{steps: steps}
}

// Name 返回序列的显示名称。
func (s *Sequence[I, O]) Name() string {
	return "Sequence"
}

// Len 返回序列展平后的步骤数量。
func (s *Sequence[I, O]) Len() int {
	return len(s.steps)
}

// StepNames 返回各步骤的显示名称，按执行顺序排列。
func (s *Sequence[I, O]) StepNames() []string {
	names := make([]string, len(s.steps))
	for i, st := range s.steps {
		names[i] = st.name
	}
	return names
}

// String 返回序列的可读表示，如 "Sequence(ChatTemplate -> Model)"。
func (s *Sequence[I, O]) String() string {
	return "Sequence(" + strings.Join(s.StepNames(), " -> ") + ")"
}

func (s *Sequence[I, O]) manager(cfg *Config) *callbacks.Manager {
	return callbacks.NewManager(&callbacks.RunInfo{
		Name:      s.Name(),
		Type:      s.Name(),
		Component: callbacks.ComponentOfSequence,
	}, cfg.Handlers...)
}

// enterDepth 递增递归深度并做上限检查。
func (s *Sequence[I, O]) enterDepth(ctx context.Context, cfg *Config) (context.Context, error) {
	depth := depthFromCtx(ctx) + 1
	if limit := cfg.recursionLimit(); depth > limit {
		return ctx, errors.WithMessagef(ErrExceedRecursionLimit, "limit: %d", limit)
	}
	return withDepth(ctx, depth), nil
}

// Invoke 依次同步执行各步骤。
func (s *Sequence[I, O]) Invoke(ctx context.Context, input I, cfgs ...*Config) (o O, err error) {
	cfg := ResolveConfig(cfgs...)

	ctx, err = s.enterDepth(ctx, cfg)
	if err != nil {
		return o, err
	}

	cb := s.manager(cfg)
	ctx = cb.OnStart(ctx, input)

	var cur any = input
	for i, st := range s.steps {
		cur, err = st.invoke(ctx, cur, cfg)
		if err != nil {
			err = errors.WithMessagef(err, "sequence step %d (%s)", i, st.name)
			cb.OnError(ctx, err)
			return o, err
		}
	}

	out, err := assertType[O]("output", cur)
	if err != nil {
		cb.OnError(ctx, err)
		return o, err
	}

	cb.OnEnd(ctx, out)
	return out, nil
}

// Stream 流式执行序列。
// 末步之前的步骤同步执行，末步以流式执行，数据块增量透出。
func (s *Sequence[I, O]) Stream(ctx context.Context, input I, cfgs ...*Config) (*schema.StreamReader[O], error) {
	cfg := ResolveConfig(cfgs...)

	ctx, err := s.enterDepth(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cb := s.manager(cfg)
	ctx = cb.OnStart(ctx, input)

	var cur any = input

	if len(s.steps) == 0 {
		out, aErr := assertType[O]("output", cur)
		if aErr != nil {
			cb.OnError(ctx, aErr)
			return nil, aErr
		}
		cb.OnEnd(ctx, out)
		return schema.StreamReaderFromArray([]O{out}), nil
	}

	for i, st := range s.steps[:len(s.steps)-1] {
		cur, err = st.invoke(ctx, cur, cfg)
		if err != nil {
			err = errors.WithMessagef(err, "sequence step %d (%s)", i, st.name)
			cb.OnError(ctx, err)
			return nil, err
		}
	}

	last := s.steps[len(s.steps)-1]
	sr, err := last.stream(ctx, cur, cfg)
	if err != nil {
		err = errors.WithMessagef(err, "sequence step %d (%s)", len(s.steps)-1, last.name)
		cb.OnError(ctx, err)
		return nil, err
	}

	out := schema.StreamReaderWithConvert(sr, func(v any) (O, error) {
		return assertType[O]("output", v)
	})

	return monitorStream(ctx, cb, out), nil
}

// Batch 并发批量执行序列。
func (s *Sequence[I, O]) Batch(ctx context.Context, inputs []I, cfgs ...*Config) ([]O, error) {
	return InvokeAll[I, O](ctx, s, inputs, cfgs...)
}
