package callbacks

import (
	"context"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ctxRunIDKey 上下文运行标识键类型。
type ctxRunIDKey struct{}

// RunIDFromCtx 从上下文中提取当前执行的 RunID。
// 不存在时返回空字符串。
func RunIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxRunIDKey{}).(string)
	return id
}

// Manager 回调管理器。
// 负责将组件执行过程中的生命周期事件分发给各回调处理器。
//
// 管理器为单次执行服务：组件在每次执行的边界创建管理器，
// 在 OnStart 时生成本次执行的 RunID，后续时机复用该 RunID。
//
// nil 管理器可安全调用所有方法，等价于没有任何处理器。
type Manager struct {
	handlers []Handler
	runInfo  *RunInfo
}

// NewManager 创建回调管理器。
// 全局处理器在前，执行专属处理器在后；单个时机内按该顺序分发。
// 没有任何处理器时返回 nil，nil 管理器的分发均为空操作。
func NewManager(runInfo *RunInfo, handlers ...Handler) *Manager {
	if len(handlers)+len(GlobalHandlers) == 0 {
		return nil
	}

	hs := make([]Handler, 0, len(GlobalHandlers)+len(handlers))
	hs = append(hs, GlobalHandlers...)
	hs = append(hs, handlers...)

	return &Manager{
		handlers: hs,
		runInfo:  runInfo,
	}
}

// OnStart 分发组件开始事件。
// 生成本次执行的 RunID 并写入上下文，按注册顺序调用各处理器。
func (m *Manager) OnStart(ctx context.Context, input CallbackInput) context.Context {
	if m == nil {
		return ctx
	}

	if m.runInfo.RunID == "" {
		m.runInfo.RunID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, ctxRunIDKey{}, m.runInfo.RunID)

	for _, h := range m.needed(ctx, TimingOnStart) {
		ctx = m.safeCall(ctx, h, func(c context.Context) context.Context {
			return h.OnStart(c, m.runInfo, input)
		})
	}

	return ctx
}

// OnEnd 分发组件正常结束事件。
func (m *Manager) OnEnd(ctx context.Context, output CallbackOutput) context.Context {
	if m == nil {
		return ctx
	}

	for _, h := range m.needed(ctx, TimingOnEnd) {
		ctx = m.safeCall(ctx, h, func(c context.Context) context.Context {
			return h.OnEnd(c, m.runInfo, output)
		})
	}

	return ctx
}

// OnError 分发组件出错事件。
func (m *Manager) OnError(ctx context.Context, err error) context.Context {
	if m == nil {
		return ctx
	}

	for _, h := range m.needed(ctx, TimingOnError) {
		ctx = m.safeCall(ctx, h, func(c context.Context) context.Context {
			return h.OnError(c, m.runInfo, err)
		})
	}

	return ctx
}

// OnToken 分发流式文本块产出事件。
func (m *Manager) OnToken(ctx context.Context, token string) context.Context {
	if m == nil {
		return ctx
	}

	for _, h := range m.needed(ctx, TimingOnToken) {
		ctx = m.safeCall(ctx, h, func(c context.Context) context.Context {
			return h.OnToken(c, m.runInfo, token)
		})
	}

	return ctx
}

// needed 过滤适用于当前时机的处理器。
func (m *Manager) needed(ctx context.Context, timing CallbackTiming) []Handler {
	hs := make([]Handler, 0, len(m.handlers))
	for _, handler := range m.handlers {
		checker, ok := handler.(TimingChecker)
		if !ok || checker.Needed(ctx, m.runInfo, timing) {
			hs = append(hs, handler)
		}
	}

	return hs
}

// safeCall 调用单个处理器并隔离其 panic。
// 处理器崩溃被记录后吞掉，既不影响被观察的执行，也不影响后续处理器。
func (m *Manager) safeCall(ctx context.Context, h Handler, fn func(context.Context) context.Context) (nctx context.Context) {
	nctx = ctx
	defer func() {
		if e := recover(); e != nil {
			log.Warn().
				Str("run_id", m.runInfo.RunID).
				Str("component", string(m.runInfo.Component)).
				Interface("panic", e).
				Bytes("stack", debug.Stack()).
				Msg("callback handler panicked, skipped")
		}
	}()

	nctx = fn(ctx)
	return nctx
}
