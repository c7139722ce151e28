package callbacks

import "context"

// Component 组件分类类型。
// 用于在回调处理器中区分触发回调的组件种类。
type Component string

const (
	// ComponentOfModel 模型组件。
	ComponentOfModel Component = "Model"
	// ComponentOfPrompt 提示模板组件。
	ComponentOfPrompt Component = "ChatTemplate"
	// ComponentOfSequence 序列组件。
	ComponentOfSequence Component = "Sequence"
	// ComponentOfLambda 自定义函数组件。
	ComponentOfLambda Component = "Lambda"
)

// RunInfo 回调运行信息结构体，用于在回调处理器中传递组件执行时的上下文信息。
type RunInfo struct {
	// RunID 本次执行的唯一标识。
	// 由管理器在 OnStart 时生成，同一次执行的
	// OnStart/OnEnd/OnError/OnToken 携带相同的 RunID。
	RunID string
	// Name 用于显示的组件名称，并非唯一标识。
	Name string
	// Type 组件的具体类型标识，描述组件的实现类型。
	Type string
	// Component 组件的分类类型。
	Component Component
}

// CallbackInput 回调输入类型。
// 作为组件输入到回调处理器的统一类型抽象，
// 具体的输入类型由组件定义，需要通过类型断言获取正确的类型。
type CallbackInput = any

// CallbackOutput 回调输出类型。
// 作为组件输出到回调处理器的统一类型抽象。
type CallbackOutput = any

// Handler 回调处理器接口。
// 定义了组件执行生命周期中的四个关键回调时机。
//
// 每个方法返回的 context 会传递给同一时机的下一个处理器，
// 以及组件后续的回调时机，处理器可借此在执行链路中携带自定义数据。
type Handler interface {
	// OnStart 组件开始执行时触发。
	// 每次执行恰好触发一次。
	OnStart(ctx context.Context, info *RunInfo, input CallbackInput) context.Context

	// OnEnd 组件正常执行结束时触发。
	// 与 OnError 互斥，每次执行恰好触发其中之一。
	OnEnd(ctx context.Context, info *RunInfo, output CallbackOutput) context.Context

	// OnError 组件执行出错时触发。
	OnError(ctx context.Context, info *RunInfo, err error) context.Context

	// OnToken 流式输出产生新的文本块时触发。
	// 仅流式执行路径触发，每个文本块触发一次，按产出顺序。
	OnToken(ctx context.Context, info *RunInfo, token string) context.Context
}

// CallbackTiming 回调时机枚举类型。
type CallbackTiming uint8

const (
	// TimingOnStart 组件开始执行时机
	TimingOnStart CallbackTiming = iota
	// TimingOnEnd 组件结束执行时机
	TimingOnEnd
	// TimingOnError 组件错误执行时机
	TimingOnError
	// TimingOnToken 流式文本块产出时机
	TimingOnToken
)

// TimingChecker 回调时机检查器接口。
// 检查处理器是否需要在给定的回调时机执行，推荐回调处理器实现此接口，
// 但不是强制性的。通过 HandlerBuilder 创建的处理器会自动实现。
// 不需要该时机的回调处理器将被跳过。
type TimingChecker interface {
	// Needed 判断在指定时机是否需要执行回调。
	Needed(ctx context.Context, info *RunInfo, timing CallbackTiming) bool
}

// GlobalHandlers 全局回调处理器集合。
// 存储全局共享的回调处理器，在所有组件执行时都会被调用，
// 位于执行专属处理器之前。
var GlobalHandlers []Handler

// AppendGlobalHandlers 追加全局回调处理器。
// 全局回调处理器将在所有组件中执行，在执行配置中
// 用户特定的处理器之前执行。
// 注意：此函数不是线程安全的，只能在进程初始化期间调用。
func AppendGlobalHandlers(handlers ...Handler) {
	GlobalHandlers = append(GlobalHandlers, handlers...)
}
