package runnable

import (
	"context"

	"github.com/favbox/runchain/callbacks"
	"github.com/favbox/runchain/internal/generic"
)

// DefaultRecursionLimit 递归深度上限的默认值。
const DefaultRecursionLimit = 25

// Config 单次执行的配置。
// 在执行入口传入，沿组合结构传递给每个参与执行的组件。
//
// 零值可用；nil *Config 在所有接收它的地方等价于空配置。
type Config struct {
	// Handlers 本次执行的回调处理器列表。
	// 处理器按列表顺序在每个回调时机被调用。
	Handlers []callbacks.Handler

	// Metadata 本次执行的附加元数据，随回调信息透传。
	Metadata map[string]any

	// Tags 本次执行的标签列表，随回调信息透传。
	Tags []string

	// RecursionLimit 组合结构的递归深度上限。
	// 0 表示使用 DefaultRecursionLimit。
	RecursionLimit int

	// Configurable 运行时可调参数集合。
	// 组件在执行时读取自己关心的键，覆盖构造时的默认值。
	Configurable map[string]any
}

// Merge 合并两份配置并返回新实例，两个入参均不被修改。
//
// 合并规则：
//   - Handlers、Tags：接收者在前、other 在后拼接；
//   - Metadata、Configurable：逐键合并，other 中的键覆盖接收者；
//   - RecursionLimit：other 设置了非零值时取 other，否则保留接收者。
//
// 任意一方为 nil 时返回另一方的副本。
func (c *Config) Merge(other *Config) *Config {
	if c == nil {
		return other.copy()
	}
	if other == nil {
		return c.copy()
	}

	merged := c.copy()

	merged.Handlers = append(merged.Handlers, other.Handlers...)
	merged.Tags = append(merged.Tags, other.Tags...)

	if len(other.Metadata) > 0 {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]any, len(other.Metadata))
		}
		for k, v := range other.Metadata {
			merged.Metadata[k] = v
		}
	}

	if len(other.Configurable) > 0 {
		if merged.Configurable == nil {
			merged.Configurable = make(map[string]any, len(other.Configurable))
		}
		for k, v := range other.Configurable {
			merged.Configurable[k] = v
		}
	}

	if other.RecursionLimit != 0 {
		merged.RecursionLimit = other.RecursionLimit
	}

	return merged
}

// Child 以接收者为基础派生子配置。
// 等价于 c.Merge(overrides)，用于表达"继承并局部覆盖"的意图。
func (c *Config) Child(overrides *Config) *Config {
	return c.Merge(overrides)
}

// copy 创建配置的深一层副本，切片与映射均重新分配。
func (c *Config) copy() *Config {
	if c == nil {
		return &Config{}
	}

	return &Config{
		Handlers:       generic.CopySlice(c.Handlers),
		Metadata:       generic.CopyMap(c.Metadata),
		Tags:           generic.CopySlice(c.Tags),
		RecursionLimit: c.RecursionLimit,
		Configurable:   generic.CopyMap(c.Configurable),
	}
}

// recursionLimit 返回生效的递归深度上限。
func (c *Config) recursionLimit() int {
	if c == nil || c.RecursionLimit <= 0 {
		return DefaultRecursionLimit
	}
	return c.RecursionLimit
}

// ResolveConfig 将变长配置参数合并为一份生效配置。
// 从空配置出发依次合并，后传入的配置优先级更高。
func ResolveConfig(cfgs ...*Config) *Config {
	cfg := &Config{}
	for _, c := range cfgs {
		cfg = cfg.Merge(c)
	}
	return cfg
}

// ctxDepthKey 上下文递归深度键类型。
type ctxDepthKey struct{}

// withDepth 将递归深度写入上下文。
func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ctxDepthKey{}, depth)
}

// depthFromCtx 从上下文中读取当前递归深度，不存在时为 0。
func depthFromCtx(ctx context.Context) int {
	d, _ := ctx.Value(ctxDepthKey{}).(int)
	return d
}
