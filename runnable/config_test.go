package runnable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/favbox/runchain/callbacks"
)

func noopHandler() callbacks.Handler {
	return callbacks.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
			return ctx
		}).Build()
}

func TestConfigMerge(t *testing.T) {
	t.Run("处理器与标签按序拼接", func(t *testing.T) {
		h1, h2 := noopHandler(), noopHandler()
		base := &Config{Handlers: []callbacks.Handler{h1}, Tags: []string{"x"}}
		other := &Config{Handlers: []callbacks.Handler{h2}, Tags: []string{"y"}}

		merged := base.Merge(other)
		assert.Equal(t, []string{"x", "y"}, merged.Tags)
		assert.Len(t, merged.Handlers, 2)
	})

	t.Run("元数据与可调参数右侧覆盖", func(t *testing.T) {
		base := &Config{
			Metadata:     map[string]any{"a": 1, "b": 1},
			Configurable: map[string]any{"temperature": 0.1},
		}
		other := &Config{
			Metadata:     map[string]any{"b": 2},
			Configurable: map[string]any{"temperature": 0.9},
		}

		merged := base.Merge(other)
		assert.Equal(t, 1, merged.Metadata["a"])
		assert.Equal(t, 2, merged.Metadata["b"])
		assert.Equal(t, 0.9, merged.Configurable["temperature"])
	})

	t.Run("合并产生新实例且不修改入参", func(t *testing.T) {
		base := &Config{Tags: []string{"x"}, Metadata: map[string]any{"k": "v"}}
		other := &Config{Tags: []string{"y"}, Metadata: map[string]any{"k": "v2"}}

		merged := base.Merge(other)
		merged.Tags[0] = "mutated"
		merged.Metadata["k"] = "mutated"

		assert.Equal(t, []string{"x"}, base.Tags)
		assert.Equal(t, "v", base.Metadata["k"])
		assert.Equal(t, []string{"y"}, other.Tags)
		assert.Equal(t, "v2", other.Metadata["k"])
	})

	t.Run("递归上限右侧非零时生效", func(t *testing.T) {
		base := &Config{RecursionLimit: 10}

		assert.Equal(t, 10, base.Merge(&Config{}).RecursionLimit)
		assert.Equal(t, 3, base.Merge(&Config{RecursionLimit: 3}).RecursionLimit)
	})

	t.Run("nil 配置等价于空配置", func(t *testing.T) {
		var base *Config
		merged := base.Merge(&Config{Tags: []string{"x"}})
		assert.Equal(t, []string{"x"}, merged.Tags)

		merged = (&Config{Tags: []string{"x"}}).Merge(nil)
		assert.Equal(t, []string{"x"}, merged.Tags)
	})
}

func TestConfigChild(t *testing.T) {
	parent := &Config{Tags: []string{"x"}, Metadata: map[string]any{"env": "dev"}}
	child := parent.Child(&Config{Tags: []string{"y"}, Metadata: map[string]any{"env": "prod"}})

	assert.Equal(t, []string{"x", "y"}, child.Tags)
	assert.Equal(t, "prod", child.Metadata["env"])

	// 子配置的修改不回流到父配置。
	assert.Equal(t, "dev", parent.Metadata["env"])
	assert.Equal(t, []string{"x"}, parent.Tags)
}

func TestResolveConfig(t *testing.T) {
	cfg := ResolveConfig(
		&Config{Tags: []string{"a"}},
		nil,
		&Config{Tags: []string{"b"}, RecursionLimit: 7},
	)

	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	assert.Equal(t, 7, cfg.RecursionLimit)
}

func TestRecursionLimitDefault(t *testing.T) {
	assert.Equal(t, DefaultRecursionLimit, (&Config{}).recursionLimit())
	assert.Equal(t, DefaultRecursionLimit, (*Config)(nil).recursionLimit())
	assert.Equal(t, 5, (&Config{RecursionLimit: 5}).recursionLimit())
}
