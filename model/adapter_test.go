package model

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/favbox/runchain/callbacks"
	"github.com/favbox/runchain/runnable"
	"github.com/favbox/runchain/schema"
)

// fakeSession 记录所有交互的会话假实现，测试专用。
// 回复规则：默认回显最后一条用户条目的内容。
type fakeSession struct {
	mu        sync.Mutex
	histories [][]HistoryEntry // 每次 SetHistory 的入参
	prompts   []string         // 每次 SetSystemPrompt 的入参
	gens      []GenerateOptions
	disposed  int

	generating bool
	overlapped bool // 观察到生成调用时间重叠

	reply   func(history []HistoryEntry, opts GenerateOptions) (string, error)
	chunkBy int // 大于 0 时按该长度分块回调 OnChunk
}

func (f *fakeSession) SetHistory(entries []HistoryEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, append([]HistoryEntry(nil), entries...))
}

func (f *fakeSession) SetSystemPrompt(prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
}

func (f *fakeSession) Generate(ctx context.Context, opts GenerateOptions) (string, error) {
	f.mu.Lock()
	if f.generating {
		f.overlapped = true
	}
	f.generating = true
	f.gens = append(f.gens, opts)
	history := f.histories[len(f.histories)-1]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.generating = false
		f.mu.Unlock()
	}()

	var text string
	var err error
	if f.reply != nil {
		text, err = f.reply(history, opts)
	} else {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == EntryUser {
				text = "echo: " + history[i].Content
				break
			}
		}
	}
	if err != nil {
		return "", err
	}

	if opts.OnChunk != nil && f.chunkBy > 0 {
		for i := 0; i < len(text); i += f.chunkBy {
			end := i + f.chunkBy
			if end > len(text) {
				end = len(text)
			}
			opts.OnChunk(text[i:end])
		}
	}

	return text, nil
}

func (f *fakeSession) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed++
	return nil
}

// newFakeAdapter 创建绑定 fakeSession 的适配器，并返回加载计数指针。
func newFakeAdapter(t *testing.T, sess *fakeSession, defaults GenerateOptions) (*Adapter, *int) {
	t.Helper()

	loads := 0
	var mu sync.Mutex
	a, err := NewAdapter(&AdapterConfig{
		Model: "fake-7b",
		Loader: func(ctx context.Context, modelRef string) (Session, error) {
			mu.Lock()
			loads++
			mu.Unlock()
			return sess, nil
		},
		DefaultOptions: defaults,
	})
	assert.Nil(t, err)
	return a, &loads
}

func TestNewAdapter(t *testing.T) {
	t.Run("缺少模型引用时报错", func(t *testing.T) {
		_, err := NewAdapter(&AdapterConfig{Loader: func(ctx context.Context, ref string) (Session, error) {
			return nil, nil
		}})
		assert.NotNil(t, err)
	})

	t.Run("缺少加载函数时报错", func(t *testing.T) {
		_, err := NewAdapter(&AdapterConfig{Model: "m"})
		assert.NotNil(t, err)
	})

	t.Run("nil 配置时报错", func(t *testing.T) {
		_, err := NewAdapter(nil)
		assert.NotNil(t, err)
	})

	t.Run("名称默认取模型引用", func(t *testing.T) {
		a, _ := newFakeAdapter(t, &fakeSession{}, GenerateOptions{})
		assert.Equal(t, "fake-7b", a.Name())
	})
}

func TestAdapterLazyInit(t *testing.T) {
	t.Run("并发执行下恰好加载一次", func(t *testing.T) {
		sess := &fakeSession{}
		a, loads := newFakeAdapter(t, sess, GenerateOptions{})

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.Invoke(context.Background(), "hi")
				assert.Nil(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, *loads)
		assert.False(t, sess.overlapped, "generate calls must not overlap")
	})

	t.Run("加载失败粘滞且不重试", func(t *testing.T) {
		loads := 0
		a, err := NewAdapter(&AdapterConfig{
			Model: "broken",
			Loader: func(ctx context.Context, ref string) (Session, error) {
				loads++
				return nil, fmt.Errorf("file not found")
			},
		})
		assert.Nil(t, err)

		_, err = a.Invoke(context.Background(), "hi")
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "file not found")

		_, err = a.Invoke(context.Background(), "hi")
		assert.NotNil(t, err)
		assert.Equal(t, 1, loads)
	})
}

func TestAdapterInputCoercion(t *testing.T) {
	ctx := context.Background()

	t.Run("字符串输入作为单个用户回合", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		msg, err := a.Invoke(ctx, "法国的首都是什么？")
		assert.Nil(t, err)
		assert.Equal(t, schema.Assistant, msg.Role)
		assert.Equal(t, "echo: 法国的首都是什么？", msg.Content)
		assert.Equal(t, "stop", msg.ResponseMeta.FinishReason)

		assert.Equal(t, []HistoryEntry{{Role: EntryUser, Content: "法国的首都是什么？"}},
			sess.histories[len(sess.histories)-1])
	})

	t.Run("消息列表按角色归一化", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		_, err := a.Invoke(ctx, []*schema.Message{
			schema.SystemMessage("you are helpful"),
			schema.UserMessage("question"),
			schema.AssistantMessage("answer"),
			schema.ToolMessage("42", "call_1"),
		})
		assert.Nil(t, err)

		assert.Equal(t, []HistoryEntry{
			{Role: EntryUser, Content: "question"},
			{Role: EntryModel, Content: "answer"},
			{Role: EntryUser, Content: "Tool Result: 42"},
		}, sess.histories[len(sess.histories)-1])
		assert.Equal(t, "you are helpful", sess.prompts[len(sess.prompts)-1])
	})

	t.Run("系统指令总是被设置", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		_, err := a.Invoke(ctx, []*schema.Message{
			schema.SystemMessage("be brief"),
			schema.UserMessage("q1"),
		})
		assert.Nil(t, err)

		// 第二次输入没有系统消息，残留的系统指令必须被清空。
		_, err = a.Invoke(ctx, "q2")
		assert.Nil(t, err)
		assert.Equal(t, "", sess.prompts[len(sess.prompts)-1])
	})

	t.Run("不支持的输入类型报错", func(t *testing.T) {
		a, _ := newFakeAdapter(t, &fakeSession{}, GenerateOptions{})
		_, err := a.Invoke(ctx, 42)
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "unsupported model input type")
	})
}

func TestAdapterOptions(t *testing.T) {
	ctx := context.Background()

	t.Run("可调参数覆盖构造默认值", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{Temperature: 0.2, MaxTokens: 128})

		_, err := a.Invoke(ctx, "hi", &runnable.Config{Configurable: map[string]any{
			ConfigKeyTemperature: 0.9,
			ConfigKeyMaxTokens:   64,
			ConfigKeyStop:        []string{"###"},
		}})
		assert.Nil(t, err)

		got := sess.gens[len(sess.gens)-1]
		assert.InDelta(t, 0.9, got.Temperature, 1e-6)
		assert.Equal(t, 64, got.MaxTokens)
		assert.Equal(t, []string{"###"}, got.Stop)
	})

	t.Run("覆盖仅对单次执行生效", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{MaxTokens: 128})

		_, _ = a.Invoke(ctx, "hi", &runnable.Config{Configurable: map[string]any{ConfigKeyMaxTokens: 64}})
		_, _ = a.Invoke(ctx, "hi")

		assert.Equal(t, 128, sess.gens[len(sess.gens)-1].MaxTokens)
	})

	t.Run("采样解码未指定种子时取随机种子", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{Temperature: 0.7})

		_, err := a.Invoke(ctx, "hi")
		assert.Nil(t, err)
		assert.NotNil(t, sess.gens[len(sess.gens)-1].Seed)
	})

	t.Run("显式种子原样透传", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{Temperature: 0.7})

		_, err := a.Invoke(ctx, "hi", &runnable.Config{Configurable: map[string]any{ConfigKeySeed: 42}})
		assert.Nil(t, err)
		assert.Equal(t, int64(42), *sess.gens[len(sess.gens)-1].Seed)
	})

	t.Run("贪心解码不注入种子", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		_, err := a.Invoke(ctx, "hi")
		assert.Nil(t, err)
		assert.Nil(t, sess.gens[len(sess.gens)-1].Seed)
	})
}

func TestAdapterBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("输出按输入顺序且批内隔离", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		outs, err := a.Batch(ctx, []any{"a", "b", "c"})
		assert.Nil(t, err)
		assert.Len(t, outs, 3)
		assert.Equal(t, "echo: a", outs[0].Content)
		assert.Equal(t, "echo: b", outs[1].Content)
		assert.Equal(t, "echo: c", outs[2].Content)

		assert.False(t, sess.overlapped)

		// 每个输入前显式清空历史：空历史与实际历史交替出现。
		assert.Equal(t, 6, len(sess.histories))
		for i := 0; i < 6; i += 2 {
			assert.Empty(t, sess.histories[i])
		}
	})

	t.Run("任一输入失败时整体失败并携带序号", func(t *testing.T) {
		sess := &fakeSession{
			reply: func(history []HistoryEntry, opts GenerateOptions) (string, error) {
				if strings.Contains(history[len(history)-1].Content, "bad") {
					return "", fmt.Errorf("generation exploded")
				}
				return "ok", nil
			},
		}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		_, err := a.Batch(ctx, []any{"fine", "bad", "fine"})
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "index: 1")
	})
}

func TestAdapterStream(t *testing.T) {
	ctx := context.Background()

	t.Run("非最终分块拼接后与完整文本一致", func(t *testing.T) {
		sess := &fakeSession{chunkBy: 3}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		sr, err := a.Stream(ctx, "streaming please")
		assert.Nil(t, err)
		defer sr.Close()

		var chunks []string
		var final *schema.Message
		for {
			msg, err := sr.Recv()
			if err == io.EOF {
				break
			}
			assert.Nil(t, err)
			if msg.ResponseMeta != nil {
				final = msg
				continue
			}
			chunks = append(chunks, msg.Content)
		}

		assert.NotNil(t, final)
		assert.Equal(t, "stop", final.ResponseMeta.FinishReason)
		assert.Equal(t, final.Content, strings.Join(chunks, ""))
	})

	t.Run("每个分块按序触发 OnToken", func(t *testing.T) {
		sess := &fakeSession{chunkBy: 2}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		var mu sync.Mutex
		var tokens []string
		handler := callbacks.NewHandlerBuilder().
			OnTokenFn(func(ctx context.Context, info *callbacks.RunInfo, token string) context.Context {
				mu.Lock()
				tokens = append(tokens, token)
				mu.Unlock()
				return ctx
			}).
			Build()

		sr, err := a.Stream(ctx, "abcdef", &runnable.Config{Handlers: []callbacks.Handler{handler}})
		assert.Nil(t, err)

		var final string
		for {
			msg, err := sr.Recv()
			if err == io.EOF {
				break
			}
			assert.Nil(t, err)
			if msg.ResponseMeta != nil {
				final = msg.Content
			}
		}
		sr.Close()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, final, strings.Join(tokens, ""))
	})

	t.Run("生成失败时流中透出错误", func(t *testing.T) {
		sess := &fakeSession{
			reply: func(history []HistoryEntry, opts GenerateOptions) (string, error) {
				return "", fmt.Errorf("oom")
			},
		}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		sr, err := a.Stream(ctx, "hi")
		assert.Nil(t, err)
		defer sr.Close()

		_, err = sr.Recv()
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "oom")
	})
}

func TestAdapterDispose(t *testing.T) {
	ctx := context.Background()

	t.Run("释放后执行返回哨兵错误", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		_, err := a.Invoke(ctx, "hi")
		assert.Nil(t, err)

		assert.Nil(t, a.Dispose())

		_, err = a.Invoke(ctx, "hi")
		assert.ErrorIs(t, err, ErrAdapterDisposed)
	})

	t.Run("释放幂等且底层只释放一次", func(t *testing.T) {
		sess := &fakeSession{}
		a, _ := newFakeAdapter(t, sess, GenerateOptions{})

		_, _ = a.Invoke(ctx, "hi")
		assert.Nil(t, a.Dispose())
		assert.Nil(t, a.Dispose())
		assert.Equal(t, 1, sess.disposed)
	})

	t.Run("未初始化即释放不触发加载", func(t *testing.T) {
		sess := &fakeSession{}
		a, loads := newFakeAdapter(t, sess, GenerateOptions{})

		assert.Nil(t, a.Dispose())
		assert.Equal(t, 0, *loads)
		assert.Equal(t, 0, sess.disposed)
	})
}
