package model

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/favbox/runchain/callbacks"
	"github.com/favbox/runchain/internal/generic"
	"github.com/favbox/runchain/runnable"
	"github.com/favbox/runchain/schema"
)

// Config.Configurable 中适配器识别的运行时参数键。
// 值覆盖构造时的默认生成参数，仅对携带它的那次执行生效。
const (
	ConfigKeyTemperature   = "temperature"
	ConfigKeyTopP          = "top_p"
	ConfigKeyTopK          = "top_k"
	ConfigKeyMaxTokens     = "max_tokens"
	ConfigKeyRepeatPenalty = "repeat_penalty"
	ConfigKeyStop          = "stop"
	ConfigKeySeed          = "seed"
)

// ErrAdapterDisposed 适配器已释放，不再接受执行请求。
var ErrAdapterDisposed = errors.New("model adapter disposed")

// sessionState 会话生命周期状态。
type sessionState uint8

const (
	stateUninitialized sessionState = iota // 尚未加载
	stateInitializing                      // 加载进行中
	stateReady                             // 可以生成
	stateFailed                            // 加载失败，错误粘滞
	stateDisposed                          // 已释放
)

// AdapterConfig 适配器的构造配置。
type AdapterConfig struct {
	// Model 模型引用，传递给 Loader，如文件路径或模型名。必填。
	Model string

	// Loader 会话加载函数。必填。
	Loader Loader

	// Name 显示名称，用于回调信息和序列自检。默认取 Model。
	Name string

	// DefaultOptions 生成参数默认值。
	// 每次执行可通过 Config.Configurable 覆盖其中的单项。
	DefaultOptions GenerateOptions
}

// Adapter 将一个非可重入的有状态推理会话适配为可组合的执行单元。
//
// 实现 Runnable[any, *schema.Message]：输入可以是字符串、单条消息
// 或消息列表，输出是一条助手消息。
//
// 会话独占：所有生成请求经由同一把互斥锁串行化，
// 会话实现无需任何并发安全。会话在首次执行时惰性加载，
// 恰好加载一次；加载失败的错误粘滞，后续执行直接返回。
type Adapter struct {
	modelRef string
	name     string
	loader   Loader
	defaults GenerateOptions

	mu      sync.Mutex
	state   sessionState
	session Session
	initErr error
}

var _ runnable.Runnable[any, *schema.Message] = (*Adapter)(nil)

// NewAdapter 创建适配器。
// 模型引用或加载函数缺失时返回错误。
func NewAdapter(config *AdapterConfig) (*Adapter, error) {
	if config == nil {
		return nil, errors.New("new model adapter: config is required")
	}
	if config.Model == "" {
		return nil, errors.New("new model adapter: model ref is required")
	}
	if config.Loader == nil {
		return nil, errors.New("new model adapter: loader is required")
	}

	name := config.Name
	if name == "" {
		name = config.Model
	}

	return &Adapter{
		modelRef: config.Model,
		name:     name,
		loader:   config.Loader,
		defaults: config.DefaultOptions,
	}, nil
}

// Name 返回适配器的显示名称。
func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) manager(cfg *runnable.Config) *callbacks.Manager {
	return callbacks.NewManager(&callbacks.RunInfo{
		Name:      a.name,
		Type:      "StatefulModel",
		Component: callbacks.ComponentOfModel,
	}, cfg.Handlers...)
}

// ensureReadyLocked 确保会话可用，必要时加载。
// 调用方必须持有 a.mu。
func (a *Adapter) ensureReadyLocked(ctx context.Context) (Session, error) {
	switch a.state {
	case stateReady:
		return a.session, nil
	case stateDisposed:
		return nil, errors.WithMessagef(ErrAdapterDisposed, "model: %s", a.modelRef)
	case stateFailed:
		// 加载失败粘滞，不做重试。
		return nil, errors.WithMessagef(a.initErr, "model session previously failed to load, model: %s", a.modelRef)
	}

	a.state = stateInitializing
	log.Debug().Str("model", a.modelRef).Msg("loading model session")

	sess, err := a.loader(ctx, a.modelRef)
	if err != nil {
		a.state = stateFailed
		a.initErr = err
		log.Debug().Str("model", a.modelRef).Err(err).Msg("model session load failed")
		return nil, errors.WithMessagef(err, "load model session failed, model: %s", a.modelRef)
	}

	a.state = stateReady
	a.session = sess
	log.Debug().Str("model", a.modelRef).Msg("model session ready")
	return sess, nil
}

// convertInput 将任意输入归一化为会话历史和系统指令。
//
// 接受字符串（单个用户回合）、*schema.Message 或 []*schema.Message；
// 系统消息的内容汇入系统指令而非历史；工具消息以文本形式并入历史。
func convertInput(input any) (entries []HistoryEntry, systemPrompt string, err error) {
	var msgs []*schema.Message

	switch in := input.(type) {
	case string:
		return []HistoryEntry{{Role: EntryUser, Content: in}}, "", nil
	case *schema.Message:
		msgs = []*schema.Message{in}
	case []*schema.Message:
		msgs = in
	default:
		return nil, "", errors.Errorf("unsupported model input type: %T", input)
	}

	var sysParts []string
	for i, msg := range msgs {
		if msg == nil {
			return nil, "", errors.Errorf("nil message in model input, index: %d", i)
		}

		switch msg.Role {
		case schema.System:
			sysParts = append(sysParts, msg.Content)
		case schema.User:
			entries = append(entries, HistoryEntry{Role: EntryUser, Content: msg.Content})
		case schema.Assistant:
			entries = append(entries, HistoryEntry{Role: EntryModel, Content: msg.Content})
		case schema.Tool:
			// 会话方言没有工具角色，以文本形式保留结果。
			entries = append(entries, HistoryEntry{Role: EntryUser, Content: "Tool Result: " + msg.Content})
		default:
			return nil, "", errors.Errorf("unknown message role: %s, index: %d", msg.Role, i)
		}
	}

	return entries, strings.Join(sysParts, "\n"), nil
}

// resolveOptions 以构造默认值为基础，叠加本次执行的 Configurable 覆盖。
func (a *Adapter) resolveOptions(cfg *runnable.Config) GenerateOptions {
	opts := a.defaults
	opts.Stop = append([]string(nil), a.defaults.Stop...)
	opts.OnChunk = nil

	c := cfg.Configurable
	if v, ok := floatFrom(c[ConfigKeyTemperature]); ok {
		opts.Temperature = v
	}
	if v, ok := floatFrom(c[ConfigKeyTopP]); ok {
		opts.TopP = v
	}
	if v, ok := intFrom(c[ConfigKeyTopK]); ok {
		opts.TopK = v
	}
	if v, ok := intFrom(c[ConfigKeyMaxTokens]); ok {
		opts.MaxTokens = v
	}
	if v, ok := floatFrom(c[ConfigKeyRepeatPenalty]); ok {
		opts.RepeatPenalty = v
	}
	if v, ok := c[ConfigKeyStop].([]string); ok {
		opts.Stop = v
	}
	if v, ok := intFrom(c[ConfigKeySeed]); ok {
		opts.Seed = generic.PtrOf(int64(v))
	}

	// 采样解码但未指定种子时取进程随机种子，避免可复现性幻觉。
	if opts.Temperature > 0 && opts.Seed == nil {
		opts.Seed = generic.PtrOf(rand.Int63())
	}

	return opts
}

// floatFrom 宽松地从 any 中提取浮点值。
func floatFrom(v any) (float32, bool) {
	switch n := v.(type) {
	case float32:
		return n, true
	case float64:
		return float32(n), true
	case int:
		return float32(n), true
	}
	return 0, false
}

// intFrom 宽松地从 any 中提取整数值。
func intFrom(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// generateLocked 在持锁状态下完成一次完整的历史重建与生成。
// 历史与系统指令总是整体替换，不依赖会话中的残留状态。
func (a *Adapter) generateLocked(ctx context.Context, sess Session, input any, opts GenerateOptions) (*schema.Message, error) {
	entries, systemPrompt, err := convertInput(input)
	if err != nil {
		return nil, err
	}

	sess.SetHistory(entries)
	sess.SetSystemPrompt(systemPrompt)

	text, err := sess.Generate(ctx, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "model generate failed, model: %s", a.modelRef)
	}

	msg := schema.AssistantMessage(text)
	msg.ResponseMeta = &schema.ResponseMeta{FinishReason: "stop"}
	return msg, nil
}

// generate 加锁执行一次生成。
func (a *Adapter) generate(ctx context.Context, input any, opts GenerateOptions) (*schema.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.ensureReadyLocked(ctx)
	if err != nil {
		return nil, err
	}

	return a.generateLocked(ctx, sess, input, opts)
}

// Invoke 同步生成一条助手消息。
func (a *Adapter) Invoke(ctx context.Context, input any, cfgs ...*runnable.Config) (*schema.Message, error) {
	cfg := runnable.ResolveConfig(cfgs...)
	cb := a.manager(cfg)

	ctx = cb.OnStart(ctx, input)

	msg, err := a.generate(ctx, input, a.resolveOptions(cfg))
	if err != nil {
		cb.OnError(ctx, err)
		return nil, err
	}

	cb.OnEnd(ctx, msg)
	return msg, nil
}

// Stream 流式生成。
// 每个增量文本块作为一条内容片段消息透出，并触发 OnToken；
// 最终块携带完整文本和结束原因，拼接性质由会话的 OnChunk 契约保证。
func (a *Adapter) Stream(ctx context.Context, input any, cfgs ...*runnable.Config) (*schema.StreamReader[*schema.Message], error) {
	cfg := runnable.ResolveConfig(cfgs...)
	cb := a.manager(cfg)

	ctx = cb.OnStart(ctx, input)
	opts := a.resolveOptions(cfg)

	sr := schema.GoSend(2, func(sw *schema.StreamWriter[*schema.Message]) {
		cctx := ctx
		opts.OnChunk = func(chunk string) {
			cctx = cb.OnToken(cctx, chunk)
			// 消费者提前关闭时生成无法中断，后续分块静默丢弃。
			sw.Send(&schema.Message{Role: schema.Assistant, Content: chunk}, nil)
		}

		msg, err := a.generate(cctx, input, opts)
		if err != nil {
			cb.OnError(cctx, err)
			sw.Send(nil, err)
			return
		}

		cb.OnEnd(cctx, msg)
		sw.Send(msg, nil)
	})

	return sr, nil
}

// Batch 批量生成。
// 整个批次持有同一把锁：输入之间严格串行、无时间重叠，
// 每个输入前显式清空历史，保证批内隔离。输出顺序与输入一致。
func (a *Adapter) Batch(ctx context.Context, inputs []any, cfgs ...*runnable.Config) ([]*schema.Message, error) {
	cfg := runnable.ResolveConfig(cfgs...)
	cb := a.manager(cfg)

	ctx = cb.OnStart(ctx, inputs)
	opts := a.resolveOptions(cfg)

	outs, err := func() ([]*schema.Message, error) {
		a.mu.Lock()
		defer a.mu.Unlock()

		sess, err := a.ensureReadyLocked(ctx)
		if err != nil {
			return nil, err
		}

		outs := make([]*schema.Message, len(inputs))
		for i, input := range inputs {
			sess.SetHistory(nil)

			msg, err := a.generateLocked(ctx, sess, input, opts)
			if err != nil {
				return nil, errors.WithMessagef(err, "batch input index: %d", i)
			}
			outs[i] = msg
		}

		return outs, nil
	}()

	if err != nil {
		cb.OnError(ctx, err)
		return nil, err
	}

	cb.OnEnd(ctx, outs)
	return outs, nil
}

// Dispose 释放底层会话。幂等；释放后的执行请求返回 ErrAdapterDisposed。
func (a *Adapter) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == stateDisposed {
		return nil
	}

	var err error
	if a.state == stateReady {
		err = a.session.Dispose()
	}

	a.state = stateDisposed
	a.session = nil
	log.Debug().Str("model", a.modelRef).Msg("model session disposed")

	if err != nil {
		return errors.WithMessagef(err, "dispose model session failed, model: %s", a.modelRef)
	}
	return nil
}
