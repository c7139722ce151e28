// Package model 提供将单个有状态推理会话接入 Runnable 组合体系的适配器。
//
// 会话本体由外部实现（本地推理引擎的绑定），以 Session 接口形式注入；
// 适配器负责生命周期、历史重建、参数解析和并发保护。
package model

import "context"

// EntryRole 会话历史条目的角色。
// 这是会话方言的角色集合，与 schema 的消息角色集合独立；
// 系统指令不进入历史，统一经由 SetSystemPrompt 传递。
type EntryRole string

const (
	// EntryUser 用户条目。
	EntryUser EntryRole = "user"
	// EntryModel 模型条目。
	EntryModel EntryRole = "model"
)

// HistoryEntry 会话历史中的一个条目。
type HistoryEntry struct {
	Role    EntryRole
	Content string
}

// GenerateOptions 单次生成的参数。
type GenerateOptions struct {
	// Temperature 采样温度，0 表示贪心解码。
	Temperature float32
	// TopP 核采样阈值。
	TopP float32
	// TopK 采样候选数量。
	TopK int
	// MaxTokens 最大生成 token 数量，0 表示不限制。
	MaxTokens int
	// RepeatPenalty 重复惩罚系数。
	RepeatPenalty float32
	// Stop 停止词列表，生成遇到任一停止词时结束。
	Stop []string
	// Seed 随机种子。nil 表示由适配器决定。
	Seed *int64

	// OnChunk 增量文本回调。
	// 非 nil 时，生成过程中每产出一段文本同步调用一次，
	// 所有片段按序拼接后与返回的完整文本一致。
	OnChunk func(chunk string)
}

// Session 有状态推理会话的外部契约。
//
// 实现不要求任何并发安全：适配器保证同一会话上的
// 所有调用互斥、无时间重叠。
type Session interface {
	// SetHistory 整体替换会话历史。
	SetHistory(entries []HistoryEntry)

	// SetSystemPrompt 设置系统指令，空串表示清除。
	SetSystemPrompt(prompt string)

	// Generate 基于当前历史和系统指令生成一段文本。
	Generate(ctx context.Context, opts GenerateOptions) (string, error)

	// Dispose 释放会话占用的资源。之后任何方法的行为未定义。
	Dispose() error
}

// Loader 会话加载函数。
// 根据模型引用创建并初始化一个会话，由适配器在首次执行时调用一次。
type Loader func(ctx context.Context, modelRef string) (Session, error)
