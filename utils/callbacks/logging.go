// Package callbacks 提供开箱即用的回调处理器实现。
package callbacks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/favbox/runchain/callbacks"
)

// NewLoggingHandler 创建基于 zerolog 的执行日志处理器。
// 在组件的开始、结束、出错和流式产出时机记录结构化日志，
// 可作为全局处理器注册，也可挂在单次执行的配置上。
//
// 使用示例：
//
//	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	cfg := &runnable.Config{Handlers: []callbacks.Handler{
//		ucallbacks.NewLoggingHandler(logger),
//	}}
func NewLoggingHandler(logger zerolog.Logger) callbacks.Handler {
	return callbacks.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
			event(logger.Info(), info).Msg("run start")
			return ctx
		}).
		OnEndFn(func(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
			event(logger.Info(), info).Msg("run end")
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
			event(logger.Error(), info).Err(err).Msg("run error")
			return ctx
		}).
		OnTokenFn(func(ctx context.Context, info *callbacks.RunInfo, token string) context.Context {
			event(logger.Debug(), info).Str("token", token).Msg("token")
			return ctx
		}).
		Build()
}

func event(e *zerolog.Event, info *callbacks.RunInfo) *zerolog.Event {
	return e.
		Str("run_id", info.RunID).
		Str("name", info.Name).
		Str("component", string(info.Component))
}
