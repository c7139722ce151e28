package callbacks

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/favbox/runchain/callbacks"
	"github.com/favbox/runchain/runnable"
)

func TestLoggingHandler(t *testing.T) {
	newCfg := func(buf *bytes.Buffer) *runnable.Config {
		logger := zerolog.New(buf)
		return &runnable.Config{Handlers: []callbacks.Handler{NewLoggingHandler(logger)}}
	}

	t.Run("成功执行记录开始与结束日志", func(t *testing.T) {
		buf := &bytes.Buffer{}
		upper := runnable.InvokableLambda(func(ctx context.Context, s string) (string, error) {
			return strings.ToUpper(s), nil
		})

		out, err := upper.Invoke(context.Background(), "hi", newCfg(buf))
		assert.NoError(t, err)
		assert.Equal(t, "HI", out)

		logs := buf.String()
		assert.Contains(t, logs, "run start")
		assert.Contains(t, logs, "run end")
		assert.Contains(t, logs, `"component":"Lambda"`)
		assert.Contains(t, logs, `"run_id"`)
	})

	t.Run("失败执行记录错误日志", func(t *testing.T) {
		buf := &bytes.Buffer{}
		fail := runnable.InvokableLambda(func(ctx context.Context, s string) (string, error) {
			return "", errors.New("boom")
		})

		_, err := fail.Invoke(context.Background(), "hi", newCfg(buf))
		assert.Error(t, err)

		logs := buf.String()
		assert.Contains(t, logs, "run start")
		assert.Contains(t, logs, "run error")
		assert.Contains(t, logs, "boom")
		assert.NotContains(t, logs, "run end")
	})
}
