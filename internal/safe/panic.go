package safe

import "fmt"

// panicErr 携带 panic 信息与堆栈跟踪的错误类型。
type panicErr struct {
	info  any    // panic 信息
	stack []byte // 堆栈跟踪信息
}

func (p *panicErr) Error() string {
	return fmt.Sprintf("panic error: %v, \nstack: %s", p.info, string(p.stack))
}

// NewPanicErr 将 panic 信息与堆栈包装为 error。
// 后台 goroutine 中捕获的 panic 通过它转为错误传递给消费方。
func NewPanicErr(info any, stack []byte) error {
	return &panicErr{
		info:  info,
		stack: stack,
	}
}
