package schema

import (
	"errors"
	"io"
	"runtime/debug"

	"github.com/favbox/runchain/internal/safe"
)

// Pipe 创建指定容量的流，返回流读取器和流写入器。
// 容量表示流中可缓冲的最大数据项数量。
// 生产者发送、消费者接收通过 channel 衔接，无需轮询。
//
// 示例:
//
//	sr, sw := schema.Pipe[string](3)
//	go func() { // 发送数据
//	        defer sw.Close()
//	        for i := 0; i < 10; i++ {
//	                sw.Send(strconv.Itoa(i), nil)
//	        }
//	}()
//
//	defer sr.Close()
//	for {
//	        chunk, err := sr.Recv()
//	        if errors.Is(err, io.EOF) {
//	                break
//	        }
//	        fmt.Println(chunk)
//	}
func Pipe[T any](cap int) (*StreamReader[T], *StreamWriter[T]) {
	stm := newStream[T](cap)
	return stm.asReader(), &StreamWriter[T]{stm: stm}
}

// StreamReaderFromArray 从给定数组创建流读取器。
// 允许以流的方式控制数组元素的读取。
//
// 示例：
//
//	sr := schema.StreamReaderFromArray([]int{1, 2, 3})
//	defer sr.Close()
//
//	for {
//		chunk, err := sr.Recv()
//		if errors.Is(err, io.EOF) {
//			break
//		}
//		fmt.Println(chunk)
//	}
func StreamReaderFromArray[T any](arr []T) *StreamReader[T] {
	return &StreamReader[T]{ar: &arrayReader[T]{arr: arr}, typ: readerTypeArray}
}

// StreamReaderWithConvert 将流读取器转换为另一种类型的流读取器。
// 转换函数返回 ErrNoValue 时该项被跳过，不出现在目标流中。
//
// 示例：
//
//	intReader := schema.StreamReaderFromArray([]int{1, 2, 3})
//	stringReader := schema.StreamReaderWithConvert(intReader, func(i int) (string, error) {
//		return fmt.Sprintf("val_%d", i), nil
//	})
//	defer stringReader.Close() // 使用 Recv() 时必须关闭，否则可能泄露协程
//
//	s, err := stringReader.Recv()
//	fmt.Println(s) // 输出：val_1
func StreamReaderWithConvert[T, D any](sr *StreamReader[T], convert func(T) (D, error)) *StreamReader[D] {
	c := func(a any) (D, error) {
		return convert(a.(T))
	}

	return newStreamReaderWithConvert(sr, c)
}

// ErrNoValue 用于 StreamReaderWithConvert 中跳过流数据项。
// 在转换函数中返回此错误会从转换后的流中排除该项。
// 请勿在其他情况下使用。
var ErrNoValue = errors.New("no value")

// iStreamReader 内部流读取器接口，使用 any 类型支持异构数据处理。
type iStreamReader interface {
	recvAny() (any, error) // 接收任意类型的数据
	Close()                // 关闭读取器
}

// StreamReader 流数据接收器。
// 由 Pipe 函数创建，用于从流中读取数据。
// 单消费者使用：Recv 与 Close 不支持并发调用。
type StreamReader[T any] struct {
	typ readerType

	st *stream[T]

	ar *arrayReader[T]

	srw *streamReaderWithConvert[T]
}

// StreamWriter 流数据发送器。
// 由 Pipe 函数创建，用于向流中发送数据。
type StreamWriter[T any] struct {
	stm *stream[T] // 底层流对象
}

// Recv 从流中接收数据。
// 流结束时返回 io.EOF。
func (sr *StreamReader[T]) Recv() (T, error) {
	switch sr.typ {
	case readerTypeStream:
		return sr.st.recv()
	case readerTypeArray:
		return sr.ar.recv()
	case readerTypeWithConvert:
		return sr.srw.recv()
	default:
		panic("impossible reader type")
	}
}

// Close 安全关闭流读取器。
// 只应调用一次，多次调用可能导致意外行为。
// 注意：使用 Recv() 后务必记得调用 Close()，
// 否则生产端协程可能一直阻塞在发送上。
func (sr *StreamReader[T]) Close() {
	switch sr.typ {
	case readerTypeStream:
		sr.st.closeRecv()
	case readerTypeArray:
		// 数组读取器无需关闭
	case readerTypeWithConvert:
		sr.srw.close()
	default:
		panic("impossible reader type")
	}
}

// recvAny 以 any 类型接收数据。
func (sr *StreamReader[T]) recvAny() (any, error) {
	return sr.Recv()
}

// Send 向流中发送数据。
// 返回值表示接收端是否已关闭；关闭后发送的数据会被丢弃，
// 生产者应据此尽快停止生产。
//
// 示例:
//
//	closed := sw.Send(chunk, nil)
//	if closed {
//	        return // 消费者已放弃该流
//	}
func (sw *StreamWriter[T]) Send(chunk T, err error) (closed bool) {
	return sw.stm.send(chunk, err)
}

// Close 关闭流的发送端，通知接收者发送已完成。
// 接收者将从 StreamReader.Recv() 收到 io.EOF 错误。
// 注意：发送完所有数据后务必记得调用 Close()。
func (sw *StreamWriter[T]) Close() {
	sw.stm.closeSend()
}

// readerType 表示流读取器的类型
type readerType int

const (
	readerTypeStream      readerType = iota // 基础流读取器
	readerTypeArray                         // 数组读取器
	readerTypeWithConvert                   // 带转换的读取器
)

// stream 基于 channel 的底层流，支持 1 个发送者和 1 个接收者。
// 发送者调用 closeSend() 通知接收者流已结束，
// 接收者调用 closeRecv() 通知发送者停止发送。
type stream[T any] struct {
	items chan streamItem[T] // 数据传输通道

	closed chan struct{} // 关闭信号通道
}

// streamItem 流中的数据项，包含数据块和可能的错误。
type streamItem[T any] struct {
	chunk T
	err   error
}

// newStream 创建指定容量的新流。
func newStream[T any](cap int) *stream[T] {
	return &stream[T]{
		items:  make(chan streamItem[T], cap),
		closed: make(chan struct{}),
	}
}

// asReader 将流转换为流读取器。
func (s *stream[T]) asReader() *StreamReader[T] {
	return &StreamReader[T]{typ: readerTypeStream, st: s}
}

// recv 从流中接收数据块。
// 发送端已关闭且缓冲耗尽时返回 io.EOF。
func (s *stream[T]) recv() (chunk T, err error) {
	item, ok := <-s.items

	if !ok {
		item.err = io.EOF
	}

	return item.chunk, item.err
}

// send 向流中发送数据块。
// 接收端已关闭：返回 true；发送成功：返回 false。
func (s *stream[T]) send(chunk T, err error) (closed bool) {
	// 接收端已关闭时立即返回
	select {
	case <-s.closed:
		return true
	default:
	}

	item := streamItem[T]{chunk, err}

	select {
	case <-s.closed:
		return true
	case s.items <- item:
		return false
	}
}

// closeSend 关闭流的发送端，通知接收者流已结束。
func (s *stream[T]) closeSend() {
	close(s.items)
}

// closeRecv 关闭流的接收端，通知发送者停止发送。
func (s *stream[T]) closeRecv() {
	close(s.closed)
}

// arrayReader 基于数组的读取器，顺序读取数组元素。
type arrayReader[T any] struct {
	arr   []T // 源数组
	index int // 当前读取位置
}

// recv 从数组中读取下一个元素。
// 有元素：返回元素和 nil；无元素：返回零值和 io.EOF。
func (ar *arrayReader[T]) recv() (T, error) {
	if ar.index < len(ar.arr) {
		ret := ar.arr[ar.index]
		ar.index++

		return ret, nil
	}

	var t T
	return t, io.EOF
}

// streamReaderWithConvert 带转换功能的流读取器。
// 将原始流数据通过转换函数转换为目标类型。
type streamReaderWithConvert[T any] struct {
	sr      iStreamReader        // 原始流读取器
	convert func(any) (T, error) // 转换函数
}

func newStreamReaderWithConvert[T any](origin iStreamReader, convert func(any) (T, error)) *StreamReader[T] {
	srw := &streamReaderWithConvert[T]{
		sr:      origin,
		convert: convert,
	}

	return &StreamReader[T]{
		typ: readerTypeWithConvert,
		srw: srw,
	}
}

// recv 接收并转换流数据。
// 转换函数返回 ErrNoValue 时跳过该项继续接收。
func (srw *streamReaderWithConvert[T]) recv() (T, error) {
	for {
		out, err := srw.sr.recvAny()

		if err != nil {
			var t T
			return t, err
		}

		t, err := srw.convert(out)
		if err == nil {
			return t, err
		}

		if !errors.Is(err, ErrNoValue) {
			return t, err
		}
	}
}

// close 关闭原始流读取器。
func (srw *streamReaderWithConvert[T]) close() {
	srw.sr.Close()
}

// recoverSend 捕获 panic 转换为错误发送到流中，然后关闭发送端。
// 生产者协程应以 defer 方式调用。
func recoverSend[T any](sw *StreamWriter[T]) {
	panicErr := recover()
	if panicErr != nil {
		var chunk T
		_ = sw.Send(chunk, safe.NewPanicErr(panicErr, debug.Stack()))
	}

	sw.Close()
}

// GoSend 启动生产者协程，将 produce 产出的数据依次发送到返回的流读取器。
// produce 中的 panic 会被捕获并作为错误项出现在流中。
func GoSend[T any](cap int, produce func(sw *StreamWriter[T])) *StreamReader[T] {
	sr, sw := Pipe[T](cap)

	go func() {
		defer recoverSend(sw)
		produce(sw)
	}()

	return sr
}
