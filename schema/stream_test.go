package schema

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// 验证流的基础发送接收和主动关闭机制
func TestStream(t *testing.T) {
	s := newStream[int](0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			closed := s.send(i, nil)
			if closed {
				break
			}
		}
		s.closeSend()
	}()

	i := 0
	for {
		i++
		if i > 5 {
			s.closeRecv()
			break
		}
		v, err := s.recv()
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		t.Log(v)
	}

	wg.Wait()
}

// 验证 Pipe 生产消费完整传输顺序
func TestPipe(t *testing.T) {
	sr, sw := Pipe[string](3)

	go func() {
		defer sw.Close()
		for i := 0; i < 10; i++ {
			sw.Send(fmt.Sprintf("chunk_%d", i), nil)
		}
	}()

	defer sr.Close()

	var got []string
	for {
		chunk, err := sr.Recv()
		if err == io.EOF {
			break
		}
		assert.Nil(t, err)
		got = append(got, chunk)
	}

	assert.Len(t, got, 10)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("chunk_%d", i), c)
	}
}

// 验证消费端提前关闭后发送端能感知并停止
func TestPipeConsumerAbandon(t *testing.T) {
	sr, sw := Pipe[int](0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sw.Close()
		for i := 0; i < 100; i++ {
			if closed := sw.Send(i, nil); closed {
				return
			}
		}
		t.Error("sender should have observed the closed stream")
	}()

	v, err := sr.Recv()
	assert.Nil(t, err)
	assert.Equal(t, 0, v)

	sr.Close()
	<-done
}

func TestStreamReaderFromArray(t *testing.T) {
	sr := StreamReaderFromArray([]int{1, 2, 3})
	defer sr.Close()

	for i := 1; i <= 3; i++ {
		v, err := sr.Recv()
		assert.Nil(t, err)
		assert.Equal(t, i, v)
	}

	_, err := sr.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamReaderWithConvert(t *testing.T) {
	t.Run("正常转换", func(t *testing.T) {
		sr := StreamReaderFromArray([]int{1, 2, 3})
		csr := StreamReaderWithConvert(sr, func(i int) (string, error) {
			return fmt.Sprintf("val_%d", i), nil
		})
		defer csr.Close()

		s, err := csr.Recv()
		assert.Nil(t, err)
		assert.Equal(t, "val_1", s)
	})

	t.Run("ErrNoValue 跳过数据项", func(t *testing.T) {
		sr := StreamReaderFromArray([]int{1, 2, 3, 4})
		csr := StreamReaderWithConvert(sr, func(i int) (int, error) {
			if i%2 == 1 {
				return 0, ErrNoValue
			}
			return i, nil
		})
		defer csr.Close()

		var got []int
		for {
			v, err := csr.Recv()
			if err == io.EOF {
				break
			}
			assert.Nil(t, err)
			got = append(got, v)
		}

		assert.Equal(t, []int{2, 4}, got)
	})

	t.Run("转换错误原样透出", func(t *testing.T) {
		sr := StreamReaderFromArray([]int{1})
		wantErr := fmt.Errorf("convert failed")
		csr := StreamReaderWithConvert(sr, func(i int) (int, error) {
			return 0, wantErr
		})
		defer csr.Close()

		_, err := csr.Recv()
		assert.ErrorIs(t, err, wantErr)
	})
}

// 验证生产者 panic 会作为错误项出现在流中
func TestGoSendPanic(t *testing.T) {
	sr := GoSend(2, func(sw *StreamWriter[int]) {
		sw.Send(1, nil)
		panic("boom")
	})
	defer sr.Close()

	v, err := sr.Recv()
	assert.Nil(t, err)
	assert.Equal(t, 1, v)

	_, err = sr.Recv()
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = sr.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
