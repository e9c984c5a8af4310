package events

import (
	"context"
	"sync"
)

// MemoryQueue 使用 channel 模拟消息队列，用于单机部署与测试。
// Publish 从不阻塞：缓冲区写满时立即返回 ErrQueueFull。
type MemoryQueue struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan []byte, size), done: make(chan struct{})}
}

// Publish 将消息投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- append([]byte(nil), payload...):
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume 启动指定数量的工作协程消费队列。内存队列不做重投。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload := <-q.ch:
					_ = handler(ctx, payload)
				case <-q.done:
					q.drain(ctx, handler)
					return
				}
			}
		}()
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		<-finished
		return ctx.Err()
	case <-finished:
		return nil
	}
}

// drain 在关闭后处理缓冲区中剩余的消息。
func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for {
		select {
		case payload := <-q.ch:
			_ = handler(ctx, payload)
		default:
			return
		}
	}
}

// Len 返回尚未消费的消息数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列，已排队的消息仍会被消费完。重复调用是安全的。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
