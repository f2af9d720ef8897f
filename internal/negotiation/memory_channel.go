package negotiation

import (
	"context"
	"errors"
	"sync"
)

// MemoryChannel 使用 channel 模拟智能体之间的消息通道，主要用于测试。
// 每个 DID 拥有独立的收件箱。
type MemoryChannel struct {
	mu      sync.Mutex
	inboxes map[string]chan Envelope
	size    int
	closed  bool
}

// NewMemoryChannel 创建内存消息通道。
func NewMemoryChannel(size int) *MemoryChannel {
	if size <= 0 {
		size = 64
	}
	return &MemoryChannel{
		inboxes: make(map[string]chan Envelope),
		size:    size,
	}
}

func (c *MemoryChannel) inbox(did string) (chan Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("通道已关闭")
	}
	box, ok := c.inboxes[did]
	if !ok {
		box = make(chan Envelope, c.size)
		c.inboxes[did] = box
	}
	return box, nil
}

// Send 将信封投递到收件人的收件箱。
func (c *MemoryChannel) Send(ctx context.Context, env Envelope) error {
	box, err := c.inbox(env.To)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case box <- env:
		return nil
	}
}

// Receive 启动指定数量的工作协程消费收件箱。
func (c *MemoryChannel) Receive(ctx context.Context, did string, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	box, err := c.inbox(did)
	if err != nil {
		return err
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
				case env, ok := <-box:
					if !ok {
						return
					}
					_ = handler(ctx, env)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭通道及所有收件箱。
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if !c.closed {
		for _, box := range c.inboxes {
			close(box)
		}
		c.closed = true
	}
	c.mu.Unlock()
	return nil
}

var _ Channel = (*MemoryChannel)(nil)
