package negotiation

import (
	"context"
	"encoding/json"
	"time"
)

// Kind 标识信封内容的类型。
type Kind string

const (
	KindProposal Kind = "proposal"
	KindDecision Kind = "decision"
)

// Envelope 是智能体之间传递的消息信封。
type Envelope struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// Handler 处理投递到某个 DID 收件箱的信封。
type Handler func(ctx context.Context, env Envelope) error

// Sender 负责向对端投递信封。
type Sender interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// Receiver 负责从指定 DID 的收件箱消费信封。
type Receiver interface {
	Receive(ctx context.Context, did string, workerCount int, handler Handler) error
	Close() error
}

// Channel 同时具备收发能力。
type Channel interface {
	Sender
	Receiver
}

// NewEnvelope 将负载编码进信封。
func NewEnvelope(from, to string, kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		From:    from,
		To:      to,
		Kind:    kind,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	}, nil
}
