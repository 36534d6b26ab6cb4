package action

import (
	"context"
)

// NudgeHandler 处理一条唤醒通知。通知内容是刚被批准的动作 ID，
// 仅用于降低执行时延；互斥性完全由存储层的领取语义保证。
type NudgeHandler func(ctx context.Context, actionID string) error

// Producer 负责发出唤醒通知。
type Producer interface {
	Publish(ctx context.Context, actionID string) error
	Close() error
}

// Consumer 负责消费唤醒通知。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler NudgeHandler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
