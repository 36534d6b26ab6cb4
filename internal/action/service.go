package action

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "nookplot-core/internal/errors"
	"nookplot-core/pkg/logger"
)

// Service 负责动作的创建、审批与查询。
// 批准动作后会向唤醒队列发一条通知；通知丢失无碍正确性，
// 定时批处理兜底，通知只影响时延。
type Service struct {
	store    Store
	producer Producer
}

// NewService 构造动作服务。producer 可为 nil（纯轮询模式）。
func NewService(store Store, producer Producer) *Service {
	return &Service{store: store, producer: producer}
}

// Create 创建动作。approved 为 true 时直接进入 approved 状态并发出唤醒通知。
func (s *Service) Create(ctx context.Context, act *Action, approved bool) (*Action, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "动作服务未初始化")
	}
	if act == nil {
		return nil, xerrors.New(CodeActionValidation, "action 不能为空")
	}
	if strings.TrimSpace(act.AgentID) == "" {
		return nil, xerrors.New(CodeActionValidation, "agent_id 不能为空")
	}
	if strings.TrimSpace(act.Type) == "" {
		return nil, xerrors.New(CodeActionValidation, "动作类型不能为空")
	}
	if strings.TrimSpace(act.ID) == "" {
		act.ID = uuid.NewString()
	}
	if approved {
		act.Status = StatusApproved
	} else {
		act.Status = StatusPending
	}

	if err := s.store.Create(ctx, act); err != nil {
		if stdErrors.Is(err, ErrActionConflict) {
			existing, getErr := s.store.Get(ctx, act.ID)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	logger.AuditRecord("action_created",
		slog.String("agent_id", act.AgentID),
		slog.String("action_id", act.ID),
		slog.String("action_type", act.Type),
		slog.String("status", string(act.Status)),
		slog.Int64("estimated_cost", act.EstimatedCost),
	)
	if approved {
		s.nudge(ctx, act.ID)
	}
	return act, nil
}

// Approve 将待审批动作标记为 approved 并发出唤醒通知。
func (s *Service) Approve(ctx context.Context, id, reviewer string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "动作服务未初始化")
	}
	if err := s.store.Approve(ctx, id, reviewer); err != nil {
		return err
	}
	logger.AuditRecord("action_approved",
		slog.String("action_id", id),
		slog.String("reviewer", reviewer),
	)
	s.nudge(ctx, id)
	return nil
}

// Reject 将待审批动作标记为 rejected。
func (s *Service) Reject(ctx context.Context, id, reviewer, reason string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "动作服务未初始化")
	}
	if err := s.store.Reject(ctx, id, reviewer, reason); err != nil {
		return err
	}
	logger.AuditRecord("action_rejected",
		slog.String("action_id", id),
		slog.String("reviewer", reviewer),
		slog.String("reason", reason),
	)
	return nil
}

// Get 返回指定动作的状态。
func (s *Service) Get(ctx context.Context, id string) (*Action, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "动作存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的动作列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Action, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "动作存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的动作统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (ActionStats, error) {
	if s.store == nil {
		return ActionStats{}, xerrors.New(xerrors.CodeInitializationFailure, "动作存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (s *Service) nudge(ctx context.Context, id string) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		// 通知尽力而为，失败只记录。
		logger.L().Warn("发送唤醒通知失败", slog.Any("error", err), slog.String("action_id", id))
	}
}
