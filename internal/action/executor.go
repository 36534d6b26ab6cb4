package action

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"nookplot-core/internal/credit"
	xerrors "nookplot-core/internal/errors"
	"nookplot-core/internal/observability/alerting"
	"nookplot-core/internal/observability/metrics"
	"nookplot-core/pkg/logger"
)

// Handler 执行一种具体的动作类型。返回值作为动作结果持久化。
type Handler interface {
	Execute(ctx context.Context, hctx HandlerContext, payload map[string]any) (string, error)
}

// HandlerFunc 允许用函数实现 Handler。
type HandlerFunc func(ctx context.Context, hctx HandlerContext, payload map[string]any) (string, error)

// Execute 实现 Handler 接口。
func (f HandlerFunc) Execute(ctx context.Context, hctx HandlerContext, payload map[string]any) (string, error) {
	return f(ctx, hctx, payload)
}

// HandlerContext 向处理器暴露执行时的治理上下文。
type HandlerContext struct {
	AgentID          string
	ActionID         string
	RemainingBalance int64
	AutonomyLevel    AutonomyLevel
}

// DirectResult 是 ExecuteDirectly 的返回值。
// Queued 为 true 时动作已入待审批队列，ActionID 为其编号，未执行任何副作用。
type DirectResult struct {
	ActionID string `json:"action_id,omitempty"`
	Queued   bool   `json:"queued"`
	Output   string `json:"output,omitempty"`
}

// Executor 消费已批准的动作并执行。互斥性完全由存储层的
// 条件更新领取保证，执行器本身无状态、可多实例并行。
type Executor struct {
	store    Store
	log      ExecutionLog
	ledger   credit.Ledger
	registry Registry
	approver ApprovalDecider
	handlers map[string]Handler

	consumer Consumer
	alerter  alerting.Dispatcher
	logger   *slog.Logger

	workerID       string
	batchSize      int
	tick           time.Duration
	staleExecuting time.Duration
	staleApproved  time.Duration
	now            func() time.Time
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithBatchSize 设置单次处理批量大小。
func WithBatchSize(size int) ExecutorOption {
	return func(e *Executor) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

// WithTick 设置轮询间隔。
func WithTick(interval time.Duration) ExecutorOption {
	return func(e *Executor) {
		if interval > 0 {
			e.tick = interval
		}
	}
}

// WithStaleThresholds 设置滞留清理的时间阈值。
func WithStaleThresholds(executing, approved time.Duration) ExecutorOption {
	return func(e *Executor) {
		if executing > 0 {
			e.staleExecuting = executing
		}
		if approved > 0 {
			e.staleApproved = approved
		}
	}
}

// WithWakeupConsumer 配置唤醒队列的消费端。收到通知只会触发一次
// 额外的处理批次，不承载任何互斥语义。
func WithWakeupConsumer(consumer Consumer) ExecutorOption {
	return func(e *Executor) {
		e.consumer = consumer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ExecutorOption {
	return func(e *Executor) {
		e.alerter = dispatcher
	}
}

// WithExecutorLogger 指定日志输出。
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithClock 注入时钟，供测试使用。
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor 构造 Executor。
func NewExecutor(store Store, log ExecutionLog, ledger credit.Ledger, registry Registry, approver ApprovalDecider, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:          store,
		log:            log,
		ledger:         ledger,
		registry:       registry,
		approver:       approver,
		handlers:       make(map[string]Handler),
		workerID:       uuid.NewString(),
		batchSize:      10,
		tick:           15 * time.Second,
		staleExecuting: 30 * time.Minute,
		staleApproved:  2 * time.Hour,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("executor")
	}
	return e
}

// RegisterHandler 注册动作类型的处理器。
func (e *Executor) RegisterHandler(actionType string, handler Handler) {
	if handler != nil {
		e.handlers[actionType] = handler
	}
}

// Run 启动执行循环：定时批处理加滞留清理，同时消费唤醒通知。
func (e *Executor) Run(ctx context.Context) error {
	if e.store == nil || e.log == nil || e.ledger == nil || e.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}

	if e.consumer != nil {
		go func() {
			err := e.consumer.Consume(ctx, 1, func(ctx context.Context, _ string) error {
				_, err := e.ProcessApprovedActions(ctx)
				return err
			})
			if err != nil && !stdErrors.Is(err, context.Canceled) {
				e.logger.Error("唤醒队列消费退出", slog.Any("error", err))
			}
		}()
	}

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	sweepEvery := 10
	sinceSweep := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.ProcessApprovedActions(ctx); err != nil {
				e.logger.Error("处理批次失败", slog.Any("error", err))
			}
			sinceSweep++
			if sinceSweep >= sweepEvery {
				sinceSweep = 0
				if _, err := e.CleanupStaleActions(ctx); err != nil {
					e.logger.Error("清理滞留动作失败", slog.Any("error", err))
				}
			}
		}
	}
}

// ProcessApprovedActions 领取一批已批准动作并逐条执行。
// 单条动作的失败只影响它自己，批次永不中断。
func (e *Executor) ProcessApprovedActions(ctx context.Context) (int, error) {
	claimed, err := e.store.ClaimApproved(ctx, e.workerID, e.batchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, act := range claimed {
		if execErr := e.ExecuteAction(ctx, act); execErr != nil {
			e.logger.Warn("动作执行未完成",
				slog.String("action_id", act.ID),
				slog.String("agent_id", act.AgentID),
				slog.Any("error", execErr),
			)
		}
		processed++
	}
	return processed, nil
}

// ExecuteAction 执行一条已领取的动作。失败不退还已扣信用。
func (e *Executor) ExecuteAction(ctx context.Context, act *Action) error {
	return e.execute(ctx, act, AutonomyAutonomous, true)
}

// ExecuteDirectly 绕过扫描路径直接执行工具调用。
// 被禁用的工具立即拒绝；需要审批的调用只入队，不执行任何副作用。
func (e *Executor) ExecuteDirectly(ctx context.Context, agentID, toolName string, payload map[string]any, level AutonomyLevel) (*DirectResult, error) {
	if e.registry.Disabled(agentID, toolName) {
		return nil, ErrToolDisabled
	}
	policy, ok := e.registry.Policy(toolName)
	if !ok {
		return nil, ErrHandlerNotFound
	}

	if e.approver != nil && e.approver.RequiresApproval(level, toolName, policy.BaseCost) {
		act := &Action{
			ID:            uuid.NewString(),
			AgentID:       agentID,
			Type:          toolName,
			Title:         "direct: " + toolName,
			Payload:       clonePayload(payload),
			EstimatedCost: policy.BaseCost,
			Status:        StatusPending,
		}
		if err := e.store.Create(ctx, act); err != nil {
			return nil, err
		}
		logger.AuditRecord("action_queued_for_approval",
			slog.String("agent_id", agentID),
			slog.String("action_id", act.ID),
			slog.String("action_type", toolName),
		)
		return &DirectResult{ActionID: act.ID, Queued: true}, nil
	}

	// 即时执行不落 actions 行，但完整走治理管线并记执行日志。
	act := &Action{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Type:          toolName,
		Payload:       clonePayload(payload),
		EstimatedCost: policy.BaseCost,
		Status:        StatusApproved,
	}
	if err := e.execute(ctx, act, level, false); err != nil {
		return nil, err
	}
	return &DirectResult{Output: act.Result}, nil
}

// execute 是共享的六步执行管线。persisted 为 false 时跳过动作行的状态写回。
func (e *Executor) execute(ctx context.Context, act *Action, level AutonomyLevel, persisted bool) error {
	started := e.now()
	hash := HashPayload(act.Payload)

	fail := func(code xerrors.Code, cause error, charged int64, entryStatus string) error {
		var failErr error
		if cause != nil {
			failErr = cause
		} else {
			failErr = xerrors.New(code, "")
		}
		if persisted {
			if storeErr := e.store.MarkFailed(ctx, act.ID, string(code), failErr.Error()); storeErr != nil {
				e.logger.Error("标记动作失败出错", slog.Any("error", storeErr), slog.String("action_id", act.ID))
			}
		}
		e.appendEntry(ctx, act, entryStatus, hash, charged, started, failErr, code)
		if xerrors.ShouldAlert(failErr) {
			e.emitAlert(ctx, act, code, failErr)
		}
		return failErr
	}

	// 1. 处理器查找。缺失立即失败，不动信用。
	handler, ok := e.handlers[act.Type]
	if !ok {
		return fail(CodeHandlerNotFound, ErrHandlerNotFound, 0, ExecutionRejected)
	}
	policy, ok := e.registry.Policy(act.Type)
	if !ok {
		return fail(CodeHandlerNotFound, ErrHandlerNotFound, 0, ExecutionRejected)
	}

	// 2. 基于执行日志的限流检查。计数不可用按拒绝处理。
	if retryErr := e.checkRateLimit(ctx, act, policy); retryErr != nil {
		// 可重试拒绝：释放领取标记，动作留在 approved 等待下个批次。
		if persisted {
			if relErr := e.store.ReleaseClaim(ctx, act.ID); relErr != nil {
				e.logger.Error("释放领取标记失败", slog.Any("error", relErr), slog.String("action_id", act.ID))
			}
		}
		e.appendEntry(ctx, act, ExecutionRejected, hash, 0, started, retryErr, xerrors.CodeOf(retryErr))
		return retryErr
	}

	// 3. 余额与账户状态检查。
	balance, err := e.ledger.GetBalance(ctx, act.AgentID)
	if err != nil {
		return fail(xerrors.CodeOf(err), err, 0, ExecutionRejected)
	}
	if balance.Status == credit.StatusPaused {
		return fail(credit.CodeAccountPaused, credit.ErrAccountPaused, 0, ExecutionRejected)
	}

	// 4. 预扣估算成本。条件扣减会再次复核余额。
	cost := act.EstimatedCost
	if cost <= 0 {
		cost = policy.BaseCost
	}
	if cost > 0 {
		if err := e.ledger.DeductCredits(ctx, act.AgentID, cost, "action", act.ID); err != nil {
			return fail(xerrors.CodeOf(err), err, 0, ExecutionRejected)
		}
	}

	// 5. 推进到 executing 并运行处理器。推理调用自带超时，这里不再叠加。
	if persisted {
		if err := e.store.MarkExecuting(ctx, act.ID); err != nil {
			return fail(xerrors.CodeOf(err), err, cost, ExecutionFailed)
		}
	}
	hctx := HandlerContext{
		AgentID:          act.AgentID,
		ActionID:         act.ID,
		RemainingBalance: balance.Balance - cost,
		AutonomyLevel:    level,
	}
	output, execErr := handler.Execute(ctx, hctx, act.Payload)

	// 6. 回写结果。失败不退还信用。
	if execErr != nil {
		code := xerrors.CodeOf(execErr)
		if code == xerrors.CodeUnknown {
			code = CodeExecutionFailed
		}
		if persisted {
			if storeErr := e.store.MarkFailed(ctx, act.ID, string(code), execErr.Error()); storeErr != nil {
				e.logger.Error("标记动作失败出错", slog.Any("error", storeErr), slog.String("action_id", act.ID))
			}
		}
		e.appendEntry(ctx, act, ExecutionFailed, hash, cost, started, execErr, code)
		e.emitAlert(ctx, act, code, execErr)
		return xerrors.Wrap(CodeExecutionFailed, execErr, "动作执行失败")
	}

	act.Result = output
	if persisted {
		if err := e.store.MarkCompleted(ctx, act.ID, output); err != nil {
			e.logger.Error("标记动作完成出错", slog.Any("error", err), slog.String("action_id", act.ID))
			e.appendEntry(ctx, act, ExecutionFailed, hash, cost, started, err, xerrors.CodeOf(err))
			return err
		}
	}
	e.appendEntry(ctx, act, ExecutionCompleted, hash, cost, started, nil, "")
	logger.AuditRecord("action_completed",
		slog.String("agent_id", act.AgentID),
		slog.String("action_id", act.ID),
		slog.String("action_type", act.Type),
		slog.Int64("credits_charged", cost),
	)
	return nil
}

// checkRateLimit 对照执行日志校验小时与当日限额。
func (e *Executor) checkRateLimit(ctx context.Context, act *Action, policy ToolPolicy) error {
	now := e.now()
	if policy.Limit.MaxPerHour > 0 {
		count, err := e.log.CountCompletedSince(ctx, act.AgentID, act.Type, now.Add(-time.Hour))
		if err != nil {
			return xerrors.Wrap(CodeRateCheckUnavailable, err, "限流计数不可用")
		}
		if count >= policy.Limit.MaxPerHour {
			return ErrRateLimited
		}
	}
	if policy.Limit.MaxPerDay > 0 {
		count, err := e.log.CountCompletedSince(ctx, act.AgentID, act.Type, now.Add(-24*time.Hour))
		if err != nil {
			return xerrors.Wrap(CodeRateCheckUnavailable, err, "限流计数不可用")
		}
		if count >= policy.Limit.MaxPerDay {
			return ErrRateLimited
		}
	}
	return nil
}

// CleanupStaleActions 清理滞留动作并逐条告警。可重复调用，已清理的行不会二次出现。
func (e *Executor) CleanupStaleActions(ctx context.Context) (int, error) {
	now := e.now()
	swept, err := e.store.SweepStale(ctx, now.Add(-e.staleExecuting), now.Add(-e.staleApproved))
	if err != nil {
		return 0, err
	}
	for _, act := range swept {
		logger.AuditRecord("action_swept",
			slog.String("agent_id", act.AgentID),
			slog.String("action_id", act.ID),
			slog.String("error_code", act.ErrorCode),
		)
		e.emitAlert(ctx, act, CodeActionTimeout, stdErrors.New(act.LastError))
	}
	return len(swept), nil
}

// GetExecutionLog 返回智能体最近的执行记录。
func (e *Executor) GetExecutionLog(ctx context.Context, agentID string, limit int) ([]*ExecutionEntry, error) {
	return e.log.Recent(ctx, agentID, limit)
}

func (e *Executor) appendEntry(ctx context.Context, act *Action, status, hash string, charged int64, started time.Time, cause error, code xerrors.Code) {
	metrics.ObserveExecution(act.Type, status, e.now().Sub(started))
	entry := &ExecutionEntry{
		AgentID:        act.AgentID,
		ActionID:       act.ID,
		ActionType:     act.Type,
		Status:         status,
		PayloadHash:    hash,
		CreditsCharged: charged,
		DurationMS:     e.now().Sub(started).Milliseconds(),
		ErrorCode:      string(code),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := e.log.Append(ctx, entry); err != nil {
		e.logger.Error("写入执行日志失败", slog.Any("error", err), slog.String("action_id", act.ID))
	}
}

func (e *Executor) emitAlert(ctx context.Context, act *Action, code xerrors.Code, cause error) {
	if e.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		AgentID:    act.AgentID,
		ActionID:   act.ID,
		Metadata:   map[string]string{"action_type": act.Type},
		OccurredAt: e.now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		e.logger.Error("告警通知失败", slog.Any("error", err), slog.String("action_id", act.ID))
	}
}
