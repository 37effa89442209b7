package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"AutoTip/internal/agent"
	xerrors "AutoTip/internal/errors"
)

// Status 表示执行在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition 描述允许的状态迁移，终态不允许再迁移。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Execution 描述一次转账尝试。
type Execution struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agentId"`
	RuleID      string          `json:"ruleId"`
	Recipient   string          `json:"recipient"`
	Amount      decimal.Decimal `json:"amount"`
	Token       string          `json:"token"`
	Network     string          `json:"network"`
	Status      Status          `json:"status"`
	TxHash      string          `json:"txHash,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"errorCode,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Clone 返回副本。
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// Outcome 将终态执行转换为代理统计需要的结果。
func (e *Execution) Outcome() agent.Outcome {
	at := e.UpdatedAt
	if e.CompletedAt != nil {
		at = *e.CompletedAt
	}
	return agent.Outcome{
		ExecutionID: e.ID,
		AgentID:     e.AgentID,
		RuleID:      e.RuleID,
		Recipient:   e.Recipient,
		Amount:      e.Amount,
		Succeeded:   e.Status == StatusCompleted,
		At:          at,
	}
}

var (
	// ErrExecutionNotFound 表示指定的执行不存在。
	ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")
	// ErrExecutionConflict 表示执行 ID 已存在。
	ErrExecutionConflict = xerrors.New(CodeExecutionConflict, "execution already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidTransition 表示执行在当前状态下不允许该迁移。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid execution transition", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeExecutionNotFound   xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionConflict   xerrors.Code = "EXECUTION_CONFLICT"
	CodeInvalidTransition   xerrors.Code = "EXECUTION_INVALID_TRANSITION"
	CodeExecutionValidation xerrors.Code = "EXECUTION_VALIDATION_FAILED"
	CodeExecutionPublish    xerrors.Code = "EXECUTION_PUBLISH_FAILED"
	CodeExecutionSubmit     xerrors.Code = "EXECUTION_SUBMIT_FAILED"
	CodeExecutionStale      xerrors.Code = "EXECUTION_STALE"
	CodeExecutionSettle     xerrors.Code = "EXECUTION_SETTLE_FAILED"
)

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:  "execution not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:  "execution already exists",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "invalid execution transition",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionValidation, xerrors.Attributes{
		Message:  "execution validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionPublish, xerrors.Attributes{
		Message:   "failed to publish execution",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeExecutionSubmit, xerrors.Attributes{
		Message:  "transfer submission failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeExecutionStale, xerrors.Attributes{
		Message:  "execution exceeded its deadline",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeExecutionSettle, xerrors.Attributes{
		Message:   "failed to settle execution",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的执行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
