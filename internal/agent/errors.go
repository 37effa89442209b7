package agent

import (
	xerrors "AutoTip/internal/errors"
)

const (
	CodeAgentNotFound   xerrors.Code = "AGENT_NOT_FOUND"
	CodeRuleNotFound    xerrors.Code = "RULE_NOT_FOUND"
	CodeAgentConflict   xerrors.Code = "AGENT_CONFLICT"
	CodeAgentValidation xerrors.Code = "AGENT_VALIDATION_FAILED"
	CodeAgentDeleted    xerrors.Code = "AGENT_DELETED"
)

var (
	// ErrAgentNotFound 表示代理不存在或不属于当前调用者。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrRuleNotFound 表示规则不存在。
	ErrRuleNotFound = xerrors.New(CodeRuleNotFound, "rule not found")
	// ErrAgentConflict 表示代理 ID 已存在。
	ErrAgentConflict = xerrors.New(CodeAgentConflict, "agent already exists")
	// ErrAgentDeleted 表示代理已被删除，不能再修改。
	ErrAgentDeleted = xerrors.New(CodeAgentDeleted, "agent deleted")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRuleNotFound, xerrors.Attributes{
		Message:  "rule not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentConflict, xerrors.Attributes{
		Message:  "agent already exists",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentValidation, xerrors.Attributes{
		Message:  "agent validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentDeleted, xerrors.Attributes{
		Message:  "agent deleted",
		Severity: xerrors.SeverityInfo,
	})
}

func invalid(format string) *xerrors.Error {
	return xerrors.New(CodeAgentValidation, format)
}
