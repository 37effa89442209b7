package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AutoTip/internal/execution"
)

const executionColumns = `id, agent_id, rule_id, recipient, amount, token, network, status, tx_hash, error, error_code, created_at, updated_at, completed_at`

const insertExecutionSQL = `INSERT INTO executions
    (id, agent_id, rule_id, recipient, amount, token, network, status, tx_hash, error, error_code, created_at, updated_at, completed_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ExecutionStore 使用条件 UPDATE 保证执行状态只能按合法路径迁移。
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore 基于已有连接池创建执行存储。连接池由调用方关闭。
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Create 实现 execution.Store 接口。
func (s *ExecutionStore) Create(ctx context.Context, exec *execution.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("执行 ID 不能为空")
	}
	status := exec.Status
	if status == "" {
		status = execution.StatusPending
	}
	created := exec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := exec.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	if _, err := s.db.ExecContext(ctx, insertExecutionSQL,
		exec.ID, exec.AgentID, exec.RuleID, exec.Recipient, exec.Amount.String(), exec.Token, exec.Network,
		string(status), exec.TxHash, exec.Error, exec.ErrorCode,
		toMillis(created), toMillis(updated), nullableMillis(exec.CompletedAt),
	); err != nil {
		if isDuplicateKey(err) {
			return execution.ErrExecutionConflict
		}
		return fmt.Errorf("写入执行失败: %w", err)
	}
	return nil
}

// Get 实现 execution.Store 接口。
func (s *ExecutionStore) Get(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, execution.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("查询执行失败: %w", err)
	}
	return exec, nil
}

// Claim 实现 execution.Store 接口。
func (s *ExecutionStore) Claim(ctx context.Context, id string, at time.Time) (*execution.Execution, error) {
	return s.transition(ctx, id, execution.StatusProcessing,
		`status = ?, updated_at = ?`, string(execution.StatusProcessing), toMillis(at))
}

// Complete 实现 execution.Store 接口。
func (s *ExecutionStore) Complete(ctx context.Context, id, txHash string, at time.Time) (*execution.Execution, error) {
	return s.transition(ctx, id, execution.StatusCompleted,
		`status = ?, tx_hash = ?, updated_at = ?, completed_at = ?`,
		string(execution.StatusCompleted), txHash, toMillis(at), toMillis(at))
}

// Fail 实现 execution.Store 接口。
func (s *ExecutionStore) Fail(ctx context.Context, id, code, message string, at time.Time) (*execution.Execution, error) {
	return s.transition(ctx, id, execution.StatusFailed,
		`status = ?, error_code = ?, error = ?, updated_at = ?, completed_at = ?`,
		string(execution.StatusFailed), code, message, toMillis(at), toMillis(at))
}

// transition 只在当前状态允许迁移到 to 时更新；未命中时区分不存在与非法迁移。
func (s *ExecutionStore) transition(ctx context.Context, id string, to execution.Status, set string, args ...any) (*execution.Execution, error) {
	from := sourceStatuses(to)
	query := `UPDATE executions SET ` + set + ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, status := range from {
		args = append(args, string(status))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("更新执行状态失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("读取更新结果失败: %w", err)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return current, execution.ErrInvalidTransition
	}
	return current, nil
}

// List 实现 execution.Store 接口。
func (s *ExecutionStore) List(ctx context.Context, opts execution.ListOptions) ([]*execution.Execution, error) {
	opts = execution.BuildListOptions(func(o *execution.ListOptions) { *o = opts })
	where, args := executionFilter(opts)
	order := "DESC"
	if opts.Order == execution.SortByCreatedAsc {
		order = "ASC"
	}
	query := `SELECT ` + executionColumns + ` FROM executions` + where +
		` ORDER BY created_at ` + order + `, id ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)
	return s.query(ctx, query, args...)
}

// Stats 实现 execution.Store 接口，分页参数不参与统计。
func (s *ExecutionStore) Stats(ctx context.Context, opts execution.ListOptions) (execution.Stats, error) {
	opts = execution.BuildListOptions(func(o *execution.ListOptions) { *o = opts })
	where, args := executionFilter(opts)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(amount), 0) FROM executions`+where+` GROUP BY status`, args...)
	if err != nil {
		return execution.Stats{}, fmt.Errorf("统计执行失败: %w", err)
	}
	defer rows.Close()

	stats := execution.Stats{AmountSent: decimal.Zero}
	for rows.Next() {
		var (
			status string
			count  int
			amount decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &amount); err != nil {
			return execution.Stats{}, fmt.Errorf("解析统计结果失败: %w", err)
		}
		stats.Total += count
		switch execution.Status(status) {
		case execution.StatusPending:
			stats.Pending += count
		case execution.StatusProcessing:
			stats.Processing += count
		case execution.StatusCompleted:
			stats.Completed += count
			stats.AmountSent = stats.AmountSent.Add(amount)
		case execution.StatusFailed:
			stats.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return execution.Stats{}, fmt.Errorf("遍历统计结果失败: %w", err)
	}
	return stats, nil
}

// ListStale 实现 execution.Store 接口，最旧的在前。
func (s *ExecutionStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*execution.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + executionColumns + ` FROM executions
    WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`
	return s.query(ctx, query,
		string(execution.StatusPending), string(execution.StatusProcessing), toMillis(before), limit)
}

// Close 不关闭共享连接池。
func (s *ExecutionStore) Close() error {
	return nil
}

func (s *ExecutionStore) query(ctx context.Context, query string, args ...any) ([]*execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询执行列表失败: %w", err)
	}
	defer rows.Close()

	results := make([]*execution.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("解析执行记录失败: %w", err)
		}
		results = append(results, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历执行记录失败: %w", err)
	}
	return results, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*execution.Execution, error) {
	var (
		exec      execution.Execution
		status    string
		created   int64
		updated   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&exec.ID, &exec.AgentID, &exec.RuleID, &exec.Recipient, &exec.Amount, &exec.Token, &exec.Network,
		&status, &exec.TxHash, &exec.Error, &exec.ErrorCode, &created, &updated, &completed); err != nil {
		return nil, err
	}
	exec.Status = execution.Status(status)
	exec.CreatedAt = fromMillis(created)
	exec.UpdatedAt = fromMillis(updated)
	if completed.Valid {
		at := fromMillis(completed.Int64)
		exec.CompletedAt = &at
	}
	return &exec, nil
}

func executionFilter(opts execution.ListOptions) (string, []any) {
	var (
		where []string
		args  []any
	)
	if opts.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, opts.RuleID)
	}
	if len(opts.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if !opts.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(opts.CreatedSince))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// sourceStatuses 返回可以迁移到 to 的状态集合。
func sourceStatuses(to execution.Status) []execution.Status {
	var from []execution.Status
	for _, status := range []execution.Status{execution.StatusPending, execution.StatusProcessing, execution.StatusCompleted, execution.StatusFailed} {
		if execution.CanTransition(status, to) {
			from = append(from, status)
		}
	}
	return from
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

var _ execution.Store = (*ExecutionStore)(nil)
