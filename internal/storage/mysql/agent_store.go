package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"AutoTip/internal/agent"
)

const (
	insertAgentSQL = `INSERT INTO agents (id, owner_id, status, document, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)`
	selectAgentSQL          = `SELECT document FROM agents WHERE id = ?`
	selectAgentForUpdateSQL = `SELECT document FROM agents WHERE id = ? FOR UPDATE`
	updateAgentSQL          = `UPDATE agents SET owner_id = ?, status = ?, document = ?, updated_at = ? WHERE id = ?`
	insertAppliedSQL        = `INSERT IGNORE INTO agent_applied_executions (execution_id, agent_id, applied_at) VALUES (?, ?, ?)`
	insertRecipientSQL      = `INSERT IGNORE INTO agent_recipients (agent_id, recipient, first_seen_at) VALUES (?, ?, ?)`
)

// AgentStore 将代理文档以 JSON 列保存在 MySQL 中。
type AgentStore struct {
	db *sql.DB
}

// NewAgentStore 基于已有连接池创建代理存储。连接池由调用方关闭。
func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

// Create 实现 agent.Store 接口。
func (s *AgentStore) Create(ctx context.Context, ag *agent.Agent) error {
	if ag == nil || ag.ID == "" {
		return fmt.Errorf("代理 ID 不能为空")
	}
	doc, err := json.Marshal(ag)
	if err != nil {
		return fmt.Errorf("序列化代理失败: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertAgentSQL,
		ag.ID, ag.OwnerID, string(ag.Status), doc, toMillis(ag.CreatedAt), toMillis(ag.UpdatedAt),
	); err != nil {
		if isDuplicateKey(err) {
			return agent.ErrAgentConflict
		}
		return fmt.Errorf("写入代理失败: %w", err)
	}
	return nil
}

// Get 实现 agent.Store 接口。
func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return loadAgent(ctx, s.db, selectAgentSQL, id)
}

// List 实现 agent.Store 接口，按创建时间倒序。
func (s *AgentStore) List(ctx context.Context, opts agent.ListOptions) ([]*agent.Agent, error) {
	opts = agent.BuildListOptions(func(o *agent.ListOptions) { *o = opts })

	var (
		where []string
		args  []any
	)
	if opts.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, opts.OwnerID)
	}
	if len(opts.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	query := "SELECT document FROM agents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询代理列表失败: %w", err)
	}
	defer rows.Close()

	results := make([]*agent.Agent, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("解析代理记录失败: %w", err)
		}
		ag, err := decodeAgent(doc)
		if err != nil {
			return nil, err
		}
		results = append(results, ag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历代理记录失败: %w", err)
	}
	return results, nil
}

// Update 在事务内对代理行加锁后修改并写回。
func (s *AgentStore) Update(ctx context.Context, id string, mutate func(*agent.Agent) error) (*agent.Agent, error) {
	var updated *agent.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ag, err := loadAgent(ctx, tx, selectAgentForUpdateSQL, id)
		if err != nil {
			return err
		}
		if err := mutate(ag); err != nil {
			return err
		}
		if err := saveAgent(ctx, tx, ag); err != nil {
			return err
		}
		updated = ag
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyExecution 在一个事务中登记执行 ID 并累加统计，重复的执行 ID 不会再次生效。
func (s *AgentStore) ApplyExecution(ctx context.Context, outcome agent.Outcome) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		at := toMillis(outcome.At)
		res, err := tx.ExecContext(ctx, insertAppliedSQL, outcome.ExecutionID, outcome.AgentID, at)
		if err != nil {
			return fmt.Errorf("登记执行结果失败: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("读取执行登记结果失败: %w", err)
		}
		if n == 0 {
			return errAlreadyApplied
		}

		ag, err := loadAgent(ctx, tx, selectAgentForUpdateSQL, outcome.AgentID)
		if err != nil {
			return err
		}

		newRecipient := false
		if outcome.Succeeded {
			res, err := tx.ExecContext(ctx, insertRecipientSQL, outcome.AgentID, strings.ToLower(outcome.Recipient), at)
			if err != nil {
				return fmt.Errorf("登记收款人失败: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("读取收款人登记结果失败: %w", err)
			}
			newRecipient = n > 0
		}
		agent.ApplyOutcome(ag, outcome, newRecipient)
		if err := saveAgent(ctx, tx, ag); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		return false, nil
	}
	return applied, err
}

// Close 不关闭共享连接池。
func (s *AgentStore) Close() error {
	return nil
}

var errAlreadyApplied = errors.New("execution already applied")

func (s *AgentStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

func loadAgent(ctx context.Context, q querier, query, id string) (*agent.Agent, error) {
	var doc []byte
	if err := q.QueryRowContext(ctx, query, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, agent.ErrAgentNotFound
		}
		return nil, fmt.Errorf("查询代理失败: %w", err)
	}
	return decodeAgent(doc)
}

func saveAgent(ctx context.Context, q querier, ag *agent.Agent) error {
	doc, err := json.Marshal(ag)
	if err != nil {
		return fmt.Errorf("序列化代理失败: %w", err)
	}
	if _, err := q.ExecContext(ctx, updateAgentSQL, ag.OwnerID, string(ag.Status), doc, toMillis(ag.UpdatedAt), ag.ID); err != nil {
		return fmt.Errorf("更新代理失败: %w", err)
	}
	return nil
}

func decodeAgent(doc []byte) (*agent.Agent, error) {
	var ag agent.Agent
	if err := json.Unmarshal(doc, &ag); err != nil {
		return nil, fmt.Errorf("解析代理文档失败: %w", err)
	}
	return &ag, nil
}

var _ agent.Store = (*AgentStore)(nil)
