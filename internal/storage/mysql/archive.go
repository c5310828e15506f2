package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/negotiation"
)

const upsertNegotiationSQL = `INSERT INTO negotiations
    (id, parent_id, depth, state, user_id, plan_digest, payload, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE state = VALUES(state), plan_digest = VALUES(plan_digest),
    payload = VALUES(payload), updated_at = VALUES(updated_at)`

const selectNegotiationSQL = `SELECT payload FROM negotiations WHERE id = ?`

// Archive 把已结束的协商视图写入 MySQL。
type Archive struct {
	db *sql.DB
}

// NewArchive 创建连接池并执行内嵌迁移。
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 归档失败")
	}
	archive := &Archive{db: db}
	if err := archive.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return archive, nil
}

// Save 以 upsert 方式写入协商视图，同一协商重复归档时覆盖。
func (a *Archive) Save(ctx context.Context, view negotiation.View) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("序列化协商视图失败: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, upsertNegotiationSQL,
		view.NegotiationID,
		view.ParentID,
		view.Depth,
		string(view.State),
		view.UserID,
		view.PlanDigest,
		string(payload),
		view.CreatedAt.UnixMilli(),
		view.UpdatedAt.UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 MySQL 失败")
	}
	return nil
}

// Get 按 ID 读取归档的协商视图。
func (a *Archive) Get(ctx context.Context, id string) (*negotiation.View, error) {
	var payload string
	err := a.db.QueryRowContext(ctx, selectNegotiationSQL, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("协商 %s 未归档", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协商归档失败")
	}
	var view negotiation.View
	if err := json.Unmarshal([]byte(payload), &view); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析协商归档失败")
	}
	return &view, nil
}

// Close 关闭底层数据库连接。
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
