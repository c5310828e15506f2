// Package storage selects and implements the archive that keeps finished
// negotiations after they leave the in-process registry.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/negotiation"
	"AgentResonance/internal/storage/mysql"
	"AgentResonance/internal/storage/sqlite"
)

// Repository 持久化已结束的协商视图。
type Repository interface {
	Save(ctx context.Context, view negotiation.View) error
	Get(ctx context.Context, id string) (*negotiation.View, error)
	Close() error
}

// Config 描述归档驱动及其连接参数。
type Config struct {
	Driver          string
	DSN             string
	Path            string
	DataDir         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 根据驱动名称创建归档仓库。
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewFileArchive(cfg.DataDir)
	case "mysql":
		return mysql.NewArchive(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
	case "sqlite":
		return sqlite.NewArchive(ctx, cfg.Path)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的归档驱动: %s", cfg.Driver))
	}
}
