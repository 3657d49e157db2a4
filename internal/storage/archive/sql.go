package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/objective"
)

// 支持的驱动名称。
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config 描述 SQL 仓库的连接参数。
type Config struct {
	Driver          string        `json:"driver"`
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// SQLRepository 使用 MySQL 或 SQLite 保存运行历史。
type SQLRepository struct {
	db *sql.DB
}

// OpenSQL 打开数据库、配置连接池并执行迁移。
func OpenSQL(ctx context.Context, cfg Config) (*SQLRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRepository{db: db}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}
	driver := cfg.Driver
	switch driver {
	case DriverMySQL, DriverSQLite:
	case "":
		driver = DriverMySQL
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的数据库驱动", xerrors.WithField("driver", driver))
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败", xerrors.WithField("driver", driver))
	}

	switch {
	case driver == DriverSQLite:
		// SQLite 只允许单写连接。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接数据库", xerrors.WithField("driver", driver))
	}
	return db, nil
}

// Save 以 REPLACE 语义写入记录。
func (s *SQLRepository) Save(ctx context.Context, record RunRecord) error {
	results := record.Results
	if results == nil {
		results = []objective.StepResult{}
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行结果失败")
	}
	const stmt = `REPLACE INTO run_history
        (objective_id, plan_name, owner, status, progress, error_message, results, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.ObjectiveID,
		record.Plan,
		record.Owner,
		record.Status,
		record.Progress,
		record.Error,
		string(encoded),
		record.StartedAt.UnixMilli(),
		record.FinishedAt.UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行历史失败", xerrors.WithField("id", record.ObjectiveID))
	}
	return nil
}

const selectColumns = `SELECT objective_id, plan_name, owner, status, progress, error_message, results, started_at, finished_at FROM run_history`

// Get 返回指定目标的记录。
func (s *SQLRepository) Get(ctx context.Context, objectiveID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE objective_id = ?`, objectiveID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, notFound(objectiveID)
	}
	if err != nil {
		return RunRecord{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行历史失败", xerrors.WithField("id", objectiveID))
	}
	return record, nil
}

// ListLatest 按结束时间倒序返回最近的记录。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY finished_at DESC, objective_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行历史失败")
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行历史失败")
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行历史失败")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (RunRecord, error) {
	var (
		r          RunRecord
		results    string
		startedMs  int64
		finishedMs int64
	)
	if err := sc.Scan(&r.ObjectiveID, &r.Plan, &r.Owner, &r.Status, &r.Progress, &r.Error, &results, &startedMs, &finishedMs); err != nil {
		return RunRecord{}, err
	}
	if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
		return RunRecord{}, err
	}
	r.StartedAt = time.UnixMilli(startedMs).UTC()
	r.FinishedAt = time.UnixMilli(finishedMs).UTC()
	return r, nil
}

// Close 关闭连接池。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
