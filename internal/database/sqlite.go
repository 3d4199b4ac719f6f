package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	db   *sql.DB
	once sync.Once
)

func Init(dbPath string) error {
	var err error
	once.Do(func() {
		// 确保数据目录存在
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err = os.MkdirAll(dir, 0755); err != nil {
				return
			}
		}

		// WAL 模式、忙等待超时
		dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		db, err = Open(dsn)
	})
	return err
}

// Open 打开数据库并建表，不经过全局单例；测试中配合 ":memory:" 使用
func Open(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	// SQLite 单写；内存库每个连接都是独立的库，同样只能有一个连接
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := createTables(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: create tables: %w", err)
	}
	return conn, nil
}

func GetDB() *sql.DB {
	return db
}

// 时间列统一存 unix 毫秒，便于窗口比较
func createTables(conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		user_type TEXT NOT NULL DEFAULT 'regular',
		credits_total INTEGER NOT NULL DEFAULT 0,
		credits_used INTEGER NOT NULL DEFAULT 0,
		credits_remaining INTEGER NOT NULL DEFAULT 0 CHECK (credits_remaining >= 0),
		rollover_credits INTEGER NOT NULL DEFAULT 0,
		period_start INTEGER NOT NULL,
		period_end INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credit_balances_period_end ON credit_balances(period_end);

	CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		chat_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		input_cost_cents INTEGER NOT NULL DEFAULT 0,
		output_cost_cents INTEGER NOT NULL DEFAULT 0,
		total_cost_cents INTEGER NOT NULL DEFAULT 0,
		credits_deducted INTEGER NOT NULL DEFAULT 0,
		credits_delta INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		adjusts_event_id TEXT UNIQUE,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_events_user_time ON usage_events(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS reconcile_jobs (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		generation_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		estimate_input_tokens INTEGER NOT NULL,
		estimate_output_tokens INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		run_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reconcile_jobs_due ON reconcile_jobs(state, run_at);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'openai',
		base_url TEXT NOT NULL DEFAULT '',
		api_key_encrypted TEXT NOT NULL DEFAULT '',
		fallback_models TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_limit_hits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_hits_subject_time ON rate_limit_hits(subject, created_at);
	`
	_, err := conn.Exec(schema)
	return err
}

func Close() error {
	if db != nil {
		return db.Close()
	}
	return nil
}
