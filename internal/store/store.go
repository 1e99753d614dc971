package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hitushen/mcseeker/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// Store 封装了对 SQLite 数据库的持久化访问。
// 服务器档案以 (ip,port) 为键做幂等 upsert，不持有任何文档的独占锁。
type Store struct {
	DB *sql.DB
}

// ServerQuery 用于列举服务器时提供可选过滤条件。
type ServerQuery struct {
	Whitelist string // "true" | "false" | "unknown" | ""
	Cracked   string
	Search    string
	Page      int
	PageSize  int
}

// New 根据给定的 SQLite 文件路径初始化 Store。
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 更适合单写入，这里保持简单配置。

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close 释放数据库资源。
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS servers (
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			version_name TEXT NOT NULL DEFAULT 'UNKNOWN',
			version_protocol INTEGER NOT NULL DEFAULT -1,
			players_max INTEGER NOT NULL DEFAULT 0,
			players_online INTEGER NOT NULL DEFAULT 0,
			players_sample TEXT NOT NULL DEFAULT '[]',
			description TEXT NOT NULL DEFAULT '',
			favicon TEXT NOT NULL DEFAULT '',
			cracked INTEGER,
			has_forge_data INTEGER NOT NULL DEFAULT 0,
			whitelist INTEGER,
			last_seen INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (ip, port)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_servers_whitelist ON servers(whitelist);`,
		`CREATE TABLE IF NOT EXISTS tuning (
			key TEXT PRIMARY KEY,
			value REAL NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// EnsureAdmin 根据给定凭证创建或更新管理员账号，确保其存在。
func (s *Store) EnsureAdmin(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&existingID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (username, password_hash) VALUES (?, ?)`, username, string(hash)); err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
	} else if err == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, string(hash), existingID); err != nil {
			return fmt.Errorf("update admin: %w", err)
		}
	} else {
		return err
	}

	return tx.Commit()
}

// Authenticate 校验登录凭证，成功时返回用户信息。
func (s *Store) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	err := s.DB.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, errors.New("invalid credentials")
	}
	return &user, nil
}

// Upsert 以 (ip,port) 为键写入服务器档案。
// 逐字段 last-write-wins，三态字段为 nil 时不覆盖已有判定。
func (s *Store) Upsert(ctx context.Context, rec *models.ServerRecord) error {
	sample, err := json.Marshal(rec.Players.Sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO servers (
			ip, port, version_name, version_protocol, players_max, players_online,
			players_sample, description, favicon, cracked, has_forge_data, whitelist, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip, port) DO UPDATE SET
			version_name = excluded.version_name,
			version_protocol = excluded.version_protocol,
			players_max = excluded.players_max,
			players_online = excluded.players_online,
			players_sample = excluded.players_sample,
			description = excluded.description,
			favicon = CASE WHEN excluded.favicon != '' THEN excluded.favicon ELSE servers.favicon END,
			cracked = COALESCE(excluded.cracked, servers.cracked),
			has_forge_data = excluded.has_forge_data,
			whitelist = COALESCE(excluded.whitelist, servers.whitelist),
			last_seen = excluded.last_seen,
			updated_at = CURRENT_TIMESTAMP`,
		rec.IP, rec.Port, rec.Version.Name, rec.Version.Protocol,
		rec.Players.Max, rec.Players.Online, string(sample),
		rec.Description, rec.Favicon, nullBool(rec.Cracked),
		boolToInt(rec.HasForgeData), nullBool(rec.Whitelist), rec.LastSeen,
	)
	return err
}

// SetWhitelist 只更新白名单三态与最近可见时间。
func (s *Store) SetWhitelist(ctx context.Context, ip string, port int, state *bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE servers SET whitelist = ?, last_seen = ?, updated_at = CURRENT_TIMESTAMP WHERE ip = ? AND port = ?`,
		nullBool(state), time.Now().UTC().Unix(), ip, port,
	)
	return err
}

// ErrNotFound 表示目标记录不存在。
var ErrNotFound = errors.New("store: record not found")

// Get 根据 (ip,port) 读取服务器档案。
func (s *Store) Get(ctx context.Context, ip string, port int) (*models.ServerRecord, error) {
	row := s.DB.QueryRowContext(ctx, selectColumns+` FROM servers WHERE ip = ? AND port = ?`, ip, port)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

const selectColumns = `SELECT ip, port, version_name, version_protocol, players_max, players_online,
	players_sample, description, favicon, cracked, has_forge_data, whitelist, last_seen`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.ServerRecord, error) {
	var rec models.ServerRecord
	var sample string
	var cracked, whitelist sql.NullInt64
	var forge int
	if err := row.Scan(
		&rec.IP, &rec.Port, &rec.Version.Name, &rec.Version.Protocol,
		&rec.Players.Max, &rec.Players.Online, &sample,
		&rec.Description, &rec.Favicon, &cracked, &forge, &whitelist, &rec.LastSeen,
	); err != nil {
		return nil, err
	}
	if sample != "" {
		_ = json.Unmarshal([]byte(sample), &rec.Players.Sample)
	}
	rec.Cracked = intToBoolPtr(cracked)
	rec.HasForgeData = forge == 1
	rec.Whitelist = intToBoolPtr(whitelist)
	return &rec, nil
}

// List 结合过滤与分页条件返回服务器档案。
func (s *Store) List(ctx context.Context, q *ServerQuery) ([]models.ServerRecord, int, error) {
	query := &ServerQuery{}
	if q != nil {
		*query = *q
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.PageSize <= 0 {
		query.PageSize = 50
	}

	base := ` FROM servers WHERE 1=1`
	args := []interface{}{}

	switch query.Whitelist {
	case "true":
		base += ` AND whitelist = 1`
	case "false":
		base += ` AND whitelist = 0`
	case "unknown":
		base += ` AND whitelist IS NULL`
	}
	switch query.Cracked {
	case "true":
		base += ` AND cracked = 1`
	case "false":
		base += ` AND cracked = 0`
	}
	if search := strings.TrimSpace(query.Search); search != "" {
		base += ` AND (ip LIKE ? OR description LIKE ? OR version_name LIKE ?)`
		pattern := "%" + search + "%"
		args = append(args, pattern, pattern, pattern)
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1)`+base, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sel := selectColumns + base + ` ORDER BY last_seen DESC LIMIT ? OFFSET ?`
	args = append(args, query.PageSize, (query.Page-1)*query.PageSize)

	rows, err := s.DB.QueryContext(ctx, sel, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []models.ServerRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *rec)
	}
	return records, total, rows.Err()
}

// ListUndetermined 返回白名单状态尚未判定的服务器，供重新验证流程消费。
func (s *Store) ListUndetermined(ctx context.Context, limit int) ([]models.ServerRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		selectColumns+` FROM servers WHERE whitelist IS NULL ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ServerRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// SaveTuning 持久化探测器在任务结束时返回的调优状态。
func (s *Store) SaveTuning(ctx context.Context, key string, value float64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tuning (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

// LoadTuning 读取调优状态，不存在时返回 fallback。
func (s *Store) LoadTuning(ctx context.Context, key string, fallback float64) float64 {
	var v float64
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM tuning WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return fallback
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}

func intToBoolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 == 1
	return &b
}
