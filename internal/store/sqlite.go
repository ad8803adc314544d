package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteStore 单表存储，文档以 JSON 形式保存，排序与范围过滤走 json_extract
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore 打开（或创建）数据库文件
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "phoenix.db"
	}
	log.Info().Str("path", path).Msg("Initializing database")
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite 单写者
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`)
	if err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}

// FindLatest sortKey 最大的一条
func (s *SQLiteStore) FindLatest(ctx context.Context, collection, sortKey string) (Record, bool, error) {
	path, err := jsonPath(sortKey)
	if err != nil {
		return nil, false, err
	}
	row := s.conn.QueryRowContext(ctx, `
		SELECT doc FROM records
		WHERE collection = ? AND json_extract(doc, ?) IS NOT NULL
		ORDER BY CAST(json_extract(doc, ?) AS REAL) DESC
		LIMIT 1
	`, collection, path, path)

	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find latest %s: %w", collection, err)
	}
	rec, err := decodeDoc(doc)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Upsert 插入或覆盖
func (s *SQLiteStore) Upsert(ctx context.Context, collection, id string, rec Record) error {
	data, err := json.Marshal(sanitize(rec))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO records (collection, id, doc) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET doc = excluded.doc
	`, collection, id, string(data))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

// QueryRange 范围查询；Match 条件在内存中过滤
func (s *SQLiteStore) QueryRange(ctx context.Context, collection string, f Filter, sortKey string) ([]Record, error) {
	query := `SELECT doc FROM records WHERE collection = ?`
	args := []any{collection}
	if f.Field != "" {
		path, err := jsonPath(f.Field)
		if err != nil {
			return nil, err
		}
		query += ` AND CAST(json_extract(doc, ?) AS REAL) >= ?`
		args = append(args, path, f.From)
		if f.To != 0 {
			query += ` AND CAST(json_extract(doc, ?) AS REAL) <= ?`
			args = append(args, path, f.To)
		}
	}
	if sortKey != "" {
		path, err := jsonPath(sortKey)
		if err != nil {
			return nil, err
		}
		query += ` ORDER BY CAST(json_extract(doc, ?) AS REAL) ASC`
		args = append(args, path)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		rec, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		if len(f.Match) > 0 && !matches(rec, Filter{Match: f.Match}) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close 关闭连接
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func decodeDoc(doc string) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(doc)))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return sanitize(rec), nil
}

// jsonPath 字段名只允许字母数字和下划线
func jsonPath(field string) (string, error) {
	if field == "" || strings.IndexFunc(field, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) >= 0 {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return "$." + field, nil
}
