package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/carloslauriano/guardrelay/config"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implementa a interface Storage para SQLite
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage cria uma nova instância de armazenamento SQLite
func NewSQLiteStorage(cfg *config.StorageConfig) (Storage, error) {
	// Garantir que o diretório existe
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("falha ao criar diretório para SQLite: %w", err)
	}

	return &SQLiteStorage{
		path: cfg.Path,
	}, nil
}

// Open abre a conexão com o banco de dados
func (s *SQLiteStorage) Open() error {
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("falha ao abrir banco de dados SQLite: %w", err)
	}
	s.db = db

	if err := s.createSchema(); err != nil {
		s.db.Close()
		return fmt.Errorf("falha ao criar esquema SQLite: %w", err)
	}

	return nil
}

// Close fecha a conexão com o banco de dados
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// createSchema cria o esquema do banco de dados
func (s *SQLiteStorage) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage (
		requester_id TEXT NOT NULL,
		command TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		reset_time INTEGER,
		updated DATETIME NOT NULL,
		PRIMARY KEY (requester_id, command)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetUsage obtém o registro de um solicitante para um comando
func (s *SQLiteStorage) GetUsage(requesterID, command string) (*UsageRecord, error) {
	var (
		record    UsageRecord
		resetTime sql.NullInt64
	)
	err := s.db.QueryRow(
		"SELECT count, reset_time FROM usage WHERE requester_id = ? AND command = ?",
		requesterID, command,
	).Scan(&record.Count, &resetTime)

	if err == sql.ErrNoRows {
		return nil, ErrUsageNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter registro de uso: %w", err)
	}

	record.ResetTime = resetTime.Int64
	return &record, nil
}

// PutUsage cria ou atualiza um registro
func (s *SQLiteStorage) PutUsage(requesterID, command string, record *UsageRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO usage (requester_id, command, count, reset_time, updated) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (requester_id, command) DO UPDATE SET
			count = excluded.count, reset_time = excluded.reset_time, updated = excluded.updated`,
		requesterID, command, record.Count, nullResetTime(record.ResetTime), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("falha ao gravar registro de uso: %w", err)
	}
	return nil
}

// ListUsage lista todos os registros
func (s *SQLiteStorage) ListUsage() (Usage, error) {
	rows, err := s.db.Query("SELECT requester_id, command, count, reset_time FROM usage")
	if err != nil {
		return nil, fmt.Errorf("falha ao listar registros de uso: %w", err)
	}
	defer rows.Close()

	return scanUsage(rows)
}

func nullResetTime(resetTime int64) sql.NullInt64 {
	return sql.NullInt64{Int64: resetTime, Valid: resetTime != 0}
}

func scanUsage(rows *sql.Rows) (Usage, error) {
	usage := make(Usage)
	for rows.Next() {
		var (
			requesterID, command string
			record               UsageRecord
			resetTime            sql.NullInt64
		)
		if err := rows.Scan(&requesterID, &command, &record.Count, &resetTime); err != nil {
			return nil, fmt.Errorf("falha ao ler registro de uso: %w", err)
		}
		record.ResetTime = resetTime.Int64
		usage.Set(requesterID, command, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("falha ao listar registros de uso: %w", err)
	}
	return usage, nil
}
