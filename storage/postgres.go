package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/carloslauriano/guardrelay/config"
	_ "github.com/lib/pq"
)

// PostgresStorage implementa a interface Storage para PostgreSQL
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage cria uma nova instância de armazenamento PostgreSQL
func NewPostgresStorage(cfg *config.StorageConfig) (Storage, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("falha ao abrir banco de dados PostgreSQL: %w", err)
	}

	return &PostgresStorage{
		db: db,
	}, nil
}

// Open abre a conexão com o banco de dados
func (s *PostgresStorage) Open() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("falha ao conectar ao PostgreSQL: %w", err)
	}
	if err := s.createSchema(); err != nil {
		return fmt.Errorf("falha ao criar esquema PostgreSQL: %w", err)
	}
	return nil
}

// Close fecha a conexão com o banco de dados
func (s *PostgresStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// createSchema cria o esquema do banco de dados
func (s *PostgresStorage) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage (
		requester_id VARCHAR(255) NOT NULL,
		command VARCHAR(255) NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		reset_time BIGINT,
		updated TIMESTAMP NOT NULL,
		PRIMARY KEY (requester_id, command)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetUsage obtém o registro de um solicitante para um comando
func (s *PostgresStorage) GetUsage(requesterID, command string) (*UsageRecord, error) {
	var (
		record    UsageRecord
		resetTime sql.NullInt64
	)
	err := s.db.QueryRow(
		"SELECT count, reset_time FROM usage WHERE requester_id = $1 AND command = $2",
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
func (s *PostgresStorage) PutUsage(requesterID, command string, record *UsageRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO usage (requester_id, command, count, reset_time, updated) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (requester_id, command) DO UPDATE SET
			count = EXCLUDED.count, reset_time = EXCLUDED.reset_time, updated = EXCLUDED.updated`,
		requesterID, command, record.Count, nullResetTime(record.ResetTime), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("falha ao gravar registro de uso: %w", err)
	}
	return nil
}

// ListUsage lista todos os registros
func (s *PostgresStorage) ListUsage() (Usage, error) {
	rows, err := s.db.Query("SELECT requester_id, command, count, reset_time FROM usage")
	if err != nil {
		return nil, fmt.Errorf("falha ao listar registros de uso: %w", err)
	}
	defer rows.Close()

	return scanUsage(rows)
}
