package storage

import (
	"errors"
	"fmt"

	"github.com/carloslauriano/guardrelay/config"
)

// ErrUsageNotFound é retornado quando não existe registro para o solicitante e comando
var ErrUsageNotFound = errors.New("registro de uso não encontrado")

// Storage é a interface para persistência dos registros de uso
type Storage interface {
	// Métodos de inicialização
	Open() error
	Close() error

	// Métodos de uso
	GetUsage(requesterID, command string) (*UsageRecord, error)
	PutUsage(requesterID, command string, record *UsageRecord) error
	ListUsage() (Usage, error)
}

// NewStorage cria uma nova instância de armazenamento com base na configuração
func NewStorage(cfg *config.Config) (Storage, error) {
	switch cfg.Storage.Type {
	case "json":
		return NewJSONStorage(&cfg.Storage)
	case "sqlite":
		return NewSQLiteStorage(&cfg.Storage)
	case "postgres":
		return NewPostgresStorage(&cfg.Storage)
	case "redis":
		return NewRedisStorage(&cfg.Storage)
	default:
		return nil, fmt.Errorf("tipo de armazenamento não suportado: %s", cfg.Storage.Type)
	}
}
