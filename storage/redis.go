package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carloslauriano/guardrelay/config"
	"github.com/redis/go-redis/v9"
)

const redisTimeout = 5 * time.Second

// RedisStorage implementa a interface Storage com um hash por solicitante
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStorage cria uma nova instância de armazenamento Redis
func NewRedisStorage(cfg *config.StorageConfig) (Storage, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisStorage{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}, nil
}

// Open verifica a conexão com o Redis
func (s *RedisStorage) Open() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("falha ao conectar ao Redis: %w", err)
	}
	return nil
}

// Close fecha a conexão com o Redis
func (s *RedisStorage) Close() error {
	return s.rdb.Close()
}

func (s *RedisStorage) key(requesterID string) string {
	return s.prefix + requesterID
}

// GetUsage obtém o registro de um solicitante para um comando
func (s *RedisStorage) GetUsage(requesterID, command string) (*UsageRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	raw, err := s.rdb.HGet(ctx, s.key(requesterID), command).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUsageNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter registro de uso: %w", err)
	}

	var record UsageRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("registro de uso inválido: %w", err)
	}
	return &record, nil
}

// PutUsage cria ou atualiza um registro
func (s *RedisStorage) PutUsage(requesterID, command string, record *UsageRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("falha ao serializar registro de uso: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key(requesterID), command, raw).Err(); err != nil {
		return fmt.Errorf("falha ao gravar registro de uso: %w", err)
	}
	return nil
}

// ListUsage lista todos os registros sob o prefixo configurado
func (s *RedisStorage) ListUsage() (Usage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	usage := make(Usage)
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("falha ao listar registros de uso: %w", err)
		}

		requesterID := strings.TrimPrefix(key, s.prefix)
		for command, raw := range fields {
			var record UsageRecord
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				return nil, fmt.Errorf("registro de uso inválido %s/%s: %w", requesterID, command, err)
			}
			usage.Set(requesterID, command, record)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("falha ao listar registros de uso: %w", err)
	}
	return usage, nil
}
