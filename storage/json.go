package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/carloslauriano/guardrelay/config"
)

// JSONStorage implementa a interface Storage em um arquivo JSON reescrito por inteiro
type JSONStorage struct {
	path string

	mu   sync.Mutex
	data Usage
}

// NewJSONStorage cria uma nova instância de armazenamento em arquivo JSON
func NewJSONStorage(cfg *config.StorageConfig) (Storage, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("falha ao criar diretório para o arquivo de uso: %w", err)
	}

	return &JSONStorage{
		path: cfg.Path,
	}, nil
}

// Open carrega o arquivo, criando um mapa vazio se ele não existir
func (s *JSONStorage) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.data = make(Usage)
		return s.save()
	}
	if err != nil {
		return fmt.Errorf("falha ao ler arquivo de uso: %w", err)
	}

	data := make(Usage)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("arquivo de uso inválido %s: %w", s.path, err)
	}
	s.data = data
	return nil
}

// Close não mantém recursos abertos; cada gravação já é durável
func (s *JSONStorage) Close() error {
	return nil
}

// GetUsage obtém uma cópia do registro
func (s *JSONStorage) GetUsage(requesterID, command string) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Get(requesterID, command)
	if !ok {
		return nil, ErrUsageNotFound
	}
	return &record, nil
}

// PutUsage grava o registro e reescreve o arquivo inteiro
func (s *JSONStorage) PutUsage(requesterID, command string, record *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.data.Get(requesterID, command)
	s.data.Set(requesterID, command, *record)

	if err := s.save(); err != nil {
		// mantém a memória igual ao disco
		if existed {
			s.data.Set(requesterID, command, previous)
		} else {
			delete(s.data[requesterID], command)
		}
		return err
	}
	return nil
}

// ListUsage retorna uma cópia de todos os registros
func (s *JSONStorage) ListUsage() (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Usage, len(s.data))
	for requesterID, commands := range s.data {
		for command, record := range commands {
			out.Set(requesterID, command, record)
		}
	}
	return out, nil
}

// save grava em um arquivo temporário e renomeia sobre o original
func (s *JSONStorage) save() error {
	raw, err := json.MarshalIndent(s.data, "", "    ")
	if err != nil {
		return fmt.Errorf("falha ao serializar uso: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("falha ao criar arquivo temporário: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("falha ao gravar arquivo de uso: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("falha ao sincronizar arquivo de uso: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("falha ao fechar arquivo de uso: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("falha ao substituir arquivo de uso: %w", err)
	}
	return nil
}
