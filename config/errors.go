package config

import "fmt"

// ConfigError representa um erro de validação da configuração
type ConfigError struct {
	Field   string
	Message string
}

// Error retorna a mensagem de erro
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuração inválida: %s: %s", e.Field, e.Message)
}
