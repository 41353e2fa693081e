package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// unlimitedMarker desativa o limite ou o período de reinício
const unlimitedMarker = "-"

// AccountEntry representa uma conta como aparece no arquivo ou no ambiente
type AccountEntry struct {
	Email       string `mapstructure:"email"`
	Password    string `mapstructure:"password"`
	Command     string `mapstructure:"command"`
	DailyLimit  string `mapstructure:"daily_limit"`
	PeriodHours string `mapstructure:"period_hours"`
	IMAPServer  string `mapstructure:"imap_server"`
}

// Account representa uma caixa de email monitorada, já validada
type Account struct {
	Email       string
	Password    string
	Command     string
	Limit       int // 0 = ilimitado
	PeriodHours int // 0 = o limite nunca reinicia
	IMAPServer  string
}

// Unlimited indica se a conta não tem limite de uso
func (a Account) Unlimited() bool {
	return a.Limit <= 0
}

// Period retorna a janela de reinício do limite, ou 0 se for vitalício
func (a Account) Period() time.Duration {
	return time.Duration(a.PeriodHours) * time.Hour
}

// NormalizeCommand aplica a mesma normalização usada nas mensagens do chat
func NormalizeCommand(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// EnvAccounts lê as contas EMAIL_n, PASSWORD_n, COMMAND_n, DAILY_LIMIT_n e
// PERIOD_HOURS_n a partir de n = 1, parando no primeiro índice incompleto
func EnvAccounts(lookup func(string) (string, bool)) []AccountEntry {
	get := func(key string, index int) string {
		v, _ := lookup(fmt.Sprintf("%s_%d", key, index))
		return v
	}

	var entries []AccountEntry
	for index := 1; ; index++ {
		entry := AccountEntry{
			Email:       get("EMAIL", index),
			Password:    get("PASSWORD", index),
			Command:     get("COMMAND", index),
			DailyLimit:  get("DAILY_LIMIT", index),
			PeriodHours: get("PERIOD_HOURS", index),
			IMAPServer:  get("IMAP_SERVER", index),
		}
		if entry.Email == "" || entry.Password == "" || entry.Command == "" {
			break
		}
		entries = append(entries, entry)
	}
	return entries
}

// ParseAccounts valida as entradas e preserva a ordem de configuração
func ParseAccounts(entries []AccountEntry) ([]Account, error) {
	if len(entries) == 0 {
		return nil, ErrNoAccounts
	}

	accounts := make([]Account, 0, len(entries))
	for i, entry := range entries {
		acc, err := entry.Parse(i + 1)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Parse converte a entrada em uma conta; index é 1-based
func (e AccountEntry) Parse(index int) (Account, error) {
	field := func(name string) string {
		return fmt.Sprintf("accounts[%d].%s", index, name)
	}

	email := strings.TrimSpace(e.Email)
	if email == "" || !strings.Contains(email, "@") {
		return Account{}, &ConfigError{Field: field("email"), Message: "endereço de email inválido"}
	}
	if e.Password == "" {
		return Account{}, &ConfigError{Field: field("password"), Message: "senha obrigatória"}
	}

	command := NormalizeCommand(e.Command)
	if command == "" {
		return Account{}, &ConfigError{Field: field("command"), Message: "comando obrigatório"}
	}

	limit, err := parseLimit(e.DailyLimit)
	if err != nil {
		return Account{}, &ConfigError{Field: field("daily_limit"), Message: err.Error()}
	}

	period, err := parsePeriod(e.PeriodHours)
	if err != nil {
		return Account{}, &ConfigError{Field: field("period_hours"), Message: err.Error()}
	}

	return Account{
		Email:       email,
		Password:    e.Password,
		Command:     command,
		Limit:       limit,
		PeriodHours: period,
		IMAPServer:  strings.TrimSpace(e.IMAPServer),
	}, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == unlimitedMarker {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("deve ser maior que 0 ou '%s'", unlimitedMarker)
	}
	return n, nil
}

func parsePeriod(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == unlimitedMarker || raw == "0" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("deve ser um número de horas, '0' ou '%s'", unlimitedMarker)
	}
	return n, nil
}
