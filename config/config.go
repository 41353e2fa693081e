package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix é o prefixo das variáveis de ambiente que sobrescrevem a configuração
const EnvPrefix = "GUARDRELAY"

// ErrNoAccounts é retornado quando nenhuma conta de email foi configurada
var ErrNoAccounts = errors.New("nenhuma conta de email configurada")

// Config representa a configuração global do sistema
type Config struct {
	Chat       ChatConfig       `mapstructure:"chat"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Mailbox    MailboxConfig    `mapstructure:"mailbox"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Locale     string           `mapstructure:"locale"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`

	// Entradas brutas; Accounts guarda as contas já validadas
	AccountEntries []AccountEntry `mapstructure:"accounts"`
	Accounts       []Account      `mapstructure:"-"`
}

// ChatConfig representa a conexão com a ponte do marketplace
type ChatConfig struct {
	BridgeURL        string        `mapstructure:"bridge_url"`
	Token            string        `mapstructure:"token"`
	SystemAuthorID   int64         `mapstructure:"system_author_id"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// StorageConfig representa a configuração do armazenamento de cotas
type StorageConfig struct {
	Type      string `mapstructure:"type"` // "json", "sqlite", "postgres" ou "redis"
	Path      string `mapstructure:"path"` // Para JSON e SQLite
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Addr      string `mapstructure:"addr"` // Para Redis
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MailboxConfig representa a configuração da busca de códigos por IMAP
type MailboxConfig struct {
	Sender       string        `mapstructure:"sender"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// DispatcherConfig representa a configuração das filas por conta
type DispatcherConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// LogConfig representa a configuração de log
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig representa a configuração do endpoint Prometheus
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// AlertsConfig representa a configuração dos alertas por SMTP ao operador
type AlertsConfig struct {
	SMTPAddr string        `mapstructure:"smtp_addr"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	To       []string      `mapstructure:"to"`
	Interval time.Duration `mapstructure:"interval"`
}

// Enabled indica se os alertas estão configurados
func (a AlertsConfig) Enabled() bool {
	return a.SMTPAddr != "" && a.From != "" && len(a.To) > 0
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chat.bridge_url", "ws://127.0.0.1:8790/ws")
	v.SetDefault("chat.token", "")
	v.SetDefault("chat.system_author_id", 0)
	v.SetDefault("chat.handshake_timeout", 15*time.Second)

	v.SetDefault("storage.type", "json")
	v.SetDefault("storage.path", "usage.json")
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.dbname", "guardrelay")
	v.SetDefault("storage.addr", "localhost:6379")
	v.SetDefault("storage.db", 0)
	v.SetDefault("storage.key_prefix", "guardrelay:usage:")

	v.SetDefault("mailbox.sender", "noreply@steampowered.com")
	v.SetDefault("mailbox.poll_interval", 5*time.Second)
	v.SetDefault("mailbox.wait_timeout", 60*time.Second)
	v.SetDefault("mailbox.dial_timeout", 20*time.Second)

	v.SetDefault("dispatcher.queue_size", 16)
	v.SetDefault("locale", "ru")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("metrics.address", "")

	v.SetDefault("alerts.smtp_addr", "")
	v.SetDefault("alerts.username", "")
	v.SetDefault("alerts.password", "")
	v.SetDefault("alerts.from", "")
	v.SetDefault("alerts.to", []string{})
	v.SetDefault("alerts.interval", 30*time.Minute)
}

// LoadEnvFile carrega variáveis de um arquivo .env, ignorando arquivo ausente
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("erro ao ler arquivo .env: %w", err)
	}
	return nil
}

// LoadConfig carrega configurações do arquivo config.yaml e do ambiente.
// Com caminho vazio o config.yaml do diretório atual é opcional.
func LoadConfig(configPath string) (*Config, error) {
	return load(configPath, os.LookupEnv)
}

func load(configPath string, lookup func(string) (string, bool)) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("chat.token", EnvPrefix+"_CHAT_TOKEN", "FUNPAY_AUTH_TOKEN"); err != nil {
		return nil, fmt.Errorf("erro ao associar variável de ambiente: %w", err)
	}

	optional := configPath == ""
	if optional {
		dir, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("erro ao ler arquivo de configuração: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("erro ao processar configuração: %w", err)
	}

	entries := cfg.AccountEntries
	if len(entries) == 0 {
		entries = EnvAccounts(lookup)
	}

	accounts, err := ParseAccounts(entries)
	if err != nil {
		return nil, err
	}
	cfg.Accounts = accounts

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifica os campos que não dependem das contas
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "json", "sqlite", "postgres", "redis":
	default:
		return &ConfigError{Field: "storage.type", Message: fmt.Sprintf("tipo de armazenamento não suportado: %s", c.Storage.Type)}
	}

	if (c.Storage.Type == "json" || c.Storage.Type == "sqlite") && c.Storage.Path == "" {
		return &ConfigError{Field: "storage.path", Message: "caminho obrigatório"}
	}

	switch c.Locale {
	case "ru", "en":
	default:
		return &ConfigError{Field: "locale", Message: fmt.Sprintf("idioma não suportado: %s", c.Locale)}
	}

	if c.Mailbox.Sender == "" {
		return &ConfigError{Field: "mailbox.sender", Message: "remetente obrigatório"}
	}
	if c.Mailbox.PollInterval <= 0 {
		return &ConfigError{Field: "mailbox.poll_interval", Message: "deve ser maior que 0"}
	}
	if c.Mailbox.WaitTimeout <= 0 {
		return &ConfigError{Field: "mailbox.wait_timeout", Message: "deve ser maior que 0"}
	}
	if c.Dispatcher.QueueSize <= 0 {
		return &ConfigError{Field: "dispatcher.queue_size", Message: "deve ser maior que 0"}
	}

	return nil
}
