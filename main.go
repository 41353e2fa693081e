package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/carloslauriano/guardrelay/chat"
	"github.com/carloslauriano/guardrelay/config"
	"github.com/carloslauriano/guardrelay/dispatcher"
	"github.com/carloslauriano/guardrelay/logging"
	"github.com/carloslauriano/guardrelay/mailbox"
	"github.com/carloslauriano/guardrelay/metrics"
	"github.com/carloslauriano/guardrelay/notify"
	"github.com/carloslauriano/guardrelay/quota"
	"github.com/carloslauriano/guardrelay/storage"
)

// CLI são os comandos e flags da linha de comando
type CLI struct {
	Run   RunCmd   `cmd:"" default:"1" help:"Conecta ao chat e atende os comandos."`
	Check CheckCmd `cmd:"" help:"Valida a configuração e as contas."`
	Usage UsageCmd `cmd:"" help:"Mostra o consumo registrado por solicitante."`

	Config   string `short:"c" help:"Arquivo de configuração YAML." type:"path"`
	EnvFile  string `name:"env-file" help:"Arquivo .env carregado antes da configuração." default:".env"`
	LogLevel string `name:"log-level" help:"Sobrescreve log.level (debug, info, warn, error)."`
}

// app reúne o que todos os comandos precisam
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (cli *CLI) load() (*app, error) {
	if err := config.LoadEnvFile(cli.EnvFile); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("erro ao carregar configuração: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// RunCmd inicia o bot
type RunCmd struct{}

func (c *RunCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	if err := a.run(); err != nil {
		a.logger.Error("encerrando com erro", zap.Error(err))
		return err
	}
	return nil
}

func (a *app) run() error {
	cfg, logger := a.cfg, a.logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Inicializar armazenamento
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("erro ao inicializar armazenamento: %w", err)
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("erro ao abrir armazenamento: %w", err)
	}
	defer store.Close()

	notifier := notify.New(cfg.Alerts, logger)
	registry := dispatcher.NewRegistry(cfg.Accounts)
	for _, acc := range registry.Shadowed() {
		logger.Warn("comando repetido, conta inalcançável", zap.String("account", acc.Email), zap.String("command", acc.Command))
	}
	for _, state := range registry.States() {
		acc := state.Account
		if _, err := mailbox.ResolveEndpoint(acc.Email, acc.IMAPServer); err != nil {
			logger.Warn("conta sem servidor IMAP conhecido", zap.String("account", acc.Email), zap.Error(err))
			if err := notifier.Notify(ctx, acc.Email, "guardrelay: conta sem servidor IMAP", err.Error()); err != nil {
				logger.Error("falha ao enviar alerta", zap.Error(err))
			}
		}
	}

	locator := mailbox.NewLocator(cfg.Mailbox, logger)
	waiter := mailbox.NewWaiter(locator, cfg.Mailbox.PollInterval, cfg.Mailbox.WaitTimeout, logger)
	ledger := quota.NewLedger(store)

	// Conectar ao chat
	client, err := chat.DialBridge(ctx, cfg.Chat, logger)
	if err != nil {
		return fmt.Errorf("erro ao conectar ao chat: %w", err)
	}
	defer client.Close()
	logger.Info("autenticado no chat", zap.String("username", client.Username()), zap.Int("accounts", len(registry.States())))

	d := dispatcher.New(registry, ledger, waiter, client, logger,
		dispatcher.WithNotifier(notifier),
		dispatcher.WithMessages(dispatcher.Catalog(cfg.Locale)),
		dispatcher.WithSystemAuthor(cfg.Chat.SystemAuthorID),
		dispatcher.WithQueueSize(cfg.Dispatcher.QueueSize),
	)

	// Iniciar serviços em goroutines separadas
	errors := make(chan error, 2)

	go func() {
		errors <- d.Run(ctx, client.Events())
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address, logger); err != nil {
				errors <- fmt.Errorf("erro no servidor de métricas: %w", err)
			}
		}()
	}

	// Aguardar sinais de interrupção
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errors:
		return err
	case sig := <-sigChan:
		logger.Info("sinal recebido, encerrando", zap.Stringer("signal", sig))
	}
	return nil
}

// CheckCmd valida a configuração sem conectar a nada
type CheckCmd struct{}

func (c *CheckCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}

	registry := dispatcher.NewRegistry(a.cfg.Accounts)
	failed := false
	for _, state := range registry.States() {
		acc := state.Account
		endpoint, err := mailbox.ResolveEndpoint(acc.Email, acc.IMAPServer)
		if err != nil {
			failed = true
			fmt.Printf("✗ %s %s: %v\n", acc.Command, acc.Email, err)
			continue
		}
		fmt.Printf("✓ %s %s via %s (%s)\n", acc.Command, acc.Email, endpoint, describeLimit(state.Limit))
	}
	for _, acc := range registry.Shadowed() {
		fmt.Printf("! %s %s: comando já usado por outra conta\n", acc.Command, acc.Email)
	}

	if failed {
		return fmt.Errorf("há contas com provedor desconhecido")
	}
	return nil
}

func describeLimit(l quota.Limit) string {
	switch {
	case l.Unlimited():
		return "ilimitado"
	case l.Lifetime():
		return fmt.Sprintf("%d no total", l.Max)
	default:
		return fmt.Sprintf("%d a cada %s", l.Max, l.Period)
	}
}

// UsageCmd lista os registros de uso gravados
type UsageCmd struct{}

func (c *UsageCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}

	store, err := storage.NewStorage(a.cfg)
	if err != nil {
		return fmt.Errorf("erro ao inicializar armazenamento: %w", err)
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("erro ao abrir armazenamento: %w", err)
	}
	defer store.Close()

	usage, err := store.ListUsage()
	if err != nil {
		return err
	}

	requesters := make([]string, 0, len(usage))
	for id := range usage {
		requesters = append(requesters, id)
	}
	sort.Strings(requesters)

	for _, id := range requesters {
		commands := make([]string, 0, len(usage[id]))
		for command := range usage[id] {
			commands = append(commands, command)
		}
		sort.Strings(commands)

		for _, command := range commands {
			record := usage[id][command]
			fmt.Printf("%s\t%s\t%d\t%d\n", id, command, record.Count, record.ResetTime)
		}
	}
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("guardrelay"),
		kong.Description("Entrega códigos Steam Guard pedidos no chat do marketplace."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
