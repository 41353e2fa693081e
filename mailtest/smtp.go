package mailtest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// Message é um email recebido pelo SMTPServer
type Message struct {
	From string
	To   []string
	Data []byte
}

// SMTPBackend implementa a interface smtp.Backend guardando os emails em memória
type SMTPBackend struct {
	username string
	password string

	mu       sync.Mutex
	messages []Message
}

// NewSMTPBackend cria um novo backend SMTP
func NewSMTPBackend(username, password string) *SMTPBackend {
	return &SMTPBackend{
		username: username,
		password: password,
	}
}

// Login implementa a autenticação SMTP
func (b *SMTPBackend) Login(_ *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if username != b.username || password != b.password {
		return nil, errors.New("autenticação falhou")
	}
	return &SMTPSession{backend: b}, nil
}

// AnonymousLogin só é permitido quando o backend não exige credenciais
func (b *SMTPBackend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	if b.username != "" {
		return nil, smtp.ErrAuthRequired
	}
	return &SMTPSession{backend: b}, nil
}

// Messages retorna uma cópia dos emails recebidos
func (b *SMTPBackend) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

// SMTPSession implementa a interface smtp.Session
type SMTPSession struct {
	backend *SMTPBackend
	from    string
	to      []string
}

// Mail inicia uma nova transação de email
func (s *SMTPSession) Mail(from string, opts smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt adiciona um destinatário
func (s *SMTPSession) Rcpt(to string) error {
	s.to = append(s.to, to)
	return nil
}

// Data guarda o conteúdo do email
func (s *SMTPSession) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("falha ao ler email: %w", err)
	}

	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, Message{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: body,
	})
	s.backend.mu.Unlock()

	return nil
}

// Reset limpa o estado da sessão
func (s *SMTPSession) Reset() {
	s.from = ""
	s.to = nil
}

// Logout finaliza a sessão
func (s *SMTPSession) Logout() error {
	return nil
}

// SMTPServer é um servidor SMTP sem TLS escutando em localhost
type SMTPServer struct {
	*SMTPBackend
	Addr string
}

// NewSMTPServer inicia o servidor e o encerra ao fim do teste
func NewSMTPServer(t testing.TB, username, password string) *SMTPServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("falha ao abrir porta SMTP: %v", err)
	}

	be := NewSMTPBackend(username, password)
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	s.MaxMessageBytes = 1024 * 1024 // 1MB
	s.MaxRecipients = 50
	s.AllowInsecureAuth = true
	s.ErrorLog = zap.NewStdLog(zap.NewNop())

	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return &SMTPServer{SMTPBackend: be, Addr: l.Addr().String()}
}
