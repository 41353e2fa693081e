// Package mailtest sobe servidores IMAP e SMTP em memória para os testes.
package mailtest

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"go.uber.org/zap"
)

// IMAPBackend implementa a interface backend.Backend com uma única caixa
type IMAPBackend struct {
	username string
	password string

	mu       sync.Mutex
	messages []*storedMessage
	logins   int
}

type storedMessage struct {
	uid   uint32
	date  time.Time
	flags []string
	body  []byte
}

// NewIMAPBackend cria um backend com as credenciais aceitas
func NewIMAPBackend(username, password string) *IMAPBackend {
	return &IMAPBackend{
		username: username,
		password: password,
	}
}

// Login implementa a autenticação IMAP
func (b *IMAPBackend) Login(_ *imap.ConnInfo, username, password string) (backend.User, error) {
	if username != b.username || password != b.password {
		return nil, backend.ErrInvalidCredentials
	}

	b.mu.Lock()
	b.logins++
	b.mu.Unlock()

	return &IMAPUser{backend: b}, nil
}

// Deliver acrescenta um email bruto à INBOX e retorna o UID atribuído
func (b *IMAPBackend) Deliver(raw []byte) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	uid := b.uidNext()
	b.messages = append(b.messages, &storedMessage{
		uid:  uid,
		date: time.Now(),
		body: append([]byte(nil), raw...),
	})
	return uid
}

// Logins retorna quantas sessões autenticadas o servidor recebeu
func (b *IMAPBackend) Logins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logins
}

// Flags retorna as flags atuais de um email
func (b *IMAPBackend) Flags(uid uint32) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, msg := range b.messages {
		if msg.uid == uid {
			return append([]string(nil), msg.flags...)
		}
	}
	return nil
}

func (b *IMAPBackend) uidNext() uint32 {
	var uid uint32
	for _, msg := range b.messages {
		uid = max(uid, msg.uid)
	}
	return uid + 1
}

// IMAPUser implementa a interface backend.User
type IMAPUser struct {
	backend *IMAPBackend
}

// Username retorna o nome do usuário
func (u *IMAPUser) Username() string {
	return u.backend.username
}

// ListMailboxes lista as caixas de entrada do usuário
func (u *IMAPUser) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	return []backend.Mailbox{&IMAPMailbox{backend: u.backend}}, nil
}

// GetMailbox obtém uma caixa de entrada específica
func (u *IMAPUser) GetMailbox(name string) (backend.Mailbox, error) {
	if imap.CanonicalMailboxName(name) != imap.InboxName {
		return nil, backend.ErrNoSuchMailbox
	}
	return &IMAPMailbox{backend: u.backend}, nil
}

// CreateMailbox não é suportado
func (u *IMAPUser) CreateMailbox(name string) error {
	return errors.New("somente INBOX é suportada")
}

// DeleteMailbox não é suportado
func (u *IMAPUser) DeleteMailbox(name string) error {
	return errors.New("somente INBOX é suportada")
}

// RenameMailbox não é suportado
func (u *IMAPUser) RenameMailbox(existingName, newName string) error {
	return errors.New("somente INBOX é suportada")
}

// Logout finaliza a sessão
func (u *IMAPUser) Logout() error {
	return nil
}

// IMAPMailbox implementa a interface backend.Mailbox sobre a INBOX em memória
type IMAPMailbox struct {
	backend *IMAPBackend
}

// Name retorna o nome da caixa de entrada
func (m *IMAPMailbox) Name() string {
	return imap.InboxName
}

// Info retorna informações sobre a caixa de entrada
func (m *IMAPMailbox) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{
		Attributes: []string{},
		Delimiter:  "/",
		Name:       imap.InboxName,
	}, nil
}

// Status retorna o status da caixa de entrada
func (m *IMAPMailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	status := imap.NewMailboxStatus(imap.InboxName, items)
	status.PermanentFlags = []string{"\\*"}

	for _, item := range items {
		switch item {
		case imap.StatusMessages:
			status.Messages = uint32(len(m.backend.messages))
		case imap.StatusUidNext:
			status.UidNext = m.backend.uidNext()
		case imap.StatusUidValidity:
			status.UidValidity = 1
		}
	}

	return status, nil
}

// SetSubscribed marca a caixa de entrada como inscrita
func (m *IMAPMailbox) SetSubscribed(subscribed bool) error {
	return nil
}

// Check verifica a integridade da caixa de entrada
func (m *IMAPMailbox) Check() error {
	return nil
}

// ListMessages lista as mensagens da caixa de entrada
func (m *IMAPMailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	for i, msg := range m.backend.messages {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = msg.uid
		}
		if !seqSet.Contains(id) {
			continue
		}

		fetched, err := msg.fetch(seqNum, items)
		if err != nil {
			continue
		}
		ch <- fetched
	}

	return nil
}

// SearchMessages pesquisa mensagens na caixa de entrada
func (m *IMAPMailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	var results []uint32
	for i, msg := range m.backend.messages {
		seqNum := uint32(i + 1)

		entity, err := message.Read(bytes.NewReader(msg.body))
		if err != nil && !message.IsUnknownCharset(err) {
			continue
		}
		ok, err := backendutil.Match(entity, seqNum, msg.uid, msg.date, msg.flags, criteria)
		if err != nil || !ok {
			continue
		}

		if uid {
			results = append(results, msg.uid)
		} else {
			results = append(results, seqNum)
		}
	}

	return results, nil
}

// CreateMessage cria uma nova mensagem na caixa de entrada
func (m *IMAPMailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return err
	}

	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	if date.IsZero() {
		date = time.Now()
	}
	m.backend.messages = append(m.backend.messages, &storedMessage{
		uid:   m.backend.uidNext(),
		date:  date,
		flags: flags,
		body:  buf.Bytes(),
	})
	return nil
}

// UpdateMessagesFlags atualiza as flags das mensagens
func (m *IMAPMailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, operation imap.FlagsOp, flags []string) error {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	for i, msg := range m.backend.messages {
		id := uint32(i + 1)
		if uid {
			id = msg.uid
		}
		if seqSet.Contains(id) {
			msg.flags = backendutil.UpdateFlags(msg.flags, operation, flags)
		}
	}

	return nil
}

// CopyMessages não é suportado
func (m *IMAPMailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	return backend.ErrNoSuchMailbox
}

// Expunge remove mensagens marcadas como excluídas
func (m *IMAPMailbox) Expunge() error {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	kept := m.backend.messages[:0]
	for _, msg := range m.backend.messages {
		deleted := false
		for _, flag := range msg.flags {
			if flag == imap.DeletedFlag {
				deleted = true
			}
		}
		if !deleted {
			kept = append(kept, msg)
		}
	}
	m.backend.messages = kept

	return nil
}

func (msg *storedMessage) fetch(seqNum uint32, items []imap.FetchItem) (*imap.Message, error) {
	fetched := imap.NewMessage(seqNum, items)

	for _, item := range items {
		switch item {
		case imap.FetchFlags:
			fetched.Flags = msg.flags
		case imap.FetchInternalDate:
			fetched.InternalDate = msg.date
		case imap.FetchRFC822Size:
			fetched.Size = uint32(len(msg.body))
		case imap.FetchUid:
			fetched.Uid = msg.uid
		case imap.FetchEnvelope:
			hdr, _, err := msg.header()
			if err != nil {
				return nil, err
			}
			fetched.Envelope, _ = backendutil.FetchEnvelope(hdr)
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				continue
			}
			hdr, body, err := msg.header()
			if err != nil {
				return nil, err
			}
			literal, _ := backendutil.FetchBodySection(hdr, body, section)
			fetched.Body[section] = literal
		}
	}

	return fetched, nil
}

func (msg *storedMessage) header() (textproto.Header, *bufio.Reader, error) {
	body := bufio.NewReader(bytes.NewReader(msg.body))
	hdr, err := textproto.ReadHeader(body)
	return hdr, body, err
}

// IMAPServer é um servidor IMAP sem TLS escutando em localhost
type IMAPServer struct {
	*IMAPBackend
	Addr string
}

// NewIMAPServer inicia o servidor e o encerra ao fim do teste
func NewIMAPServer(t testing.TB, username, password string) *IMAPServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("falha ao abrir porta IMAP: %v", err)
	}

	be := NewIMAPBackend(username, password)
	s := server.New(be)
	s.AllowInsecureAuth = true
	s.ErrorLog = zap.NewStdLog(zap.NewNop())

	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return &IMAPServer{IMAPBackend: be, Addr: l.Addr().String()}
}

// DialPlain conecta sem TLS, no formato esperado pelo Locator
func DialPlain(addr string, timeout time.Duration) (*client.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.Timeout = timeout
	return c, nil
}
