package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/carloslauriano/guardrelay/config"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	frameReady       = "ready"
	frameNewMessage  = "new_message"
	frameSendMessage = "send_message"

	writeWait = 10 * time.Second
	eventsBuf = 64
)

var (
	// ErrUnauthorized é retornado quando a ponte recusa o token
	ErrUnauthorized = errors.New("token do chat recusado")
	// ErrClosed é retornado ao enviar por uma conexão encerrada
	ErrClosed = errors.New("conexão com o chat encerrada")
)

// frame é a mensagem JSON trocada com a ponte
type frame struct {
	Type     string  `json:"type"`
	Username string  `json:"username,omitempty"`
	AuthorID int64   `json:"author_id,omitempty"`
	ChatID   chatRef `json:"chat_id,omitempty"`
	Text     string  `json:"text,omitempty"`
}

// chatRef aceita o identificador como texto ou número
type chatRef string

func (c *chatRef) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = chatRef(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chat_id inválido: %s", data)
	}
	*c = chatRef(n.String())
	return nil
}

// BridgeClient fala com a ponte do marketplace por websocket
type BridgeClient struct {
	conn     *websocket.Conn
	username string
	logger   *zap.Logger

	events chan Event

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// DialBridge conecta à ponte e aguarda o frame ready com o usuário autenticado
func DialBridge(ctx context.Context, cfg config.ChatConfig, logger *zap.Logger) (*BridgeClient, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.BridgeURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("falha ao conectar à ponte do chat: %w", err)
	}

	c := &BridgeClient{
		conn:   conn,
		logger: logger.Named("chat"),
		events: make(chan Event, eventsBuf),
		done:   make(chan struct{}),
	}

	if err := c.handshake(cfg.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *BridgeClient) handshake(timeout time.Duration) error {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	var ready frame
	if err := c.conn.ReadJSON(&ready); err != nil {
		return fmt.Errorf("falha ao ler frame ready: %w", err)
	}
	if ready.Type != frameReady {
		return fmt.Errorf("frame inesperado na conexão: %q", ready.Type)
	}
	if ready.Username == "" {
		return ErrUnauthorized
	}

	c.username = ready.Username
	return nil
}

// Username retorna o usuário autenticado pela ponte
func (c *BridgeClient) Username() string {
	return c.username
}

// Events retorna o canal de eventos recebidos
func (c *BridgeClient) Events() <-chan Event {
	return c.events
}

func (c *BridgeClient) readLoop() {
	defer close(c.events)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Error("conexão com o chat perdida", zap.Error(err))
				} else {
					c.logger.Info("ponte do chat encerrou a conexão", zap.Error(err))
				}
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("frame inválido ignorado", zap.Error(err), zap.Int("size", len(raw)))
			continue
		}

		var ev Event
		switch f.Type {
		case frameNewMessage:
			ev = NewMessage{AuthorID: f.AuthorID, ChatID: string(f.ChatID), Text: f.Text}
		default:
			ev = Other{Type: f.Type}
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// SendMessage envia um texto ao chat informado
func (c *BridgeClient) SendMessage(ctx context.Context, chatID, text string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(frame{Type: frameSendMessage, ChatID: chatRef(chatID), Text: text}); err != nil {
		return fmt.Errorf("falha ao enviar mensagem ao chat %s: %w", chatID, err)
	}
	return nil
}

// MarshalJSON envia identificadores numéricos como número
func (c chatRef) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(c), 10, 64); err == nil {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(c))
}

// Close encerra a conexão com a ponte
func (c *BridgeClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}
