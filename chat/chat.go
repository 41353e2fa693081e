// Package chat liga o bot à plataforma de mensagens.
package chat

import "context"

// Event é um evento recebido da plataforma
type Event interface {
	eventType() string
}

// NewMessage é uma mensagem de texto nova num chat
type NewMessage struct {
	AuthorID int64
	ChatID   string
	Text     string
}

func (NewMessage) eventType() string { return frameNewMessage }

// Other é qualquer evento que o bot não trata
type Other struct {
	Type string
}

func (o Other) eventType() string { return o.Type }

// Client envia mensagens e entrega os eventos recebidos
type Client interface {
	// Events é fechado quando a conexão termina
	Events() <-chan Event
	SendMessage(ctx context.Context, chatID, text string) error
	Close() error
}
