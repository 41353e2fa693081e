package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/carloslauriano/guardrelay/config"
	"github.com/carloslauriano/guardrelay/mailtest"
	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLocator(t *testing.T) *Locator {
	t.Helper()
	cfg := config.MailboxConfig{Sender: mailtest.SteamSender, DialTimeout: 5 * time.Second}
	return NewLocator(cfg, zaptest.NewLogger(t), WithDialer(mailtest.DialPlain), WithLocation(time.UTC))
}

func newTestMailbox(t *testing.T) (*mailtest.IMAPServer, config.Account) {
	t.Helper()
	srv := mailtest.NewIMAPServer(t, "owner@example.com", "segredo")
	acc := config.Account{
		Email:      "owner@example.com",
		Password:   "segredo",
		Command:    "!код",
		IMAPServer: srv.Addr,
	}
	return srv, acc
}

func TestLocateFindsLatestCode(t *testing.T) {
	srv, acc := newTestMailbox(t)
	locator := newTestLocator(t)

	srv.Deliver(mailtest.GuardMail{Date: sentAt, Code: "OLD11", Phrase: mailtest.EnglishPhrase}.Build())
	latest := srv.Deliver(mailtest.GuardMail{Date: sentAt.Add(time.Minute), Code: "NEW22", Phrase: mailtest.EnglishPhrase}.Build())

	result := locator.Locate(context.Background(), acc, 0)
	require.Equal(t, Found, result.Outcome, "err: %v", result.Err)
	assert.True(t, result.HasCode())
	assert.Equal(t, "NEW22", result.Code)
	assert.Equal(t, "09.03.2024 14:06:07", result.Date)
	assert.Equal(t, latest, result.Marker)
}

func TestLocateIsIdempotent(t *testing.T) {
	srv, acc := newTestMailbox(t)
	locator := newTestLocator(t)
	srv.Deliver(mailtest.GuardMail{Date: sentAt, Code: "ONCE1", Phrase: mailtest.RussianPhrase}.Build())

	first := locator.Locate(context.Background(), acc, 0)
	require.Equal(t, Found, first.Outcome)

	second := locator.Locate(context.Background(), acc, first.Marker)
	assert.Equal(t, NotFound, second.Outcome)
	assert.False(t, second.HasCode())
	assert.Equal(t, first.Marker, second.Marker)
}

func TestLocateNeverRegressesMarker(t *testing.T) {
	srv, acc := newTestMailbox(t)
	locator := newTestLocator(t)
	uid := srv.Deliver(mailtest.GuardMail{Date: sentAt, Code: "12345", Phrase: mailtest.EnglishPhrase}.Build())

	result := locator.Locate(context.Background(), acc, uid+10)
	assert.Equal(t, NotFound, result.Outcome)
	assert.Equal(t, uid+10, result.Marker)

	newer := srv.Deliver(mailtest.GuardMail{Date: sentAt, Code: "67890", Phrase: mailtest.EnglishPhrase}.Build())
	result = locator.Locate(context.Background(), acc, uid)
	require.Equal(t, Found, result.Outcome)
	assert.Equal(t, "67890", result.Code)
	assert.Equal(t, newer, result.Marker)
}

func TestLocateWithoutSenderMail(t *testing.T) {
	srv, acc := newTestMailbox(t)
	locator := newTestLocator(t)
	srv.Deliver(mailtest.GuardMail{From: "promo@store.example", Date: sentAt, Code: "99999", Phrase: mailtest.EnglishPhrase}.Build())

	result := locator.Locate(context.Background(), acc, 0)
	assert.Equal(t, NotFound, result.Outcome)
	assert.NoError(t, result.Err)
	assert.Zero(t, result.Marker)
}

func TestLocateSkipsNonGuardMailWithoutAdvancing(t *testing.T) {
	srv, acc := newTestMailbox(t)
	locator := newTestLocator(t)
	srv.Deliver(mailtest.GuardMail{Date: sentAt, Code: "00000", Phrase: "Спасибо за покупку"}.Build())

	result := locator.Locate(context.Background(), acc, 0)
	assert.Equal(t, NotFound, result.Outcome)
	assert.ErrorIs(t, result.Err, errNotGuardMail)
	assert.Zero(t, result.Marker)
}

func TestLocateDoesNotMarkSeen(t *testing.T) {
	srv, acc := newTestMailbox(t)
	locator := newTestLocator(t)
	uid := srv.Deliver(mailtest.GuardMail{Date: sentAt, Code: "SEEN0", Phrase: mailtest.EnglishPhrase}.Build())

	require.Equal(t, Found, locator.Locate(context.Background(), acc, 0).Outcome)
	assert.NotContains(t, srv.Flags(uid), imap.SeenFlag)
}

func TestLocateFailures(t *testing.T) {
	_, acc := newTestMailbox(t)
	locator := newTestLocator(t)

	t.Run("wrong password", func(t *testing.T) {
		bad := acc
		bad.Password = "errada"
		result := locator.Locate(context.Background(), bad, 3)
		assert.Equal(t, Unavailable, result.Outcome)
		assert.Error(t, result.Err)
		assert.Equal(t, uint32(3), result.Marker)
	})

	t.Run("unreachable server", func(t *testing.T) {
		down := acc
		down.IMAPServer = "127.0.0.1:1"
		result := locator.Locate(context.Background(), down, 3)
		assert.Equal(t, Unavailable, result.Outcome)
		assert.Equal(t, uint32(3), result.Marker)
	})

	t.Run("unknown provider", func(t *testing.T) {
		unknown := acc
		unknown.Email = "owner@desconhecido.example"
		unknown.IMAPServer = ""
		result := locator.Locate(context.Background(), unknown, 3)
		assert.Equal(t, Misconfigured, result.Outcome)
		assert.ErrorIs(t, result.Err, ErrUnknownProvider)
		assert.Equal(t, uint32(3), result.Marker)
	})
}
