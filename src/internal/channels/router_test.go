package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"troupe-main/src/internal/config"
	"troupe-main/src/internal/matcher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct{ account, to, msg string }

type fakeChannel struct {
	name     string
	accounts []Account
	mu       sync.Mutex
	sent     []sent
	handler  Handler
	enrolled []string
}

func (f *fakeChannel) Name() string           { return f.name }
func (f *fakeChannel) Status() map[string]any { return map[string]any{"accounts": len(f.accounts)} }
func (f *fakeChannel) Accounts() []Account    { return f.accounts }
func (f *fakeChannel) Run(context.Context) error {
	return nil
}
func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) Enroll(ctx context.Context, account string) error {
	f.enrolled = append(f.enrolled, account)
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, account, to, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account == "broken" {
		return ErrNotConnected
	}
	f.sent = append(f.sent, sent{account, to, msg})
	return nil
}

func (f *fakeChannel) SetMessageHandler(h Handler) { f.handler = h }

func TestSplitAccountID(t *testing.T) {
	ch, acc, err := SplitAccountID("irc:dana")
	require.NoError(t, err)
	assert.Equal(t, "irc", ch)
	assert.Equal(t, "dana", acc)

	ch, acc, err = SplitAccountID("whatsapp:4915:1")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", ch)
	assert.Equal(t, "4915:1", acc)

	for _, bad := range []string{"", "dana", ":dana", "irc:"} {
		_, _, err := SplitAccountID(bad)
		assert.ErrorIs(t, err, ErrBadAccountID, bad)
	}
}

func TestRouterSend(t *testing.T) {
	irc := &fakeChannel{name: "irc"}
	r := NewRouter(irc)
	ctx := context.Background()

	require.NoError(t, r.Send(ctx, "irc:dana", "alex", "hello"))
	assert.Equal(t, []sent{{"dana", "alex", "hello"}}, irc.sent)

	assert.ErrorIs(t, r.Send(ctx, "sms:dana", "alex", "hi"), ErrUnknownChannel)
	assert.ErrorIs(t, r.Send(ctx, "dana", "alex", "hi"), ErrBadAccountID)
	assert.ErrorIs(t, r.Send(ctx, "irc:broken", "alex", "hi"), ErrNotConnected)
}

func TestRouterAccounts(t *testing.T) {
	r := NewRouter(
		&fakeChannel{name: "whatsapp", accounts: []Account{{ID: "4915", Name: "Sam", Online: true}}},
		&fakeChannel{name: "irc", accounts: []Account{{ID: "dana", Online: false}}},
	)
	assert.Equal(t, []matcher.Account{
		{ID: "irc:dana", Name: "dana", Channel: "irc"},
		{ID: "whatsapp:4915", Name: "Sam", Channel: "whatsapp", Online: true},
	}, r.Accounts())
	assert.Equal(t, []string{"irc", "whatsapp"}, r.Names())
	assert.Equal(t, map[string]any{"accounts": 1}, r.Status()["whatsapp"])
}

func TestRouterInbound(t *testing.T) {
	irc := &fakeChannel{name: "irc"}
	r := NewRouter(irc)
	var got []Inbound
	r.SetMessageHandler(func(in Inbound) { got = append(got, in) })

	irc.handler(Inbound{AccountID: "dana", Sender: "alex", Text: "hi"})
	require.Len(t, got, 1)
	assert.Equal(t, "irc", got[0].Channel)
	assert.Equal(t, "irc:dana", got[0].AccountID)
}

func TestRouterEnroll(t *testing.T) {
	wa := &fakeChannel{name: "whatsapp"}
	r := NewRouter(wa)
	require.NoError(t, r.Enroll(context.Background(), "whatsapp", "new"))
	assert.Equal(t, []string{"new"}, wa.enrolled)
	err := r.Enroll(context.Background(), "telegram", "x")
	assert.True(t, errors.Is(err, ErrUnknownChannel))
}

func TestIRCInboundFiltering(t *testing.T) {
	i := NewIRC(config.IRCConfig{
		Host:     "irc.example.org",
		Channels: []string{"#deals"},
		Accounts: []config.IRCAccount{{Nick: "dana"}, {Nick: "sam"}, {}},
	})
	assert.Len(t, i.Accounts(), 2)

	in, ok := i.inbound("sam", "sam", "alex", "hey")
	require.True(t, ok)
	assert.Equal(t, "alex", in.Sender)
	assert.Equal(t, "sam", in.AccountID)

	in, ok = i.inbound("dana", "#deals", "alex", "any deals?")
	require.True(t, ok)
	assert.Equal(t, "#deals", in.Sender)
	assert.Equal(t, "alex", in.From)

	_, ok = i.inbound("sam", "#deals", "alex", "any deals?")
	assert.False(t, ok, "only the first persona reports channel messages")
	_, ok = i.inbound("dana", "dana", "SAM", "psst")
	assert.False(t, ok, "personas talking to each other")

	assert.ErrorIs(t, i.Send(context.Background(), "dana", "alex", "hi"), ErrNotConnected)
	assert.ErrorIs(t, i.Send(context.Background(), "kim", "alex", "hi"), ErrUnknownAccount)
}

func TestWhatsappJID(t *testing.T) {
	j, err := jid("+491512345")
	require.NoError(t, err)
	assert.Equal(t, "491512345@s.whatsapp.net", j.String())

	j, err = jid("491512345@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "491512345", j.User)
}
