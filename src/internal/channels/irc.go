package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"troupe-main/src/internal/config"

	"github.com/lrstanley/girc"
)

// IRC runs one client per persona nick on a single network.
type IRC struct {
	cfg     config.IRCConfig
	clients map[string]*girc.Client
	order   []string
	handler Handler
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewIRC(cfg config.IRCConfig) *IRC {
	i := &IRC{
		cfg:     cfg,
		clients: make(map[string]*girc.Client),
	}
	for _, acc := range cfg.Accounts {
		if acc.Nick == "" {
			continue
		}
		i.clients[acc.Nick] = i.newClient(acc)
		i.order = append(i.order, acc.Nick)
	}
	return i
}

func (i *IRC) newClient(acc config.IRCAccount) *girc.Client {
	gcfg := girc.Config{
		Server: i.cfg.Host,
		Port:   i.cfg.Port,
		Nick:   acc.Nick,
		User:   acc.User,
		Name:   acc.Realname,
		SSL:    i.cfg.TLS,
	}
	if gcfg.User == "" {
		gcfg.User = acc.Nick
	}
	if gcfg.Name == "" {
		gcfg.Name = acc.Nick
	}
	if acc.Password != nil {
		gcfg.ServerPass = *acc.Password
	}
	client := girc.New(gcfg)
	nick := acc.Nick

	client.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		slog.Info("IRC connected", "server", i.cfg.Host, "nick", nick)
		for _, ch := range i.cfg.Channels {
			c.Cmd.Join(ch)
		}
	})

	client.Handlers.Add(girc.PRIVMSG, func(c *girc.Client, e girc.Event) {
		if e.Source == nil || len(e.Params) == 0 {
			return
		}
		in, ok := i.inbound(nick, e.Params[0], e.Source.Name, e.Last())
		if !ok {
			return
		}
		i.mu.RLock()
		h := i.handler
		i.mu.RUnlock()
		if h != nil {
			h(in)
		}
	})
	return client
}

// inbound turns a PRIVMSG seen by nick into an Inbound. Channel messages are
// seen by every persona in the channel, so only the first account reports
// them. Personas talking to each other are ignored.
func (i *IRC) inbound(nick, to, from, text string) (Inbound, bool) {
	if i.isPersona(from) {
		return Inbound{}, false
	}
	in := Inbound{AccountID: nick, Sender: from, Text: text, At: time.Now()}
	if strings.HasPrefix(to, "#") {
		if len(i.order) == 0 || i.order[0] != nick {
			return Inbound{}, false
		}
		in.Sender = to
		in.From = from
	}
	return in, true
}

func (i *IRC) isPersona(nick string) bool {
	for _, n := range i.order {
		if strings.EqualFold(n, nick) {
			return true
		}
	}
	return false
}

func (i *IRC) Name() string {
	return "irc"
}

func (i *IRC) Status() map[string]any {
	connected := make(map[string]bool, len(i.clients))
	for nick, c := range i.clients {
		connected[nick] = c.IsConnected()
	}
	return map[string]any{
		"server":    i.cfg.Host,
		"channels":  i.cfg.Channels,
		"connected": connected,
	}
}

func (i *IRC) Accounts() []Account {
	res := make([]Account, 0, len(i.order))
	for _, nick := range i.order {
		res = append(res, Account{ID: nick, Name: nick, Online: i.clients[nick].IsConnected()})
	}
	return res
}

// Enroll (re)connects a nick. IRC has no pairing step.
func (i *IRC) Enroll(ctx context.Context, account string) error {
	c, ok := i.clients[account]
	if !ok {
		return fmt.Errorf("irc %s: %w", account, ErrUnknownAccount)
	}
	if c.IsConnected() {
		return nil
	}
	i.connect(account, c)
	return nil
}

func (i *IRC) Send(ctx context.Context, account, to, msg string) error {
	c, ok := i.clients[account]
	if !ok {
		return fmt.Errorf("irc %s: %w", account, ErrUnknownAccount)
	}
	if !c.IsConnected() {
		return fmt.Errorf("irc %s: %w", account, ErrNotConnected)
	}
	for line := range strings.Lines(msg) {
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			c.Cmd.Message(to, line)
		}
	}
	return nil
}

func (i *IRC) SetMessageHandler(handler Handler) {
	i.mu.Lock()
	i.handler = handler
	i.mu.Unlock()
}

func (i *IRC) Run(ctx context.Context) error {
	for _, nick := range i.order {
		i.connect(nick, i.clients[nick])
	}
	return nil
}

func (i *IRC) connect(nick string, c *girc.Client) {
	i.wg.Go(func() {
		if err := c.Connect(); err != nil {
			slog.Error("IRC connect error", "nick", nick, "error", err)
		}
	})
}

func (i *IRC) Close() error {
	for _, c := range i.clients {
		c.Close()
	}
	i.wg.Wait()
	return nil
}
