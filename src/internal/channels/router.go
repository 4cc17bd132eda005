package channels

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"troupe-main/src/internal/matcher"
)

// Router delivers task messages over the channel named in the account id and
// funnels inbound messages of every channel into one handler.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	handler  Handler
}

func NewRouter(chs ...Channel) *Router {
	r := &Router{channels: make(map[string]Channel)}
	for _, ch := range chs {
		r.Register(ch)
	}
	return r
}

func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
	name := ch.Name()
	ch.SetMessageHandler(func(in Inbound) {
		in.Channel = name
		if !strings.Contains(in.AccountID, ":") {
			in.AccountID = name + ":" + in.AccountID
		}
		r.mu.RLock()
		h := r.handler
		r.mu.RUnlock()
		if h != nil {
			h(in)
		}
	})
}

func (r *Router) SetMessageHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// SplitAccountID splits "<channel>:<account>".
func SplitAccountID(id string) (channel, account string, err error) {
	channel, account, ok := strings.Cut(id, ":")
	if !ok || channel == "" || account == "" {
		return "", "", fmt.Errorf("%q: %w", id, ErrBadAccountID)
	}
	return channel, account, nil
}

func (r *Router) Channel(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownChannel)
	}
	return ch, nil
}

func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for n := range r.channels {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Send implements the scheduler transport.
func (r *Router) Send(ctx context.Context, accountID, targetID, text string) error {
	name, account, err := SplitAccountID(accountID)
	if err != nil {
		return err
	}
	ch, err := r.Channel(name)
	if err != nil {
		return err
	}
	return ch.Send(ctx, account, targetID, text)
}

// Accounts lists every account of every channel as matcher candidates.
func (r *Router) Accounts() []matcher.Account {
	r.mu.RLock()
	chs := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chs = append(chs, ch)
	}
	r.mu.RUnlock()

	var res []matcher.Account
	for _, ch := range chs {
		for _, a := range ch.Accounts() {
			res = append(res, matcher.Account{
				ID:      ch.Name() + ":" + a.ID,
				Name:    cmp.Or(a.Name, a.ID),
				Channel: ch.Name(),
				Online:  a.Online,
			})
		}
	}
	slices.SortFunc(res, func(a, b matcher.Account) int { return cmp.Compare(a.ID, b.ID) })
	return res
}

func (r *Router) Status() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make(map[string]map[string]any, len(r.channels))
	for n, ch := range r.channels {
		res[n] = ch.Status()
	}
	return res
}

func (r *Router) Enroll(ctx context.Context, channel, account string) error {
	ch, err := r.Channel(channel)
	if err != nil {
		return err
	}
	return ch.Enroll(ctx, account)
}

// Run starts every channel. A channel that fails to start is logged and left
// offline.
func (r *Router) Run(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n, ch := range r.channels {
		if err := ch.Run(ctx); err != nil {
			slog.Error("channel failed to start", "channel", n, "error", err)
		}
	}
}

func (r *Router) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n, ch := range r.channels {
		if err := ch.Close(); err != nil {
			slog.Warn("channel close failed", "channel", n, "error", err)
		}
	}
}
