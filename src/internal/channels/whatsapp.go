package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Whatsapp hosts every linked WhatsApp device as one persona account, keyed
// by its phone number.
type Whatsapp struct {
	mu        sync.Mutex
	container *sqlstore.Container
	clients   map[string]*whatsmeow.Client
	handler   Handler
}

func NewWhatsapp(ctx context.Context, storageDir string) (*Whatsapp, error) {
	whatsappDir := filepath.Join(storageDir, "whatsapp")
	if err := os.MkdirAll(whatsappDir, 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp dir: %w", err)
	}
	dsn := "file:" + filepath.Join(whatsappDir, "whatsapp.db") + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to whatsapp store: %w", err)
	}
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list whatsapp devices: %w", err)
	}

	w := &Whatsapp{
		container: container,
		clients:   make(map[string]*whatsmeow.Client),
	}
	for _, dev := range devices {
		if dev.ID == nil {
			continue
		}
		w.clients[dev.ID.User] = w.newClient(dev.ID.User, whatsmeow.NewClient(dev, nil))
	}
	if len(w.clients) == 0 {
		slog.Info("no whatsapp accounts linked, enroll one to get a QR code")
	}
	return w, nil
}

func (w *Whatsapp) newClient(account string, client *whatsmeow.Client) *whatsmeow.Client {
	client.EnableAutoReconnect = true
	client.AddEventHandler(func(evt any) {
		v, ok := evt.(*events.Message)
		if !ok || v.Info.IsGroup || v.Info.IsFromMe {
			return
		}
		text := v.Message.GetConversation()
		if text == "" {
			text = v.Message.GetExtendedTextMessage().GetText()
		}
		if text == "" {
			return
		}
		slog.Debug("whatsapp inbound", "account", account, "sender", v.Info.Sender.User)
		w.mu.Lock()
		h := w.handler
		w.mu.Unlock()
		if h != nil {
			h(Inbound{AccountID: account, Sender: v.Info.Sender.User, Text: text, At: v.Info.Timestamp})
		}
	})
	return client
}

func (w *Whatsapp) Name() string {
	return "whatsapp"
}

func (w *Whatsapp) Status() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	accounts := make(map[string]any, len(w.clients))
	for acc, c := range w.clients {
		accounts[acc] = map[string]any{
			"connected": c.IsConnected(),
			"logged_in": c.IsLoggedIn(),
		}
	}
	return map[string]any{"accounts": accounts}
}

func (w *Whatsapp) Accounts() []Account {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := make([]Account, 0, len(w.clients))
	for acc, c := range w.clients {
		res = append(res, Account{ID: acc, Name: c.Store.PushName, Online: c.IsConnected() && c.IsLoggedIn()})
	}
	return res
}

// Enroll links a new device by printing its pairing QR code to stdout. An
// existing account is logged out first and relinked.
func (w *Whatsapp) Enroll(ctx context.Context, account string) error {
	w.mu.Lock()
	old := w.clients[account]
	w.mu.Unlock()
	if old != nil {
		if err := old.Logout(ctx); err != nil {
			return fmt.Errorf("whatsapp logout %s: %w", account, err)
		}
		w.mu.Lock()
		delete(w.clients, account)
		w.mu.Unlock()
	}

	client := whatsmeow.NewClient(w.container.NewDevice(), nil)
	qrChan, err := client.GetQRChannel(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("whatsapp qr channel: %w", err)
	}
	go func() {
		for evt := range qrChan {
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				slog.Info("whatsapp QR code", "code", evt.Code)
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			case whatsmeow.QRChannelSuccess.Event:
				if client.Store.ID == nil {
					continue
				}
				acc := client.Store.ID.User
				w.mu.Lock()
				w.clients[acc] = w.newClient(acc, client)
				w.mu.Unlock()
				slog.Info("whatsapp login successful", "account", acc)
			default:
				slog.Warn("whatsapp enroll ended", "event", evt.Event)
			}
		}
	}()
	return client.Connect()
}

// jid accepts a phone number or a full JID.
func jid(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), types.DefaultUserServer), nil
}

func (w *Whatsapp) Send(ctx context.Context, account, to, msg string) error {
	w.mu.Lock()
	client := w.clients[account]
	w.mu.Unlock()
	if client == nil {
		return fmt.Errorf("whatsapp %s: %w", account, ErrUnknownAccount)
	}
	if !client.IsConnected() {
		return fmt.Errorf("whatsapp %s: %w", account, ErrNotConnected)
	}
	recipient, err := jid(to)
	if err != nil {
		return fmt.Errorf("invalid JID %s: %w", to, err)
	}
	_, err = client.SendMessage(ctx, recipient, &waProto.Message{
		Conversation: proto.String(msg),
	})
	return err
}

func (w *Whatsapp) SetMessageHandler(h Handler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

func (w *Whatsapp) Run(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for acc, c := range w.clients {
		go func() {
			if err := c.Connect(); err != nil {
				slog.Error("whatsapp connect failed", "account", acc, "error", err)
			}
		}()
	}
	return nil
}

func (w *Whatsapp) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.clients {
		c.Disconnect()
	}
	return nil
}
