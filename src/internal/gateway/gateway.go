package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"troupe-main/src/internal/campaigns"
	"troupe-main/src/internal/channels"
	"troupe-main/src/internal/clock"
	"troupe-main/src/internal/config"
	"troupe-main/src/internal/cron"
	"troupe-main/src/internal/engine"
	"troupe-main/src/internal/entry"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/matcher"
	"troupe-main/src/internal/metrics"
	"troupe-main/src/internal/scheduler"
	"troupe-main/src/internal/script"
	"troupe-main/src/internal/storage"
	"troupe-main/src/internal/system"
	"troupe-main/src/internal/textgen"
	"troupe-main/src/internal/transcript"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrUnknownScript      = errors.New("script not found")
	ErrPartialMatch       = errors.New("not every role could be matched to an account")
	ErrConversationExists = errors.New("conversation already exists")
)

// Options replaces the parts New would otherwise build from the config.
type Options struct {
	Clock     clock.Clock
	Channels  []channels.Channel
	Generator textgen.Generator
	Registry  *prometheus.Registry
}

// Launch is the result of starting a plan.
type Launch struct {
	ConversationID string         `json:"conversation_id"`
	SessionID      string         `json:"session_id"`
	Mode           script.Mode    `json:"mode"`
	Match          matcher.Result `json:"match"`
}

type Gateway struct {
	Config      *config.Config
	Storage     *storage.Storage
	History     *storage.History
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry
	Router      *channels.Router
	Scheduler   *scheduler.Scheduler
	Machine     *script.Machine
	Entries     *entry.Orchestrator
	Transcripts *transcript.Manager

	clock   clock.Clock
	cronMgr *cron.CronManager
	engine  *engine.Loop
	nats    *events.NATSSink
	watcher *storage.ScriptWatcher

	mu      sync.RWMutex
	scripts map[string]*script.Script
	ctx     context.Context
	wg      sync.WaitGroup
}

func New(ctx context.Context, cfg *config.Config, st *storage.Storage, opts Options) (*Gateway, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	history, err := storage.NewHistory(cfg.Engine.HistoryDB)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		Config:      cfg,
		Storage:     st,
		History:     history,
		Bus:         events.NewBus(cfg.Events.Buffer),
		Metrics:     metrics.New(reg),
		Registry:    reg,
		Transcripts: transcript.NewManager(transcript.DefaultMaxTurns),
		clock:       clk,
		scripts:     make(map[string]*script.Script),
		ctx:         ctx,
	}
	gw.Bus.AddSink(history)
	if url := cfg.Events.NATS.URL; url != "" {
		sink, err := events.NewNATSSink(url, cfg.Events.NATS.SubjectPrefix)
		if err != nil {
			slog.Warn("nats event sink unavailable", "url", url, "error", err)
		} else {
			gw.nats = sink
			gw.Bus.AddSink(sink)
			slog.Info("publishing events to nats", "url", url, "prefix", cfg.Events.NATS.SubjectPrefix)
		}
	}

	chs := opts.Channels
	if chs == nil {
		chs = channelsFromConfig(ctx, cfg)
	}
	gw.Router = channels.NewRouter(chs...)
	gw.Router.SetMessageHandler(gw.handleInbound)

	gen := opts.Generator
	if gen == nil {
		guard, err := textgen.NewFromConfig(ctx, cfg)
		if err != nil {
			gw.Bus.Close()
			history.Close()
			return nil, fmt.Errorf("text generation: %w", err)
		}
		gen = guard
	}

	gw.Scheduler = scheduler.New(clk, gw.Router, scheduler.Options{
		SendTimeout:   cfg.Engine.SendTimeout,
		MaxConcurrent: cfg.Engine.MaxConcurrentSends,
		AuditSize:     cfg.Engine.AuditSize,
		Events:        gw.Bus,
		Metrics:       gw.Metrics,
		Audit:         history,
	})
	gw.Machine = script.New(clk, gw.Scheduler, gen, script.Options{
		MaxConsecutiveFailures: cfg.Engine.MaxConsecutiveFailures,
		DefaultFailureAction:   script.FailureAction(cfg.Engine.DefaultFailureAction),
		Events:                 gw.Bus,
		Metrics:                gw.Metrics,
		Store:                  conversationStore{gw},
		History:                gw.Transcripts,
	})
	gw.Entries = entry.New(clk, gw.Scheduler, gen, entry.Options{
		Events:  gw.Bus,
		Store:   st,
		History: gw.Transcripts,
	})
	// the transcript must see a delivered line before the machine reacts to it
	gw.Scheduler.AddObserver(gw.Transcripts)
	gw.Scheduler.AddObserver(gw.Machine)
	gw.Scheduler.AddObserver(gw.Entries)

	gw.engine = engine.New(clk, cfg.Engine.TickInterval)
	gw.engine.Register("entries", gw.Entries.Tick)
	gw.engine.Register("machine", gw.Machine.Tick)
	gw.engine.Register("scheduler", func(ctx context.Context, now time.Time) {
		gw.Scheduler.Tick(ctx, now)
	})

	gw.cronMgr = cron.NewCronManager(st, clk, func(ctx context.Context, plan campaigns.Plan) (string, error) {
		l, err := gw.LaunchPlan(ctx, plan)
		return l.ConversationID, err
	})

	gw.loadScripts()
	gw.restore()
	return gw, nil
}

func channelsFromConfig(ctx context.Context, cfg *config.Config) []channels.Channel {
	var chs []channels.Channel
	if cfg.Channels.Whatsapp.Enabled {
		ch, err := channels.NewWhatsapp(ctx, cfg.StorageDir)
		if err != nil {
			slog.Warn("failed to initialize whatsapp channel", "error", err)
		} else {
			chs = append(chs, ch)
			slog.Info("whatsapp channel initialized")
		}
	}
	if cfg.Channels.IRC.Enabled {
		chs = append(chs, channels.NewIRC(cfg.Channels.IRC))
		slog.Info("irc channel initialized", "host", cfg.Channels.IRC.Host, "accounts", len(cfg.Channels.IRC.Accounts))
	}
	return chs
}

// StartEngine connects the channels and starts the tick loop, the campaign
// scheduler and, when enabled, the script watcher.
func (gw *Gateway) StartEngine(ctx context.Context) {
	gw.mu.Lock()
	gw.ctx = ctx
	gw.mu.Unlock()

	gw.Router.Run(ctx)
	gw.cronMgr.Start()
	if gw.Config.WatchScripts {
		w, err := gw.Storage.WatchScripts(ctx, gw.putScript, gw.scriptRemoved)
		if err != nil {
			slog.Warn("script watcher unavailable", "dir", gw.Storage.ScriptsDir(), "error", err)
		} else {
			gw.watcher = w
		}
	}
	gw.engine.Start(ctx)
	system.LogUsage("engine_start")
}

// Close stops background work, snapshots live transcripts and releases
// channel and database connections.
func (gw *Gateway) Close() error {
	gw.engine.Stop()
	gw.cronMgr.Stop()
	if gw.watcher != nil {
		gw.watcher.Close()
	}
	gw.Entries.Wait()
	gw.Machine.Wait()
	gw.Scheduler.Wait()
	gw.wg.Wait()

	now := gw.clock.Now()
	for _, id := range gw.Transcripts.ListIDs() {
		if err := gw.Transcripts.Snapshot(id, gw.Storage.TranscriptsDir(), now); err != nil {
			slog.Warn("failed to snapshot transcript", "conversation_id", id, "error", err)
		}
	}
	gw.Router.Close()
	system.LogUsage("engine_stop")
	// Sinks write to history and NATS, so they drain before either closes.
	gw.Bus.Close()
	if gw.nats != nil {
		gw.nats.Close()
	}
	return gw.History.Close()
}

func (gw *Gateway) context() context.Context {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.ctx
}

// restore reloads live conversations, entry sessions and transcripts.
// Conversations come back paused.
func (gw *Gateway) restore() {
	snaps, err := transcript.LoadSnapshots(gw.Storage.TranscriptsDir())
	if err != nil {
		slog.Warn("failed to load transcript snapshots", "error", err)
	}
	for _, a := range snaps {
		gw.Transcripts.Restore(a)
	}

	convs, err := gw.Storage.LoadConversations()
	if err != nil {
		slog.Warn("failed to load conversations", "error", err)
	}
	for _, st := range convs {
		sc, _ := gw.Script(st.ScriptID)
		if err := gw.Machine.Restore(st, sc); err != nil {
			slog.Error("failed to restore conversation", "conversation_id", st.ConversationID, "error", err)
		}
	}

	sessions, err := gw.Storage.LoadSessions()
	if err != nil {
		slog.Warn("failed to load entry sessions", "error", err)
	}
	for _, s := range sessions {
		if err := gw.Entries.Restore(s); err != nil {
			slog.Error("failed to restore entry session", "session_id", s.ID, "error", err)
		}
	}
	if len(convs)+len(sessions) > 0 {
		slog.Info("state restored", "conversations", len(convs), "sessions", len(sessions), "transcripts", len(snaps))
	}
}

func (gw *Gateway) loadScripts() {
	list, err := gw.Storage.LoadScripts()
	if err != nil {
		slog.Warn("failed to load scripts", "dir", gw.Storage.ScriptsDir(), "error", err)
		return
	}
	for _, sc := range list {
		gw.putScript(sc)
	}
	slog.Info("scripts loaded", "count", len(list))
}

func (gw *Gateway) putScript(sc *script.Script) {
	gw.mu.Lock()
	gw.scripts[sc.ID] = sc
	gw.mu.Unlock()
}

// scriptRemoved forgets a script whose file was deleted. Files are named
// after the script id.
func (gw *Gateway) scriptRemoved(path string) {
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	gw.mu.Lock()
	delete(gw.scripts, id)
	gw.mu.Unlock()
	slog.Info("script removed", "script_id", id)
}

func (gw *Gateway) Script(id string) (*script.Script, bool) {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	sc, ok := gw.scripts[id]
	return sc, ok
}

func (gw *Gateway) ListScripts() []*script.Script {
	gw.mu.RLock()
	res := make([]*script.Script, 0, len(gw.scripts))
	for _, sc := range gw.scripts {
		res = append(res, sc)
	}
	gw.mu.RUnlock()
	slices.SortFunc(res, func(a, b *script.Script) int { return strings.Compare(a.ID, b.ID) })
	return res
}

// SaveScript validates, stores and registers a script. Running conversations
// keep the version they started with.
func (gw *Gateway) SaveScript(sc *script.Script) error {
	if err := gw.Storage.SaveScript(sc); err != nil {
		return err
	}
	sc.Updated = gw.clock.Now()
	gw.putScript(sc)
	return nil
}

func (gw *Gateway) DeleteScript(id string) error {
	if err := gw.Storage.DeleteScript(id); err != nil {
		return err
	}
	gw.mu.Lock()
	delete(gw.scripts, id)
	gw.mu.Unlock()
	return nil
}
