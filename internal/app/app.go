// Package app assembles the delivery agent. Every component is built
// exactly once and handed its collaborators explicitly; nothing reaches
// for process-global state.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/api"
	"github.com/yaront1111/mandarin-sub009/internal/auth"
	"github.com/yaront1111/mandarin-sub009/internal/cache"
	"github.com/yaront1111/mandarin-sub009/internal/config"
	"github.com/yaront1111/mandarin-sub009/internal/conn"
	"github.com/yaront1111/mandarin-sub009/internal/crosstab"
	"github.com/yaront1111/mandarin-sub009/internal/delivery"
	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/internal/notify"
	"github.com/yaront1111/mandarin-sub009/internal/offline"
	"github.com/yaront1111/mandarin-sub009/internal/presence"
	"github.com/yaront1111/mandarin-sub009/internal/runtime/supervisor"
	"github.com/yaront1111/mandarin-sub009/internal/services/maintenance"
	"github.com/yaront1111/mandarin-sub009/internal/storage"
	"github.com/yaront1111/mandarin-sub009/internal/transport"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// StopReason records why the agent is shutting down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// App owns every long-lived component of the agent.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tokens *auth.Source
	ctrl   *conn.Controller
	dlv    *delivery.Service
	inbox  *notify.Service
	cache  *cache.Cache
	queue  *offline.Queue
	client *api.Client
	pres   *presence.Monitor
	janit  *maintenance.Service

	tabs     *crosstab.Bus
	tabsFile *crosstab.FileChannel
}

// NewApp loads the config and builds the full component graph.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	tokens := auth.NewSource(cfg.API.Token,
		newTokenRefresher(apiCfg.BaseURL, cfg.API.RefreshPath, apiCfg.RequestTimeout),
		store, log.With(logx.String("comp", "auth")))

	// Transport ladder + connection controller
	opts, err := mapTransportOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.BearerToken = tokens.Token
	connCfg, err := mapConnConfig(cfg)
	if err != nil {
		return nil, err
	}
	ctrl := conn.New(connCfg, transport.Ladder(opts), log.With(logx.String("comp", "conn")), bus, store)

	// Cache, offline queue, presence, REST client
	cacheCfg, err := mapCacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	respCache := cache.New(cacheCfg, log.With(logx.String("comp", "cache")))

	offCfg, err := mapOfflineConfig(cfg)
	if err != nil {
		return nil, err
	}
	queue := offline.New(offCfg, log.With(logx.String("comp", "offline")), bus, store)

	var pres *presence.Monitor
	if pc, enabled, err := mapPresenceConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		pres = presence.New(pc, log.With(logx.String("comp", "presence")), bus)
	}

	clientOpts := []api.Option{api.WithCache(respCache), api.WithOfflineQueue(queue), api.WithBus(bus)}
	if pres != nil {
		clientOpts = append(clientOpts, api.WithPresence(pres.Online))
	}
	client := api.New(apiCfg, log.With(logx.String("comp", "api")), tokens, clientOpts...)

	// Reliable delivery over the controller, HTTP fallback via the client
	dlvCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	dlv := delivery.New(dlvCfg, ctrl, client, log.With(logx.String("comp", "delivery")), bus)

	// Notification inbox
	inboxCfg, err := mapInboxConfig(cfg)
	if err != nil {
		return nil, err
	}
	inbox := notify.New(inboxCfg, log.With(logx.String("comp", "inbox")), bus, store)

	// Cross-tab sync (optional)
	var (
		tabs     *crosstab.Bus
		tabsFile *crosstab.FileChannel
	)
	if ct := cfg.CrossTab; ct != nil && ct.Enabled {
		tabLog := log.With(logx.String("comp", "crosstab"))
		switch strings.ToLower(strings.TrimSpace(ct.Channel)) {
		case "", "memory":
			tabs = crosstab.New(crosstab.NewBroker().Attach(64), tabLog)
		case "file":
			fc, err := crosstab.NewFileChannel(ct.Path, tabLog)
			if err != nil {
				return nil, err
			}
			tabsFile = fc
			tabs = crosstab.New(fc, tabLog)
		default:
			return nil, fmt.Errorf("unknown cross_tab.channel: %s", ct.Channel)
		}
	}

	// Maintenance janitor
	mCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	targets := maintenance.Targets{Cache: respCache, Delivery: dlv, Inbox: inbox}
	if store != nil {
		targets.Store = store
	}
	if tabsFile != nil {
		targets.TabsFile = tabsFile
	}
	janit := maintenance.New(mCfg, log.With(logx.String("comp", "maintenance")), targets)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		tokens:   tokens,
		ctrl:     ctrl,
		dlv:      dlv,
		inbox:    inbox,
		cache:    respCache,
		queue:    queue,
		client:   client,
		pres:     pres,
		janit:    janit,
		tabs:     tabs,
		tabsFile: tabsFile,
	}, nil
}

// Accessors for the operational surface.
func (a *App) Delivery() *delivery.Service { return a.dlv }
func (a *App) Inbox() *notify.Service      { return a.inbox }
func (a *App) Controller() *conn.Controller {
	return a.ctrl
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTransportOptions(cfg); err != nil {
			return err
		}
		if _, err := mapConnConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapInboxConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCacheConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOfflineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapPresenceConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenanceConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Push events feed the inbox; accepted entries fan out to other tabs.
	a.wirePushEvents()

	// Delivery pipeline before the controller, so early acks find waiters.
	a.dlv.Start(runCtx)
	if err := a.ctrl.Connect(runCtx); err != nil {
		return err
	}

	if a.pres != nil {
		if err := a.pres.Start(runCtx); err != nil {
			return err
		}
	}
	if err := a.janit.Start(runCtx); err != nil {
		return err
	}

	// Cross-tab pump + remote mutation application.
	if a.tabs != nil {
		a.tabs.Subscribe(a.applyTabRecord)
		a.sup.Go("crosstab.run", func(c context.Context) error {
			return a.tabs.Run(c)
		})
	}

	// Replay the offline backlog on every connectivity edge.
	replayEvents, unsubReplay := a.bus.SubscribeTypes(16, presence.EventOnline, conn.EventState)
	a.sup.Go0("offline.replay", func(c context.Context) {
		defer unsubReplay()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-replayEvents:
				if !ok {
					return
				}
				if !a.isOnlineEdge(e) {
					continue
				}
				if a.queue.Len() == 0 {
					continue
				}
				n, err := a.queue.Replay(c, a.client)
				if err != nil && err != offline.ErrReplaying {
					a.log.Warn("offline replay stopped", logx.Int("replayed", n), logx.Err(err))
				} else if n > 0 {
					a.log.Info("offline backlog replayed", logx.Int("count", n))
				}
			}
		}
	})

	// Debug visibility into the bus.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("agent started")
	return nil
}

// wirePushEvents routes inbound wire events into the inbox and mirrors
// accepted entries to the other tabs.
func (a *App) wirePushEvents() {
	pushEvents := []string{
		transport.EvMessageNew,
		transport.EvLikeNew,
		transport.EvMatchNew,
		transport.EvCommentNew,
		transport.EvCallIncoming,
		transport.EvPhotoRequest,
		transport.EvPhotoResponse,
		transport.EvStoryNew,
		transport.EvNotice,
	}
	for _, ev := range pushEvents {
		ev := ev
		a.ctrl.On(ev, func(data json.RawMessage) {
			n, err := a.inbox.Ingest(ev, data)
			if err != nil {
				a.log.Warn("push event rejected", logx.String("event", ev), logx.Err(err))
				return
			}
			if n != nil && a.tabs != nil {
				if err := a.tabs.Publish(context.Background(), crosstab.KindAdd, n); err != nil {
					a.log.Warn("cross-tab publish failed", logx.Err(err))
				}
			}
		})
	}
}

// applyTabRecord replays a peer tab's mutation on the local inbox.
func (a *App) applyTabRecord(rec crosstab.Record) {
	switch rec.Kind {
	case crosstab.KindAdd:
		var n notify.Notification
		if err := json.Unmarshal(rec.Payload, &n); err != nil {
			a.log.Warn("cross-tab ADD malformed", logx.Err(err))
			return
		}
		a.inbox.ApplyAdd(n)
	case crosstab.KindRead:
		var id string
		if err := json.Unmarshal(rec.Payload, &id); err != nil {
			a.log.Warn("cross-tab READ malformed", logx.Err(err))
			return
		}
		a.inbox.ApplyRead(id)
	case crosstab.KindReadAll:
		a.inbox.ApplyReadAll()
	default:
		a.log.Debug("cross-tab record ignored", logx.String("kind", rec.Kind))
	}
}

// MarkRead flags one inbox entry read locally and tells the other tabs.
func (a *App) MarkRead(ctx context.Context, id string) bool {
	ok := a.inbox.MarkRead(id)
	if ok && a.tabs != nil {
		if err := a.tabs.Publish(ctx, crosstab.KindRead, id); err != nil {
			a.log.Warn("cross-tab publish failed", logx.Err(err))
		}
	}
	return ok
}

// MarkAllRead flags the whole inbox read locally and tells the other tabs.
func (a *App) MarkAllRead(ctx context.Context) int {
	n := a.inbox.MarkAllRead()
	if a.tabs != nil {
		if err := a.tabs.Publish(ctx, crosstab.KindReadAll, nil); err != nil {
			a.log.Warn("cross-tab publish failed", logx.Err(err))
		}
	}
	return n
}

func (a *App) isOnlineEdge(e eventbus.Event) bool {
	switch e.Type {
	case presence.EventOnline:
		return true
	case conn.EventState:
		// Any usable tier counts, including the long-poll fallback.
		if sc, ok := e.Data.(conn.StateChange); ok {
			return sc.To.IsUp() && !sc.From.IsUp()
		}
	}
	return false
}

// applyReload pushes a validated config into the running components.
func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "socket", "conn", "cross_tab":
			a.log.Warn("section requires restart to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if cfg, err := mapDeliveryConfig(newCfg); err == nil {
		a.dlv.Apply(cfg)
	}
	if cfg, err := mapInboxConfig(newCfg); err == nil {
		a.inbox.Apply(cfg)
	}
	if cfg, err := mapCacheConfig(newCfg); err == nil {
		a.cache.Apply(cfg)
	}
	if cfg, err := mapOfflineConfig(newCfg); err == nil {
		a.queue.Apply(cfg)
	}
	if cfg, err := mapAPIConfig(newCfg); err == nil {
		a.client.Apply(cfg)
	}
	if a.pres != nil {
		if cfg, enabled, err := mapPresenceConfig(newCfg); err == nil && enabled {
			a.pres.Apply(cfg)
		}
	}
	if cfg, err := mapMaintenanceConfig(newCfg); err == nil {
		if err := a.janit.Apply(cfg); err != nil {
			a.log.Warn("maintenance reconfigure failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { return a.janit.Stop(c) })
	if a.pres != nil {
		step("presence", 1*time.Second, func(c context.Context) error { return a.pres.Stop(c) })
	}
	step("delivery", 2*time.Second, func(c context.Context) error { a.dlv.Stop(c); return nil })
	step("conn", 3*time.Second, func(c context.Context) error { return a.ctrl.Disconnect(c) })
	if a.tabs != nil {
		step("crosstab", 1*time.Second, func(c context.Context) error { return a.tabs.Close() })
	}
	step("inbox.snapshot", 1*time.Second, func(c context.Context) error { return a.inbox.SaveSnapshot(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// newTokenRefresher exchanges a rejected bearer token against the refresh
// endpoint. Returns nil when no endpoint is configured, which makes a 401
// terminal.
func newTokenRefresher(baseURL, refreshPath string, timeout time.Duration) auth.RefreshFunc {
	refreshPath = strings.TrimSpace(refreshPath)
	if refreshPath == "" {
		return nil
	}
	url := strings.TrimRight(baseURL, "/") + refreshPath
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, rejected string) (string, error) {
		body, _ := json.Marshal(map[string]string{"token": rejected})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("auth refresh: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("auth refresh: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", fmt.Errorf("auth refresh: read response: %w", err)
		}
		var env struct {
			Success bool `json:"success"`
			Data    struct {
				Token string `json:"token"`
			} `json:"data"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return "", fmt.Errorf("auth refresh: malformed response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success || env.Data.Token == "" {
			return "", fmt.Errorf("auth refresh rejected: status %d %s", resp.StatusCode, env.Error)
		}
		return env.Data.Token, nil
	}
}

// Status aggregates every component snapshot for the ops surface.
type Status struct {
	Conn     conn.Snapshot        `json:"conn"`
	Delivery delivery.Snapshot    `json:"delivery"`
	Inbox    notify.Snapshot      `json:"inbox"`
	Cache    cache.Snapshot       `json:"cache"`
	Offline  offline.Snapshot     `json:"offline"`
	API      api.Snapshot         `json:"api"`
	Janitor  maintenance.Snapshot `json:"janitor"`
	Presence *presence.Snapshot   `json:"presence,omitempty"`
	Tabs     *crosstab.Snapshot   `json:"tabs,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		Conn:     a.ctrl.Snapshot(),
		Delivery: a.dlv.Snapshot(),
		Inbox:    a.inbox.Snapshot(),
		Cache:    a.cache.Snapshot(),
		Offline:  a.queue.Snapshot(),
		API:      a.client.Snapshot(),
		Janitor:  a.janit.Snapshot(),
	}
	if a.pres != nil {
		s := a.pres.Snapshot()
		st.Presence = &s
	}
	if a.tabs != nil {
		s := a.tabs.Snapshot()
		st.Tabs = &s
	}
	return st
}
