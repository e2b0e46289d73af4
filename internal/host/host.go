// Package host runs the governd polling loop: it keeps engine and group
// configuration fresh, schedules connector refreshes, maintains one engage
// goroutine per dedicated-thread connector, and routes inbound platform
// events and action triggers to the right component.
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/governd/governd/internal/actions"
	"github.com/governd/governd/internal/audit"
	"github.com/governd/governd/internal/connectors"
	"github.com/governd/governd/internal/engine"
	"github.com/governd/governd/internal/metrics"
	"github.com/governd/governd/internal/platform"
	"github.com/governd/governd/internal/runtime"
	"github.com/governd/governd/internal/watchdog"
)

// ErrUnknownConnector is returned by targeted operations naming a connector
// id the cache does not hold.
var ErrUnknownConnector = errors.New("unknown connector")

// Params bundles everything a Host needs. EngineNames and GroupNames select
// the definitions this host serves; at least one of the two must be set.
type Params struct {
	EngineNames []string
	GroupNames  []string
	UserID      string

	Config   platform.ConfigurationClient
	Actions  platform.ActionClient
	Factory  connectors.Factory
	Resolver runtime.ConnectionResolver
	Audit    audit.Log

	RefreshInterval          time.Duration
	EngageRestartDelay       time.Duration
	MissedActionScanInterval time.Duration
	RegistrationPageSize     int
	RestartClaimedActions    bool
}

// Host owns the shared connector cache, the engine/group handlers built
// from the configured names, the per-engine action supervisors, and the
// watchdog dispatch manager.
type Host struct {
	engines  []*engine.Handler
	cache    *runtime.Cache
	events   *watchdog.Manager
	auditLog audit.Log
	userID   string
	actions  platform.ActionClient

	refreshInterval    time.Duration
	engageRestartDelay time.Duration
	missedScanInterval time.Duration
	restartClaimed     bool

	mu           sync.Mutex
	supervisors  map[string]*actions.Supervisor
	firstRefresh map[string]bool
	engaging     map[string]bool
	wg           sync.WaitGroup
}

func New(params Params) (*Host, error) {
	if len(params.EngineNames) == 0 && len(params.GroupNames) == 0 {
		return nil, errors.New("host: no engine or group names configured")
	}

	auditLog := params.Audit
	if auditLog == nil {
		auditLog = audit.Nop{}
	}

	h := &Host{
		cache:              runtime.NewCache(),
		events:             watchdog.NewManager(auditLog),
		auditLog:           auditLog,
		userID:             params.UserID,
		actions:            params.Actions,
		refreshInterval:    orDefault(params.RefreshInterval, time.Minute),
		engageRestartDelay: orDefault(params.EngageRestartDelay, 5*time.Second),
		missedScanInterval: orDefault(params.MissedActionScanInterval, 10*time.Minute),
		restartClaimed:     params.RestartClaimedActions,
		supervisors:        make(map[string]*actions.Supervisor),
		firstRefresh:       make(map[string]bool),
		engaging:           make(map[string]bool),
	}

	build := func(name string, kind engine.Kind) {
		h.engines = append(h.engines, engine.NewHandler(engine.Params{
			Name:     name,
			Kind:     kind,
			UserID:   params.UserID,
			Config:   params.Config,
			Factory:  params.Factory,
			Resolver: params.Resolver,
			Actions:  params.Actions,
			Events:   h.events,
			Cache:    h.cache,
			Audit:    auditLog,
			PageSize: params.RegistrationPageSize,
		}))
	}
	for _, name := range params.EngineNames {
		build(name, engine.KindEngine)
	}
	for _, name := range params.GroupNames {
		build(name, engine.KindGroup)
	}
	return h, nil
}

// Start runs the polling loop until ctx is cancelled: an immediate config
// refresh, recovery of claimed actions, then a ticker that re-resolves
// configuration, drives due connector refreshes, and keeps dedicated-thread
// connectors engaged. Start blocks; run it in its own goroutine.
func (h *Host) Start(ctx context.Context) {
	h.auditLog.LogMessage("startup", audit.Message{
		ID:       "GOVERND-HOST-0001",
		Severity: audit.SeverityStartup,
		Text:     "governance host starting",
		Attrs:    []any{"engines", len(h.engines)},
	})

	if err := h.RefreshConfig(ctx); err != nil {
		h.auditLog.LogException("startup", audit.Message{
			ID:   "GOVERND-HOST-0002",
			Text: "initial configuration refresh incomplete, will retry on the next pass",
		}, err)
	}
	if h.restartClaimed {
		h.restartClaimedActions(ctx)
	}
	h.runPass(ctx)

	ticker := time.NewTicker(h.refreshInterval)
	defer ticker.Stop()
	missed := time.NewTicker(h.missedScanInterval)
	defer missed.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-missed.C:
			h.scanMissedActions(ctx)
		case <-ticker.C:
			if err := h.RefreshUnresolved(ctx); err != nil {
				h.auditLog.LogException("refresh", audit.Message{
					ID:   "GOVERND-HOST-0003",
					Text: "configuration refresh failed, will retry on the next pass",
				}, err)
			}
			h.runPass(ctx)
		}
	}
}

// RefreshConfig re-resolves every engine and group in parallel. The first
// failure is returned after all refreshes finish; per-engine detail goes to
// the audit log.
func (h *Host) RefreshConfig(ctx context.Context) error {
	var g errgroup.Group
	for _, eng := range h.engines {
		eng := eng
		g.Go(func() error {
			if err := eng.RefreshConfig(ctx); err != nil {
				h.auditLog.LogException("refresh", audit.Message{
					ID:    "GOVERND-HOST-0004",
					Text:  "engine configuration refresh failed",
					Attrs: []any{"engine", eng.Name()},
				}, err)
				return fmt.Errorf("refresh %q: %w", eng.Name(), err)
			}
			h.ensureSupervisor(eng)
			return nil
		})
	}
	return g.Wait()
}

// RefreshUnresolved retries only the engines whose definition has not been
// resolved yet. Resolved engines keep their registrations until an explicit
// full refresh.
func (h *Host) RefreshUnresolved(ctx context.Context) error {
	var g errgroup.Group
	for _, eng := range h.engines {
		if eng.GUID() != "" {
			continue
		}
		eng := eng
		g.Go(func() error {
			if err := eng.RefreshConfig(ctx); err != nil {
				return fmt.Errorf("refresh %q: %w", eng.Name(), err)
			}
			h.ensureSupervisor(eng)
			return nil
		})
	}
	return g.Wait()
}

// runPass drives one scheduling pass: refresh every due connector in the
// processing list and make sure each dedicated-thread connector has a live
// engage goroutine.
func (h *Host) runPass(ctx context.Context) {
	for _, id := range h.cache.ProcessingOrder() {
		handler := h.cache.GetByID(id)
		if handler == nil {
			continue
		}
		if !h.refreshDue(handler) {
			continue
		}
		h.refreshHandler(ctx, handler)
	}

	for _, handler := range h.cache.Handlers() {
		if handler.NeedsDedicatedThread() {
			h.ensureEngaged(ctx, handler)
		}
	}
	h.publishStatusCounts()
}

func (h *Host) refreshDue(handler *runtime.Handler) bool {
	last := handler.LastRefreshTime()
	if last.IsZero() {
		return true
	}
	min := handler.MinRefreshInterval()
	if min <= 0 {
		return true
	}
	return time.Since(last) >= min
}

func (h *Host) refreshHandler(ctx context.Context, handler *runtime.Handler) {
	id := handler.ID()
	h.mu.Lock()
	first := !h.firstRefresh[id]
	h.firstRefresh[id] = true
	h.mu.Unlock()
	handler.Refresh(ctx, first)
}

// ensureEngaged starts one engage goroutine for a dedicated-thread
// connector. If the engage hook returns, the goroutine waits the restart
// delay and re-engages, until the connector leaves the cache or the host
// stops.
func (h *Host) ensureEngaged(ctx context.Context, handler *runtime.Handler) {
	id := handler.ID()
	h.mu.Lock()
	if h.engaging[id] {
		h.mu.Unlock()
		return
	}
	h.engaging[id] = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.engaging, id)
			h.mu.Unlock()
		}()
		for {
			if h.cache.GetByID(id) != handler {
				return
			}
			handler.Engage(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.engageRestartDelay):
			}
		}
	}()
}

// ProcessingList returns the connector ids the polling loop walks, in
// order. Dedicated-thread connectors are excluded.
func (h *Host) ProcessingList() []string {
	return h.cache.ProcessingOrder()
}

// RefreshConnector forces an immediate refresh of one connector.
func (h *Host) RefreshConnector(ctx context.Context, id string) error {
	handler := h.cache.GetByID(id)
	if handler == nil {
		return fmt.Errorf("%w: %q", ErrUnknownConnector, strings.TrimSpace(id))
	}
	h.refreshHandler(ctx, handler)
	return nil
}

// EngageConnector starts the engage goroutine for one dedicated-thread
// connector, regardless of whether a pass has run yet.
func (h *Host) EngageConnector(ctx context.Context, id string) error {
	handler := h.cache.GetByID(id)
	if handler == nil {
		return fmt.Errorf("%w: %q", ErrUnknownConnector, strings.TrimSpace(id))
	}
	h.ensureEngaged(ctx, handler)
	return nil
}

// ConnectorReport returns the status snapshot for one connector.
func (h *Host) ConnectorReport(id string) (runtime.Report, error) {
	handler := h.cache.GetByID(id)
	if handler == nil {
		return runtime.Report{}, fmt.Errorf("%w: %q", ErrUnknownConnector, strings.TrimSpace(id))
	}
	return handler.Report(), nil
}

// ConnectorReports returns snapshots for every cached connector.
func (h *Host) ConnectorReports() []runtime.Report {
	handlers := h.cache.Handlers()
	reports := make([]runtime.Report, 0, len(handlers))
	for _, handler := range handlers {
		reports = append(reports, handler.Report())
	}
	return reports
}

// Summaries reports the state of every engine and group this host serves.
func (h *Host) Summaries() []engine.Summary {
	out := make([]engine.Summary, 0, len(h.engines))
	for _, eng := range h.engines {
		out = append(out, eng.Summary())
	}
	return out
}

// DispatchEvent forwards an inbound platform event to every registered
// listener. Called from the event-consumer goroutine.
func (h *Host) DispatchEvent(event watchdog.Event) {
	h.events.ProcessEvent(event)
}

// ExecuteAction routes an action trigger to the supervisor of the engine
// named in the trigger. Unknown engine names are logged and dropped.
func (h *Host) ExecuteAction(ctx context.Context, engineName, actionGUID string) {
	h.mu.Lock()
	supervisor := h.supervisors[engineName]
	h.mu.Unlock()
	if supervisor == nil {
		h.auditLog.LogMessage("execute-action", audit.Message{
			ID:       "GOVERND-HOST-0005",
			Severity: audit.SeverityError,
			Text:     "action trigger names an engine this host does not serve",
			Attrs:    []any{"engine", engineName, "action", actionGUID},
		})
		return
	}
	supervisor.ExecuteAction(ctx, actionGUID)
}

// Shutdown disconnects every connector and waits for action and engage
// goroutines to finish.
func (h *Host) Shutdown(ctx context.Context) {
	h.auditLog.LogMessage("shutdown", audit.Message{
		ID:       "GOVERND-HOST-0006",
		Severity: audit.SeverityShutdown,
		Text:     "governance host shutting down",
	})
	for _, eng := range h.engines {
		eng.Shutdown(ctx)
	}
	h.mu.Lock()
	supervisors := make([]*actions.Supervisor, 0, len(h.supervisors))
	for _, s := range h.supervisors {
		supervisors = append(supervisors, s)
	}
	h.mu.Unlock()
	for _, s := range supervisors {
		s.Wait()
	}
	h.wg.Wait()
}

func (h *Host) ensureSupervisor(eng *engine.Handler) {
	if eng.Kind() != engine.KindEngine {
		return
	}
	guid := eng.GUID()
	if guid == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.supervisors[eng.Name()]; ok {
		return
	}
	h.supervisors[eng.Name()] = actions.NewSupervisor(actions.Params{
		OwnerGUID: guid,
		OwnerName: eng.Name(),
		UserID:    h.userID,
		Client:    h.actions,
		Resolver:  eng,
		Audit:     h.auditLog,
	})
}

func (h *Host) restartClaimedActions(ctx context.Context) {
	h.mu.Lock()
	supervisors := make([]*actions.Supervisor, 0, len(h.supervisors))
	for _, s := range h.supervisors {
		supervisors = append(supervisors, s)
	}
	h.mu.Unlock()
	for _, s := range supervisors {
		if err := s.RestartServices(ctx); err != nil {
			h.auditLog.LogException("startup", audit.Message{
				ID:   "GOVERND-HOST-0007",
				Text: "restarting claimed actions failed",
			}, err)
		}
	}
}

func (h *Host) scanMissedActions(ctx context.Context) {
	h.mu.Lock()
	supervisors := make([]*actions.Supervisor, 0, len(h.supervisors))
	for _, s := range h.supervisors {
		supervisors = append(supervisors, s)
	}
	h.mu.Unlock()
	for _, s := range supervisors {
		if err := s.StartMissedActions(ctx); err != nil {
			h.auditLog.LogException("missed-actions", audit.Message{
				ID:   "GOVERND-HOST-0008",
				Text: "missed-action scan failed",
			}, err)
		}
	}
}

func (h *Host) publishStatusCounts() {
	type key struct {
		owner  string
		status runtime.Status
	}
	counts := make(map[key]int)
	owners := make(map[string]struct{})
	for _, handler := range h.cache.Handlers() {
		owner := handler.OwnerName()
		owners[owner] = struct{}{}
		counts[key{owner, handler.Status()}]++
	}
	for owner := range owners {
		for _, status := range []runtime.Status{
			runtime.StatusUninitialized,
			runtime.StatusInitialized,
			runtime.StatusRunning,
			runtime.StatusFailed,
			runtime.StatusStopped,
		} {
			metrics.ConnectorsByStatus.WithLabelValues(owner, string(status)).Set(float64(counts[key{owner, status}]))
		}
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
