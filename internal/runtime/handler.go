package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/governd/governd/internal/audit"
	"github.com/governd/governd/internal/connectors"
	"github.com/governd/governd/internal/metrics"
	"github.com/governd/governd/internal/platform"
)

// Registration is the per-refresh-cycle record describing one configured
// connector. It is replaced wholesale on each refresh cycle; only the
// configuration-properties map is ever merged in place.
type Registration struct {
	ConnectorID          string
	DisplayName          string
	OwnerName            string
	Connection           platform.Connection
	PermittedSync        platform.PermittedSync
	NeedsDedicatedThread bool
	Permanent            bool
	MinRefreshInterval   time.Duration
}

// ConnectionResolver rewrites secret references in a connection descriptor
// before instantiation. secrets.Resolver satisfies it; nil disables
// resolution.
type ConnectionResolver interface {
	ResolveConnection(ctx context.Context, conn platform.Connection) (platform.Connection, error)
}

// ContextAware is implemented by connectors that want the per-connector
// host context bound before their start hook runs.
type ContextAware interface {
	SetContext(hostContext *ConnectorContext) error
}

// Report is the externally visible snapshot of a handler's runtime state.
type Report struct {
	ConnectorID        string            `json:"connector_id"`
	DisplayName        string            `json:"display_name"`
	OwnerName          string            `json:"owner_name,omitempty"`
	Status             Status            `json:"status"`
	StatusChangedAt    time.Time         `json:"status_changed_at"`
	FailureMessage     string            `json:"failure_message,omitempty"`
	Statistics         map[string]string `json:"statistics,omitempty"`
	LastRefreshTime    *time.Time        `json:"last_refresh_time,omitempty"`
	MinRefreshInterval time.Duration     `json:"min_refresh_interval,omitempty"`
}

// HandlerParams bundles the collaborators a handler needs.
type HandlerParams struct {
	Registration Registration
	Factory      connectors.Factory
	Resolver     ConnectionResolver
	Audit        audit.Log
	Context      *ConnectorContext
}

// Handler owns the full lifecycle of one pluggable connector instance. All
// runtime state is mutated under the handler's own lock; connector hooks
// are invoked outside it so a blocking hook cannot freeze status queries.
// Lifecycle operations themselves are expected to be invoked from a single
// scheduling goroutine per connector (plus at most one engage goroutine).
//
// Every connector-supplied hook is wrapped: a thrown error is logged with
// the operation name, converted into a Failed status plus retained message,
// and never propagated to the caller. This isolates a failing connector
// from the host's polling loop and from sibling connectors.
type Handler struct {
	factory  connectors.Factory
	resolver ConnectionResolver
	auditLog audit.Log
	hostCtx  *ConnectorContext

	mu              sync.Mutex
	reg             Registration
	connector       connectors.Connector
	status          Status
	statusChangedAt time.Time
	failureMessage  string
	statistics      map[string]string
	lastRefresh     time.Time
}

func NewHandler(params HandlerParams) *Handler {
	auditLog := params.Audit
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	h := &Handler{
		factory:         params.Factory,
		resolver:        params.Resolver,
		auditLog:        auditLog,
		hostCtx:         params.Context,
		reg:             params.Registration,
		status:          StatusUninitialized,
		statusChangedAt: time.Now(),
		statistics:      make(map[string]string),
	}
	if h.hostCtx != nil {
		h.hostCtx.bind(h)
	}
	return h
}

// Initialize disconnects any existing instance, resets runtime state, and
// builds a fresh connector from the connection descriptor. Instantiation or
// binding failures leave the handler in Failed status with a retained
// message; the next refresh pass drives any retry.
func (h *Handler) Initialize(ctx context.Context) {
	h.disconnectExisting(ctx)

	h.mu.Lock()
	h.reset(StatusUninitialized)
	reg := h.reg
	resolver := h.resolver
	h.mu.Unlock()

	conn := reg.Connection
	if resolver != nil {
		resolved, err := resolver.ResolveConnection(ctx, conn)
		if err != nil {
			h.fail("initialize", err)
			return
		}
		conn = resolved
	}

	connector, err := h.factory.Instantiate(ctx, conn)
	if err != nil {
		h.fail("initialize", err)
		return
	}

	if aware, ok := connector.(ContextAware); ok && h.hostCtx != nil {
		if err := aware.SetContext(h.hostCtx); err != nil {
			h.fail("initialize", err)
			return
		}
	}

	h.mu.Lock()
	h.connector = connector
	h.setStatus(StatusInitialized)
	h.mu.Unlock()
}

// Reinitialize is Initialize under its refresh-cycle name: the handler is
// fully reusable after any failure or disconnect.
func (h *Handler) Reinitialize(ctx context.Context) {
	h.Initialize(ctx)
}

// Start invokes the connector's start hook. Only valid from Initialized.
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	if h.status != StatusInitialized || h.connector == nil {
		h.mu.Unlock()
		return
	}
	connector := h.connector
	h.mu.Unlock()

	if err := connector.Start(ctx); err != nil {
		h.fail("start", err)
		return
	}

	h.mu.Lock()
	if h.status == StatusInitialized {
		h.setStatus(StatusRunning)
	}
	h.mu.Unlock()
}

// Refresh invokes the connector's refresh hook. Only effective when the
// handler is Initialized (auto-starts first) or Running. The last-refresh
// timestamp is updated regardless of the hook's outcome.
func (h *Handler) Refresh(ctx context.Context, firstCall bool) {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()

	if status == StatusInitialized {
		h.Start(ctx)
		h.mu.Lock()
		status = h.status
		h.mu.Unlock()
	}
	if status != StatusRunning {
		return
	}

	h.mu.Lock()
	connector := h.connector
	reg := h.reg
	h.mu.Unlock()
	if connector == nil {
		return
	}

	started := time.Now()
	err := connector.Refresh(ctx)
	metrics.ConnectorRefreshDuration.WithLabelValues(reg.OwnerName, reg.ConnectorID).Observe(time.Since(started).Seconds())

	h.mu.Lock()
	h.lastRefresh = time.Now()
	h.mu.Unlock()

	if err != nil {
		h.fail("refresh", err)
		return
	}
	if firstCall {
		h.auditLog.LogMessage("refresh", audit.Message{
			ID:       "GOVERND-CONNECTOR-0003",
			Severity: audit.SeverityInfo,
			Text:     "connector completed its first refresh",
			Attrs:    []any{"connector", reg.ConnectorID, "owner", reg.OwnerName},
		})
	}
}

// Engage invokes the connector's long-running engage hook. Gating matches
// Refresh; the call blocks for as long as the connector chooses to.
func (h *Handler) Engage(ctx context.Context) {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()

	if status == StatusInitialized {
		h.Start(ctx)
		h.mu.Lock()
		status = h.status
		h.mu.Unlock()
	}
	if status != StatusRunning {
		return
	}

	h.mu.Lock()
	connector := h.connector
	h.mu.Unlock()
	if connector == nil {
		return
	}

	if err := connector.Engage(ctx); err != nil {
		h.fail("engage", err)
	}
}

// Disconnect invokes the connector's disconnect hook and resets the handler
// so a future Reinitialize starts clean. Listener registrations made by
// this connector are removed.
func (h *Handler) Disconnect(ctx context.Context) {
	h.mu.Lock()
	switch h.status {
	case StatusUninitialized, StatusStopped:
		h.mu.Unlock()
		return
	}
	connector := h.connector
	reg := h.reg
	h.mu.Unlock()

	if connector != nil {
		if err := connector.Disconnect(ctx); err != nil {
			h.auditLog.LogException("disconnect", audit.Message{
				ID:   "GOVERND-CONNECTOR-0004",
				Text: "connector disconnect hook failed",
				Attrs: []any{
					"connector", reg.ConnectorID,
					"owner", reg.OwnerName,
				},
			}, err)
		}
	}
	if h.hostCtx != nil {
		h.hostCtx.RemoveListener()
	}

	h.mu.Lock()
	h.setStatus(StatusStopped)
	h.reset(StatusStopped)
	h.mu.Unlock()
}

// UpdateConfigurationProperties merges or replaces the connection's
// configuration-properties map, then reinitializes: there is no in-place
// property push to a running connector.
func (h *Handler) UpdateConfigurationProperties(ctx context.Context, merge bool, props map[string]any) {
	h.mu.Lock()
	if merge && h.reg.Connection.ConfigurationProperties != nil {
		merged := make(map[string]any, len(h.reg.Connection.ConfigurationProperties)+len(props))
		for k, v := range h.reg.Connection.ConfigurationProperties {
			merged[k] = v
		}
		for k, v := range props {
			merged[k] = v
		}
		h.reg.Connection.ConfigurationProperties = merged
	} else {
		h.reg.Connection.ConfigurationProperties = props
	}
	reg := h.reg
	h.mu.Unlock()

	h.auditLog.LogMessage("update-configuration", audit.Message{
		ID:       "GOVERND-CONNECTOR-0005",
		Severity: audit.SeverityInfo,
		Text:     "connector configuration properties updated",
		Attrs:    []any{"connector", reg.ConnectorID, "merge", merge},
	})
	h.Reinitialize(ctx)
}

// UpdateRegistration replaces the registration record for the next
// initialize. Used by targeted single-service refreshes.
func (h *Handler) UpdateRegistration(reg Registration) {
	h.mu.Lock()
	h.reg = reg
	h.mu.Unlock()
}

func (h *Handler) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.ConnectorID
}

func (h *Handler) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.DisplayName
}

func (h *Handler) OwnerName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.OwnerName
}

func (h *Handler) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handler) StatusChangedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusChangedAt
}

func (h *Handler) FailureMessage() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failureMessage
}

func (h *Handler) LastRefreshTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRefresh
}

func (h *Handler) MinRefreshInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.MinRefreshInterval
}

func (h *Handler) NeedsDedicatedThread() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.NeedsDedicatedThread
}

func (h *Handler) PermittedSync() platform.PermittedSync {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.PermittedSync
}

// Runner returns the connector's action-execution capability, or nil when
// there is no live instance or the connector is not a governance service.
func (h *Handler) Runner() connectors.ServiceRunner {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connector == nil {
		return nil
	}
	runner, ok := h.connector.(connectors.ServiceRunner)
	if !ok {
		return nil
	}
	return runner
}

// Statistics returns a copy of the connector's free-form statistics map.
func (h *Handler) Statistics() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.statistics))
	for k, v := range h.statistics {
		out[k] = v
	}
	return out
}

// Report builds the status snapshot used by summaries and the admin API.
func (h *Handler) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := Report{
		ConnectorID:        h.reg.ConnectorID,
		DisplayName:        h.reg.DisplayName,
		OwnerName:          h.reg.OwnerName,
		Status:             h.status,
		StatusChangedAt:    h.statusChangedAt,
		FailureMessage:     h.failureMessage,
		MinRefreshInterval: h.reg.MinRefreshInterval,
	}
	if len(h.statistics) > 0 {
		report.Statistics = make(map[string]string, len(h.statistics))
		for k, v := range h.statistics {
			report.Statistics[k] = v
		}
	}
	if !h.lastRefresh.IsZero() {
		t := h.lastRefresh
		report.LastRefreshTime = &t
	}
	return report
}

func (h *Handler) recordStatistic(name, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statistics[name] = value
}

// fail converts a connector hook error into Failed status plus a retained,
// human-readable message.
func (h *Handler) fail(operation string, err error) {
	h.mu.Lock()
	h.failureMessage = fmt.Sprintf("%s: %v", operation, err)
	h.setStatus(StatusFailed)
	reg := h.reg
	h.mu.Unlock()

	metrics.ConnectorOperationFailuresTotal.WithLabelValues(reg.OwnerName, reg.ConnectorID, operation).Inc()
	h.auditLog.LogException(operation, audit.Message{
		ID:   "GOVERND-CONNECTOR-0002",
		Text: "connector " + operation + " failed",
		Attrs: []any{
			"connector", reg.ConnectorID,
			"owner", reg.OwnerName,
		},
	}, err)
}

// setStatus must be called with the lock held: the status and its change
// timestamp move together so no reader sees a torn pair.
func (h *Handler) setStatus(status Status) {
	if h.status == status {
		return
	}
	h.status = status
	h.statusChangedAt = time.Now()
}

// reset clears everything except the registration so the handler is ready
// for a future reinitialize. Must be called with the lock held.
func (h *Handler) reset(status Status) {
	h.connector = nil
	h.failureMessage = ""
	h.statistics = make(map[string]string)
	h.lastRefresh = time.Time{}
	h.setStatus(status)
}

func (h *Handler) disconnectExisting(ctx context.Context) {
	h.mu.Lock()
	connector := h.connector
	reg := h.reg
	h.mu.Unlock()
	if connector == nil {
		return
	}

	if err := connector.Disconnect(ctx); err != nil {
		h.auditLog.LogException("reinitialize", audit.Message{
			ID:   "GOVERND-CONNECTOR-0001",
			Text: "disconnect of previous connector instance failed",
			Attrs: []any{
				"connector", reg.ConnectorID,
				"owner", reg.OwnerName,
			},
		}, err)
	}
	if h.hostCtx != nil {
		h.hostCtx.RemoveListener()
	}
}
