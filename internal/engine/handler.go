// Package engine materializes the connector handlers for one governance
// engine or integration group from the platform's configuration service and
// answers status-summary queries about them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/governd/governd/internal/audit"
	"github.com/governd/governd/internal/connectors"
	"github.com/governd/governd/internal/metrics"
	"github.com/governd/governd/internal/platform"
	"github.com/governd/governd/internal/runtime"
	"github.com/governd/governd/internal/watchdog"
)

// ErrConfiguration indicates the engine or group is unknown to the platform
// or its definition is incomplete. The handler clears its cached identity
// before returning it so a retry re-detects the problem instead of running
// on stale data.
var ErrConfiguration = errors.New("engine configuration error")

// Kind selects the dispatch style of a handler.
type Kind string

const (
	// KindEngine keys service dispatch by governance request type.
	KindEngine Kind = "governance-engine"
	// KindGroup keys service dispatch by connector id only.
	KindGroup Kind = "integration-group"
)

// RequestTypeEntry is one engine-style dispatch entry: the handler to run
// plus the service-level translation of the engine-level request type.
type RequestTypeEntry struct {
	Handler            *runtime.Handler
	ServiceRequestType string
	RequestParameters  map[string]string
	DeleteMethod       string
}

// SummaryStatus is the coarse configuration state of an engine or group.
type SummaryStatus string

const (
	// StatusAssigned means the definition has not been resolved yet.
	StatusAssigned SummaryStatus = "ASSIGNED"
	// StatusConfiguring means the definition resolved but no services did.
	StatusConfiguring SummaryStatus = "CONFIGURING"
	// StatusRunning means at least one service resolved.
	StatusRunning SummaryStatus = "RUNNING"
)

// Summary is the externally visible state of one engine or group.
type Summary struct {
	Name         string           `json:"name"`
	GUID         string           `json:"guid,omitempty"`
	Kind         Kind             `json:"kind"`
	Description  string           `json:"description,omitempty"`
	Status       SummaryStatus    `json:"status"`
	RequestTypes []string         `json:"request_types,omitempty"`
	Connectors   []runtime.Report `json:"connectors,omitempty"`
}

// Params bundles the collaborators an engine handler needs.
type Params struct {
	Name     string
	Kind     Kind
	UserID   string
	Config   platform.ConfigurationClient
	Factory  connectors.Factory
	Resolver runtime.ConnectionResolver
	Actions  platform.ActionClient
	Events   *watchdog.Manager
	Cache    *runtime.Cache
	Audit    audit.Log
	PageSize int
}

const defaultPageSize = 50

// Handler resolves one named governance engine or integration group against
// the platform and keeps a connector handler alive for each of its
// registered services. Identity fields are cached between refreshes; any
// configuration failure clears them.
type Handler struct {
	name     string
	kind     Kind
	userID   string
	config   platform.ConfigurationClient
	factory  connectors.Factory
	resolver runtime.ConnectionResolver
	actions  platform.ActionClient
	events   *watchdog.Manager
	cache    *runtime.Cache
	auditLog audit.Log
	pageSize int

	mu             sync.Mutex
	guid           string
	typeName       string
	superTypeNames []string
	description    string
	properties     map[string]string
	requestTypes   map[string]RequestTypeEntry
	serviceIDs     []string
}

func NewHandler(params Params) *Handler {
	auditLog := params.Audit
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Handler{
		name:         strings.TrimSpace(params.Name),
		kind:         params.Kind,
		userID:       params.UserID,
		config:       params.Config,
		factory:      params.Factory,
		resolver:     params.Resolver,
		actions:      params.Actions,
		events:       params.Events,
		cache:        params.Cache,
		auditLog:     auditLog,
		pageSize:     pageSize,
		requestTypes: make(map[string]RequestTypeEntry),
	}
}

func (h *Handler) Name() string { return h.name }
func (h *Handler) Kind() Kind   { return h.kind }

func (h *Handler) GUID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guid
}

// RefreshConfig resolves the definition by name, caches its identity and
// rebuilds the full set of service handlers. Remote-store errors propagate
// to the caller; the supervising loop logs and retries on its timer.
func (h *Handler) RefreshConfig(ctx context.Context) error {
	def, err := h.lookupDefinition(ctx)
	if err != nil {
		h.clearIdentity()
		metrics.ConfigRefreshesTotal.WithLabelValues(h.name, "error").Inc()
		if errors.Is(err, platform.ErrNotFound) {
			return fmt.Errorf("%w: %s %q is not defined on the platform", ErrConfiguration, h.kind, h.name)
		}
		return fmt.Errorf("resolve %s %q: %w", h.kind, h.name, err)
	}
	if strings.TrimSpace(def.GUID) == "" || strings.TrimSpace(def.TypeName) == "" {
		h.clearIdentity()
		metrics.ConfigRefreshesTotal.WithLabelValues(h.name, "error").Inc()
		return fmt.Errorf("%w: %s %q definition is incomplete", ErrConfiguration, h.kind, h.name)
	}

	h.mu.Lock()
	h.guid = def.GUID
	h.typeName = def.TypeName
	h.superTypeNames = append([]string(nil), def.SuperTypeNames...)
	h.description = def.Description
	h.properties = def.Properties
	h.mu.Unlock()

	if err := h.RefreshAllServiceConfig(ctx); err != nil {
		metrics.ConfigRefreshesTotal.WithLabelValues(h.name, "error").Inc()
		return err
	}
	metrics.ConfigRefreshesTotal.WithLabelValues(h.name, "ok").Inc()
	return nil
}

// RefreshAllServiceConfig discards this handler's portion of the connector
// cache and repopulates it by paging the registered-services listing until
// an empty page signals exhaustion. Permanent connectors are spared the
// clear so a short or partial listing is never mistaken for their removal.
// A bad individual registration is logged and skipped; listing errors
// propagate.
func (h *Handler) RefreshAllServiceConfig(ctx context.Context) error {
	h.mu.Lock()
	guid := h.guid
	oldIDs := h.serviceIDs
	h.serviceIDs = nil
	h.requestTypes = make(map[string]RequestTypeEntry)
	h.mu.Unlock()

	if guid == "" {
		return fmt.Errorf("%w: %s %q has no resolved guid", ErrConfiguration, h.kind, h.name)
	}

	for _, id := range oldIDs {
		if h.cache.IsPermanent(id) {
			h.mu.Lock()
			h.rememberService(id)
			h.mu.Unlock()
			continue
		}
		if handler := h.cache.GetByID(id); handler != nil {
			handler.Disconnect(ctx)
		}
		h.cache.Remove(id)
	}

	for startFrom := 0; ; startFrom += h.pageSize {
		page, err := h.config.ListRegisteredServices(ctx, h.userID, guid, startFrom, h.pageSize)
		if err != nil {
			return fmt.Errorf("list registered services of %s %q: %w", h.kind, h.name, err)
		}
		if len(page) == 0 {
			h.mu.Lock()
			resolved := len(h.serviceIDs)
			h.mu.Unlock()
			metrics.RegisteredServicesTotal.WithLabelValues(h.name).Set(float64(resolved))
			return nil
		}
		for _, svc := range page {
			if err := h.refreshRegisteredService(ctx, svc, ""); err != nil {
				h.auditLog.LogException("refresh-service-config", audit.Message{
					ID:   "GOVERND-ENGINE-0001",
					Text: "skipping registered service with unusable configuration",
					Attrs: []any{
						"owner", h.name,
						"service", svc.ServiceGUID,
					},
				}, err)
			}
		}
	}
}

// RefreshServiceConfig refreshes one registered service without clearing
// the rest of the cache. Used for targeted updates.
func (h *Handler) RefreshServiceConfig(ctx context.Context, serviceGUID, specificRequestType string) error {
	h.mu.Lock()
	guid := h.guid
	h.mu.Unlock()
	if guid == "" {
		return fmt.Errorf("%w: %s %q has no resolved guid", ErrConfiguration, h.kind, h.name)
	}

	svc, err := h.config.GetRegisteredService(ctx, h.userID, guid, serviceGUID)
	if err != nil {
		return fmt.Errorf("get registered service %q of %s %q: %w", serviceGUID, h.kind, h.name, err)
	}
	return h.refreshRegisteredService(ctx, svc, specificRequestType)
}

// refreshRegisteredService builds or replaces the connector handler for one
// registered service and installs its dispatch entries. Instantiation and
// start failures are contained inside the handler as Failed status; only a
// structurally unusable registration returns an error.
func (h *Handler) refreshRegisteredService(ctx context.Context, svc platform.RegisteredService, specificRequestType string) error {
	serviceGUID := strings.TrimSpace(svc.ServiceGUID)
	if serviceGUID == "" {
		return errors.New("registered service has no guid")
	}
	if strings.TrimSpace(svc.Connection.ProviderName) == "" {
		return fmt.Errorf("registered service %q names no connector provider", serviceGUID)
	}

	reg := runtime.Registration{
		ConnectorID:          serviceGUID,
		DisplayName:          svc.DisplayName,
		OwnerName:            h.name,
		Connection:           svc.Connection,
		PermittedSync:        svc.PermittedSync,
		NeedsDedicatedThread: svc.NeedsDedicatedThread,
		Permanent:            svc.Permanent,
		MinRefreshInterval:   svc.MinRefreshInterval,
	}

	handler := h.cache.GetByID(serviceGUID)
	if handler != nil {
		handler.UpdateRegistration(reg)
		handler.Reinitialize(ctx)
	} else {
		h.mu.Lock()
		guid := h.guid
		h.mu.Unlock()
		hostCtx := runtime.NewConnectorContext(serviceGUID, guid, h.name, h.userID, h.actions, h.events)
		handler = runtime.NewHandler(runtime.HandlerParams{
			Registration: reg,
			Factory:      h.factory,
			Resolver:     h.resolver,
			Audit:        h.auditLog,
			Context:      hostCtx,
		})
		handler.Initialize(ctx)
	}
	h.cache.Put(serviceGUID, handler, svc.Permanent)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.rememberService(serviceGUID)

	if h.kind != KindEngine {
		return nil
	}
	for requestType, mapped := range svc.RequestTypes {
		if specificRequestType != "" && requestType != specificRequestType {
			continue
		}
		h.requestTypes[requestType] = RequestTypeEntry{
			Handler:            handler,
			ServiceRequestType: mapped.ServiceRequestType,
			RequestParameters:  mergeParameters(mapped.RequestParameters, nil),
			DeleteMethod:       mapped.DeleteMethod,
		}
	}
	return nil
}

// ValidateEngineInitialized enforces that this handler's resolved type, or
// one of its super types, matches what the caller expects to operate on.
func (h *Handler) ValidateEngineInitialized(expectedTypeName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.guid == "" {
		return fmt.Errorf("%w: %s %q has not been resolved yet", ErrConfiguration, h.kind, h.name)
	}
	if h.typeName == expectedTypeName {
		return nil
	}
	for _, super := range h.superTypeNames {
		if super == expectedTypeName {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q has type %q, expected %q", ErrConfiguration, h.kind, h.name, h.typeName, expectedTypeName)
}

// Lookup returns the dispatch entry for an engine-level request type.
func (h *Handler) Lookup(requestType string) (RequestTypeEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.requestTypes[requestType]
	return entry, ok
}

// ResolveRunner maps an engine-level request type to the governance-service
// runner that executes it, plus the service-level request type and default
// parameters recorded at registration time.
func (h *Handler) ResolveRunner(requestType string) (connectors.ServiceRunner, string, map[string]string, bool) {
	entry, ok := h.Lookup(requestType)
	if !ok || entry.Handler == nil {
		return nil, "", nil, false
	}
	runner := entry.Handler.Runner()
	if runner == nil {
		return nil, "", nil, false
	}
	return runner, entry.ServiceRequestType, entry.RequestParameters, true
}

// RequestTypes returns the registered engine-level request types.
func (h *Handler) RequestTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.requestTypes))
	for requestType := range h.requestTypes {
		out = append(out, requestType)
	}
	return out
}

// ServiceIDs returns the connector ids this handler currently owns.
func (h *Handler) ServiceIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.serviceIDs...)
}

// Summary aggregates the handler's identity, dispatch entries and per
// connector reports into one status snapshot.
func (h *Handler) Summary() Summary {
	h.mu.Lock()
	guid := h.guid
	description := h.description
	serviceIDs := append([]string(nil), h.serviceIDs...)
	requestTypes := make([]string, 0, len(h.requestTypes))
	for requestType := range h.requestTypes {
		requestTypes = append(requestTypes, requestType)
	}
	h.mu.Unlock()

	summary := Summary{
		Name:         h.name,
		GUID:         guid,
		Kind:         h.kind,
		Description:  description,
		RequestTypes: requestTypes,
	}
	for _, id := range serviceIDs {
		if handler := h.cache.GetByID(id); handler != nil {
			summary.Connectors = append(summary.Connectors, handler.Report())
		}
	}

	switch {
	case guid == "":
		summary.Status = StatusAssigned
	case h.kind == KindEngine && len(requestTypes) == 0,
		h.kind == KindGroup && len(serviceIDs) == 0:
		summary.Status = StatusConfiguring
	default:
		summary.Status = StatusRunning
	}
	return summary
}

// Shutdown disconnects every connector handler this engine owns and drops
// them from the cache.
func (h *Handler) Shutdown(ctx context.Context) {
	h.mu.Lock()
	serviceIDs := h.serviceIDs
	h.serviceIDs = nil
	h.requestTypes = make(map[string]RequestTypeEntry)
	h.mu.Unlock()

	for _, id := range serviceIDs {
		if handler := h.cache.GetByID(id); handler != nil {
			handler.Disconnect(ctx)
		}
		h.cache.Remove(id)
	}
}

func (h *Handler) lookupDefinition(ctx context.Context) (platform.EngineDefinition, error) {
	if h.kind == KindGroup {
		return h.config.GetIntegrationGroupByName(ctx, h.userID, h.name)
	}
	return h.config.GetGovernanceEngineByName(ctx, h.userID, h.name)
}

func (h *Handler) clearIdentity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guid = ""
	h.typeName = ""
	h.superTypeNames = nil
	h.description = ""
	h.properties = nil
}

// rememberService must be called with the lock held.
func (h *Handler) rememberService(id string) {
	for _, existing := range h.serviceIDs {
		if existing == id {
			return
		}
	}
	h.serviceIDs = append(h.serviceIDs, id)
}

// mergeParameters overlays request-level parameters on service-level
// defaults without mutating either map.
func mergeParameters(serviceLevel, requestLevel map[string]string) map[string]string {
	if serviceLevel == nil && requestLevel == nil {
		return nil
	}
	merged := make(map[string]string, len(serviceLevel)+len(requestLevel))
	for k, v := range serviceLevel {
		merged[k] = v
	}
	for k, v := range requestLevel {
		merged[k] = v
	}
	return merged
}
