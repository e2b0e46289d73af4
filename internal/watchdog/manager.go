package watchdog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/governd/governd/internal/audit"
	"github.com/governd/governd/internal/metrics"
)

type registration struct {
	connectorID string
	listener    Listener
	kinds       map[EventKind]struct{} // nil means match any kind
	typeNames   map[string]struct{}    // nil means match any type
	instanceID  string
}

// Manager is the single registration point for watchdog listeners. At most
// one registration exists per connector id; a later Register call replaces
// the earlier one wholesale.
type Manager struct {
	Audit audit.Log

	mu            sync.Mutex
	registrations map[string]registration
}

func NewManager(auditLog audit.Log) *Manager {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &Manager{
		Audit:         auditLog,
		registrations: make(map[string]registration),
	}
}

// Register installs the listener for connectorID, replacing any previous
// registration. Nil kinds/typeNames mean match-any. When both instanceID
// and typeNames are set, matching either is sufficient.
func (m *Manager) Register(connectorID string, listener Listener, kinds []EventKind, typeNames []string, instanceID string) error {
	connectorID = strings.TrimSpace(connectorID)
	if connectorID == "" {
		return errors.New("connector id is required")
	}
	if listener == nil {
		return errors.New("listener is required")
	}

	reg := registration{
		connectorID: connectorID,
		listener:    listener,
		instanceID:  strings.TrimSpace(instanceID),
	}
	if kinds != nil {
		reg.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			reg.kinds[k] = struct{}{}
		}
	}
	if typeNames != nil {
		reg.typeNames = make(map[string]struct{}, len(typeNames))
		for _, n := range typeNames {
			n = strings.TrimSpace(n)
			if n != "" {
				reg.typeNames[n] = struct{}{}
			}
		}
	}

	m.mu.Lock()
	m.registrations[connectorID] = reg
	count := len(m.registrations)
	m.mu.Unlock()

	metrics.RegisteredListeners.Set(float64(count))
	return nil
}

// Remove deletes the registration for connectorID. Removing an unknown id
// is a no-op.
func (m *Manager) Remove(connectorID string) {
	connectorID = strings.TrimSpace(connectorID)

	m.mu.Lock()
	delete(m.registrations, connectorID)
	count := len(m.registrations)
	m.mu.Unlock()

	metrics.RegisteredListeners.Set(float64(count))
}

// Registered reports whether connectorID currently has a listener.
func (m *Manager) Registered(connectorID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registrations[strings.TrimSpace(connectorID)]
	return ok
}

// ProcessEvent delivers the event to every interested listener. The
// registry is snapshotted under lock and iterated without it, so a listener
// callback can re-enter Register/Remove without deadlocking. Listener
// errors and panics are logged and delivery continues.
func (m *Manager) ProcessEvent(event Event) {
	m.mu.Lock()
	snapshot := make([]registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		snapshot = append(snapshot, reg)
	}
	m.mu.Unlock()

	for _, reg := range snapshot {
		if !reg.wantsKind(event.Kind) {
			metrics.ListenerDispatchesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if !reg.interestedIn(event) {
			metrics.ListenerDispatchesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		m.deliver(reg, event)
	}
}

func (m *Manager) deliver(reg registration, event Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerDispatchesTotal.WithLabelValues("panic").Inc()
			m.Audit.LogException("watchdog-dispatch", audit.Message{
				ID:   "GOVERND-WATCHDOG-0002",
				Text: "listener panicked while processing event",
				Attrs: []any{
					"connector", reg.connectorID,
					"event_kind", string(event.Kind),
				},
			}, fmt.Errorf("listener panic: %v", r))
		}
	}()

	if err := reg.listener.ProcessEvent(event); err != nil {
		metrics.ListenerDispatchesTotal.WithLabelValues("error").Inc()
		m.Audit.LogException("watchdog-dispatch", audit.Message{
			ID:   "GOVERND-WATCHDOG-0001",
			Text: "listener failed to process event",
			Attrs: []any{
				"connector", reg.connectorID,
				"event_kind", string(event.Kind),
			},
		}, err)
		return
	}
	metrics.ListenerDispatchesTotal.WithLabelValues("delivered").Inc()
}

func (r registration) wantsKind(kind EventKind) bool {
	if r.kinds == nil {
		return true
	}
	_, ok := r.kinds[kind]
	return ok
}

// interestedIn applies the identity/type filter. Matching the specific
// instance id OR the type filter is sufficient (permissive OR, not AND).
func (r registration) interestedIn(event Event) bool {
	subject := event.Subject()
	if subject == nil {
		return r.typeNames == nil
	}

	if r.instanceID != "" && subject.GUID == r.instanceID {
		return true
	}
	if r.typeNames == nil {
		return true
	}
	if _, ok := r.typeNames[subject.TypeName]; ok {
		return true
	}
	for _, super := range subject.SuperTypeNames {
		if _, ok := r.typeNames[super]; ok {
			return true
		}
	}
	return false
}
