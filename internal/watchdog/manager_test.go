package watchdog

import (
	"errors"
	"sync"
	"testing"

	"github.com/governd/governd/internal/platform"
)

type recordingListener struct {
	mu     sync.Mutex
	events []Event
	err    error
	panics bool
}

func (l *recordingListener) ProcessEvent(event Event) error {
	if l.panics {
		panic("listener bug")
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
	return l.err
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func elementEvent(kind EventKind, guid, typeName string, superTypes ...string) Event {
	return Event{
		Kind: kind,
		Element: &platform.ElementHeader{
			GUID:           guid,
			TypeName:       typeName,
			SuperTypeNames: superTypes,
		},
	}
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.Register("", &recordingListener{}, nil, nil, ""); err == nil {
		t.Fatal("expected connector id required error")
	}
	if err := m.Register("conn-1", nil, nil, nil, ""); err == nil {
		t.Fatal("expected listener required error")
	}
}

func TestRegister_ReplacesWholesale(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	first := &recordingListener{}
	second := &recordingListener{}

	if err := m.Register("conn-1", first, nil, []string{"Asset"}, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// Replacement drops the earlier type filter entirely, no merge.
	if err := m.Register("conn-1", second, nil, nil, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.ProcessEvent(elementEvent(NewElement, "el-1", "Unrelated"))
	if first.count() != 0 {
		t.Fatalf("replaced listener received %d events", first.count())
	}
	if second.count() != 1 {
		t.Fatalf("active listener received %d events, want 1", second.count())
	}
}

func TestRemove_StopsDelivery(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	l := &recordingListener{}
	if err := m.Register("conn-1", l, nil, nil, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	m.Remove("conn-1")
	m.Remove("never-registered")

	m.ProcessEvent(elementEvent(NewElement, "el-1", "Asset"))
	if l.count() != 0 {
		t.Fatalf("removed listener received %d events", l.count())
	}
}

func TestProcessEvent_SuperTypeMatch(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	l := &recordingListener{}
	if err := m.Register("conn-1", l, nil, []string{"Asset"}, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Table declares Asset as a super type: delivered.
	m.ProcessEvent(elementEvent(UpdatedElement, "el-1", "Table", "Asset", "Referenceable"))
	// Folder has no matching type or super type: not delivered.
	m.ProcessEvent(elementEvent(UpdatedElement, "el-2", "Folder", "FileSystemElement"))

	if l.count() != 1 {
		t.Fatalf("delivered = %d events, want 1", l.count())
	}
	if l.events[0].Element.GUID != "el-1" {
		t.Fatalf("delivered wrong event: %q", l.events[0].Element.GUID)
	}
}

func TestProcessEvent_InstanceMatchIsSufficient(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	l := &recordingListener{}
	if err := m.Register("conn-1", l, nil, []string{"Asset"}, "X"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Instance X matches even though its type is outside the type filter
	// (OR semantics, not AND).
	m.ProcessEvent(elementEvent(UpdatedElement, "X", "Unrelated"))
	if l.count() != 1 {
		t.Fatalf("delivered = %d events, want 1", l.count())
	}
}

func TestProcessEvent_KindFilter(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	l := &recordingListener{}
	if err := m.Register("conn-1", l, []EventKind{DeletedElement}, nil, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.ProcessEvent(elementEvent(NewElement, "el-1", "Asset"))
	m.ProcessEvent(elementEvent(DeletedElement, "el-2", "Asset"))

	if l.count() != 1 {
		t.Fatalf("delivered = %d events, want 1", l.count())
	}
	if l.events[0].Kind != DeletedElement {
		t.Fatalf("Kind = %q, want deleted-element", l.events[0].Kind)
	}
}

func TestProcessEvent_RelationshipSubject(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	l := &recordingListener{}
	if err := m.Register("conn-1", l, nil, []string{"SemanticAssignment"}, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.ProcessEvent(Event{
		Kind: NewRelationship,
		Relationship: &Relationship{
			Header: platform.ElementHeader{GUID: "rel-1", TypeName: "SemanticAssignment"},
			End1:   platform.ElementHeader{GUID: "el-1", TypeName: "GlossaryTerm"},
			End2:   platform.ElementHeader{GUID: "el-2", TypeName: "Table"},
		},
	})

	if l.count() != 1 {
		t.Fatalf("delivered = %d events, want 1", l.count())
	}
}

func TestProcessEvent_IsolatesFailingListeners(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	failing := &recordingListener{err: errors.New("listener bug")}
	panicking := &recordingListener{panics: true}
	healthy := &recordingListener{}

	if err := m.Register("conn-bad", failing, nil, nil, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register("conn-panic", panicking, nil, nil, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register("conn-good", healthy, nil, nil, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.ProcessEvent(elementEvent(NewElement, "el-1", "Asset"))

	if healthy.count() != 1 {
		t.Fatalf("healthy listener delivered = %d events, want 1", healthy.count())
	}
	if failing.count() != 1 {
		t.Fatalf("failing listener delivered = %d events, want 1", failing.count())
	}
}

type reentrantListener struct {
	m *Manager
}

func (l *reentrantListener) ProcessEvent(Event) error {
	// A callback re-registering must not deadlock against dispatch.
	l.m.Remove("reentrant")
	return nil
}

func TestProcessEvent_CallbackMayMutateRegistry(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.Register("reentrant", &reentrantListener{m: m}, nil, nil, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.ProcessEvent(elementEvent(NewElement, "el-1", "Asset"))
	if m.Registered("reentrant") {
		t.Fatal("listener should have removed itself")
	}
}
