package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/governd/governd/internal/connectors"
	"github.com/governd/governd/internal/platform"
)

var _ platform.ActionClient = (*fakeActionClient)(nil)

type fakeActionClient struct {
	mu            sync.Mutex
	actions       map[string]platform.EngineAction
	claimErr      error
	claims        []string
	statusUpdates []platform.ActionStatus
	completions   map[string]platform.ActionStatus
	claimedPages  [][]platform.EngineAction
	activePages   [][]platform.EngineAction
}

func newFakeActionClient() *fakeActionClient {
	return &fakeActionClient{
		actions:     make(map[string]platform.EngineAction),
		completions: make(map[string]platform.ActionStatus),
	}
}

func (f *fakeActionClient) GetEngineAction(ctx context.Context, userID, actionGUID string) (platform.EngineAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	action, ok := f.actions[actionGUID]
	if !ok {
		return platform.EngineAction{}, platform.ErrNotFound
	}
	return action, nil
}

func (f *fakeActionClient) ClaimEngineAction(ctx context.Context, userID, actionGUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claims = append(f.claims, actionGUID)
	return nil
}

func (f *fakeActionClient) ListActiveClaimedActions(ctx context.Context, userID, ownerGUID string, startFrom, pageSize int) ([]platform.EngineAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := startFrom / pageSize
	if idx >= len(f.claimedPages) {
		return nil, nil
	}
	return f.claimedPages[idx], nil
}

func (f *fakeActionClient) ListActiveActions(ctx context.Context, userID string, startFrom, pageSize int) ([]platform.EngineAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := startFrom / pageSize
	if idx >= len(f.activePages) {
		return nil, nil
	}
	return f.activePages[idx], nil
}

func (f *fakeActionClient) UpdateActionStatus(ctx context.Context, userID, actionGUID string, status platform.ActionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeActionClient) UpdateActionTargetStatus(ctx context.Context, userID, actionTargetGUID string, status platform.ActionStatus, startTime, completionTime *time.Time, message string) error {
	return nil
}

func (f *fakeActionClient) RecordCompletionStatus(ctx context.Context, userID, actionGUID string, status platform.ActionStatus, outputGuards []string, newParameters map[string]string, newTargets []platform.NewActionTarget, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions[actionGUID] = status
	return nil
}

func (f *fakeActionClient) InitiateEngineAction(ctx context.Context, userID string, req platform.NewActionRequest) (string, error) {
	return "", nil
}

func (f *fakeActionClient) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

func (f *fakeActionClient) completion(actionGUID string) (platform.ActionStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.completions[actionGUID]
	return status, ok
}

type fakeRunner struct {
	mu          sync.Mutex
	result      connectors.ActionResult
	err         error
	blockOnCtx  bool
	runs        int
	disconnects int
	lastAction  connectors.ActionContext
}

func (r *fakeRunner) Run(ctx context.Context, action connectors.ActionContext) (connectors.ActionResult, error) {
	r.mu.Lock()
	r.runs++
	r.lastAction = action
	block := r.blockOnCtx
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return connectors.ActionResult{}, ctx.Err()
	}
	return r.result, r.err
}

func (r *fakeRunner) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	return nil
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

type fakeResolver struct {
	runner             *fakeRunner
	serviceRequestType string
	defaults           map[string]string
}

func (f *fakeResolver) ResolveRunner(requestType string) (connectors.ServiceRunner, string, map[string]string, bool) {
	if f.runner == nil {
		return nil, "", nil, false
	}
	return f.runner, f.serviceRequestType, f.defaults, true
}

func newSupervisor(client *fakeActionClient, resolver RunnerResolver) *Supervisor {
	return NewSupervisor(Params{
		OwnerGUID: "eng-1",
		OwnerName: "assetGovernance",
		UserID:    "governd",
		Client:    client,
		Resolver:  resolver,
		PageSize:  2,
	})
}

func TestExecuteActionClaimsAndRunsApproved(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	client.actions["act-1"] = platform.EngineAction{
		GUID:              "act-1",
		RequestType:       "evaluate-annotations",
		Status:            platform.ActionApproved,
		RequestParameters: map[string]string{"depth": "3"},
	}
	runner := &fakeRunner{result: connectors.ActionResult{CompletionStatus: platform.ActionActioned}}
	resolver := &fakeResolver{
		runner:             runner,
		serviceRequestType: "svc-evaluate",
		defaults:           map[string]string{"depth": "1", "mode": "full"},
	}
	s := newSupervisor(client, resolver)

	s.ExecuteAction(context.Background(), "act-1")
	s.Wait()

	if got := client.claimCount(); got != 1 {
		t.Fatalf("claims = %d, want 1", got)
	}
	if got := runner.runCount(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	status, ok := client.completion("act-1")
	if !ok || status != platform.ActionActioned {
		t.Fatalf("completion = %v %v, want ACTIONED", status, ok)
	}

	runner.mu.Lock()
	action := runner.lastAction
	runner.mu.Unlock()
	if action.RequestType != "svc-evaluate" {
		t.Fatalf("request type = %q, want the service-level translation", action.RequestType)
	}
	// action-level parameters override registration defaults
	if action.RequestParameters["depth"] != "3" || action.RequestParameters["mode"] != "full" {
		t.Fatalf("merged parameters = %v", action.RequestParameters)
	}
}

func TestExecuteActionClaimConflictIsNoOp(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	client.actions["act-1"] = platform.EngineAction{GUID: "act-1", RequestType: "rt", Status: platform.ActionApproved}
	client.claimErr = platform.ErrActionClaimed
	runner := &fakeRunner{}
	s := newSupervisor(client, &fakeResolver{runner: runner})

	s.ExecuteAction(context.Background(), "act-1")
	s.Wait()

	if got := runner.runCount(); got != 0 {
		t.Fatalf("runs = %d after lost claim race, want 0", got)
	}
}

func TestExecuteActionIgnoresOtherStatuses(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	client.actions["act-1"] = platform.EngineAction{GUID: "act-1", RequestType: "rt", Status: platform.ActionInProgress}
	runner := &fakeRunner{}
	s := newSupervisor(client, &fakeResolver{runner: runner})

	s.ExecuteAction(context.Background(), "act-1")
	s.Wait()

	if got := client.claimCount(); got != 0 {
		t.Fatalf("claims = %d for an IN_PROGRESS action, want 0", got)
	}
}

func TestExecuteActionFetchFailureIsContained(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	s := newSupervisor(client, &fakeResolver{})

	// unknown id yields ErrNotFound from the client; must not panic or claim
	s.ExecuteAction(context.Background(), "missing")
	if got := client.claimCount(); got != 0 {
		t.Fatalf("claims = %d, want 0", got)
	}
}

func TestUnresolvableRequestTypeRecordsInvalid(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	client.actions["act-1"] = platform.EngineAction{GUID: "act-1", RequestType: "nobody-handles-this", Status: platform.ActionApproved}
	s := newSupervisor(client, &fakeResolver{})

	s.ExecuteAction(context.Background(), "act-1")
	s.Wait()

	status, ok := client.completion("act-1")
	if !ok || status != platform.ActionInvalid {
		t.Fatalf("completion = %v %v, want INVALID", status, ok)
	}
}

func TestRunnerErrorRecordsFailed(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	client.actions["act-1"] = platform.EngineAction{GUID: "act-1", RequestType: "rt", Status: platform.ActionApproved}
	runner := &fakeRunner{err: errors.New("target unreachable")}
	s := newSupervisor(client, &fakeResolver{runner: runner})

	s.ExecuteAction(context.Background(), "act-1")
	s.Wait()

	status, ok := client.completion("act-1")
	if !ok || status != platform.ActionFailed {
		t.Fatalf("completion = %v %v, want FAILED", status, ok)
	}
}

func TestCancelActionDisconnectsOnceAndUntracks(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	client.actions["act-1"] = platform.EngineAction{GUID: "act-1", RequestType: "rt", Status: platform.ActionApproved}
	runner := &fakeRunner{blockOnCtx: true}
	s := newSupervisor(client, &fakeResolver{runner: runner})

	s.ExecuteAction(context.Background(), "act-1")
	deadline := time.Now().Add(2 * time.Second)
	for !s.Tracked("act-1") {
		if time.Now().After(deadline) {
			t.Fatal("execution never became tracked")
		}
		time.Sleep(time.Millisecond)
	}

	s.CancelAction(context.Background(), "act-1")
	s.Wait()

	if s.Tracked("act-1") {
		t.Fatal("cancelled action still tracked")
	}
	runner.mu.Lock()
	disconnects := runner.disconnects
	runner.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects)
	}

	// second cancel for the same id is a no-op
	s.CancelAction(context.Background(), "act-1")
	runner.mu.Lock()
	disconnects = runner.disconnects
	runner.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("disconnects after repeat cancel = %d, want 1", disconnects)
	}
}

func TestRestartServicesRerunsClaimedActions(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	client.claimedPages = [][]platform.EngineAction{
		{
			{GUID: "act-1", RequestType: "rt", Status: platform.ActionInProgress},
			{GUID: "act-2", RequestType: "rt", Status: platform.ActionInProgress},
		},
		{
			{GUID: "act-3", RequestType: "rt", Status: platform.ActionInProgress},
		},
	}
	runner := &fakeRunner{result: connectors.ActionResult{CompletionStatus: platform.ActionActioned}}
	s := newSupervisor(client, &fakeResolver{runner: runner})

	if err := s.RestartServices(context.Background()); err != nil {
		t.Fatalf("RestartServices: %v", err)
	}
	s.Wait()

	if got := runner.runCount(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestStartMissedActionsFiltersByStatusAndEngine(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	client.actions["act-mine"] = platform.EngineAction{
		GUID: "act-mine", RequestType: "rt",
		Status: platform.ActionApproved, GovernanceEngineGUID: "eng-1",
	}
	client.activePages = [][]platform.EngineAction{
		{
			{GUID: "act-mine", Status: platform.ActionApproved, GovernanceEngineGUID: "eng-1"},
			{GUID: "act-other-engine", Status: platform.ActionApproved, GovernanceEngineGUID: "eng-9"},
		},
		{
			{GUID: "act-not-approved", Status: platform.ActionWaiting, GovernanceEngineGUID: "eng-1"},
		},
	}
	runner := &fakeRunner{result: connectors.ActionResult{CompletionStatus: platform.ActionActioned}}
	s := newSupervisor(client, &fakeResolver{runner: runner})

	if err := s.StartMissedActions(context.Background()); err != nil {
		t.Fatalf("StartMissedActions: %v", err)
	}
	s.Wait()

	if got := runner.runCount(); got != 1 {
		t.Fatalf("runs = %d, want only the approved action for this engine", got)
	}
}

func TestWaitForStartDateDelaysThenMarksInProgress(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	s := newSupervisor(client, &fakeResolver{})
	action := platform.EngineAction{GUID: "act-1", RequestedStartTime: time.Now().Add(30 * time.Millisecond)}

	started := time.Now()
	if err := s.WaitForStartDate(context.Background(), action); err != nil {
		t.Fatalf("WaitForStartDate: %v", err)
	}
	if elapsed := time.Since(started); elapsed < 30*time.Millisecond {
		t.Fatalf("returned after %v, before the requested start time", elapsed)
	}

	client.mu.Lock()
	updates := append([]platform.ActionStatus(nil), client.statusUpdates...)
	client.mu.Unlock()
	if len(updates) != 1 || updates[0] != platform.ActionInProgress {
		t.Fatalf("status updates = %v, want exactly one IN_PROGRESS", updates)
	}
}

func TestWaitForStartDateHonorsCancellation(t *testing.T) {
	t.Parallel()

	client := newFakeActionClient()
	s := newSupervisor(client, &fakeResolver{})
	action := platform.EngineAction{GUID: "act-1", RequestedStartTime: time.Now().Add(time.Hour)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.WaitForStartDate(ctx, action)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	client.mu.Lock()
	updates := len(client.statusUpdates)
	client.mu.Unlock()
	if updates != 0 {
		t.Fatal("cancelled wait still marked the action IN_PROGRESS")
	}
}
