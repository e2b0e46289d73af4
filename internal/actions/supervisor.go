// Package actions drives the execution of engine actions claimed by this
// host: one goroutine per action, cooperative context-based cancellation,
// and recovery of in-flight work after a restart.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/governd/governd/internal/audit"
	"github.com/governd/governd/internal/connectors"
	"github.com/governd/governd/internal/metrics"
	"github.com/governd/governd/internal/platform"
)

// RunnerResolver maps an engine-level request type to the governance
// service that executes it. engine.Handler satisfies it.
type RunnerResolver interface {
	ResolveRunner(requestType string) (runner connectors.ServiceRunner, serviceRequestType string, defaultParameters map[string]string, ok bool)
}

// Params bundles the collaborators a supervisor needs.
type Params struct {
	OwnerGUID string
	OwnerName string
	UserID    string
	Client    platform.ActionClient
	Resolver  RunnerResolver
	Audit     audit.Log
	PageSize  int
}

const defaultPageSize = 50

// Supervisor runs engine actions targeting one governance engine. Each
// action gets its own goroutine; there is no pool bound, which is a known
// scale limit at very high action volumes. Cancellation is cooperative: the
// action's context is cancelled and the runner's disconnect hook is called
// once, but a runner that ignores its context keeps its goroutine until it
// returns on its own.
type Supervisor struct {
	ownerGUID string
	ownerName string
	userID    string
	client    platform.ActionClient
	resolver  RunnerResolver
	auditLog  audit.Log
	pageSize  int

	mu         sync.Mutex
	executions map[string]*execution
	wg         sync.WaitGroup
}

type execution struct {
	cancel     context.CancelFunc
	runner     connectors.ServiceRunner
	disconnect sync.Once
}

func NewSupervisor(params Params) *Supervisor {
	auditLog := params.Audit
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Supervisor{
		ownerGUID:  params.OwnerGUID,
		ownerName:  params.OwnerName,
		userID:     params.UserID,
		client:     params.Client,
		resolver:   params.Resolver,
		auditLog:   auditLog,
		pageSize:   pageSize,
		executions: make(map[string]*execution),
	}
}

// ExecuteAction fetches the latest record for one action and reacts to its
// status: Approved actions are claimed and started, a Cancelled action this
// host is processing is cancelled, anything else is a no-op. Every failure
// is logged with the action id and swallowed so one bad action cannot stop
// the scan of others.
func (s *Supervisor) ExecuteAction(ctx context.Context, actionGUID string) {
	action, err := s.client.GetEngineAction(ctx, s.userID, actionGUID)
	if err != nil {
		s.logActionError("execute-action", actionGUID, "fetching engine action failed", err)
		return
	}

	switch action.Status {
	case platform.ActionApproved:
		if err := s.client.ClaimEngineAction(ctx, s.userID, actionGUID); err != nil {
			if errors.Is(err, platform.ErrActionClaimed) {
				metrics.ActionClaimConflictsTotal.WithLabelValues(s.ownerName).Inc()
				s.auditLog.LogMessage("execute-action", audit.Message{
					ID:       "GOVERND-ACTION-0002",
					Severity: audit.SeverityInfo,
					Text:     "engine action already claimed by another host",
					Attrs:    []any{"action", actionGUID},
				})
				return
			}
			s.logActionError("execute-action", actionGUID, "claiming engine action failed", err)
			return
		}
		s.startExecution(ctx, action)
	case platform.ActionCancelled:
		if action.ProcessingEngineGUID == s.ownerGUID {
			s.CancelAction(ctx, actionGUID)
		}
	default:
		// Requested, Waiting, InProgress and the terminal statuses need
		// nothing from this host.
	}
}

// CancelAction cancels a tracked execution: the runner's disconnect hook is
// invoked exactly once, the action's context is cancelled, and the tracking
// entry is removed. Cancellation is advisory; a runner blocked outside its
// context may still run to completion. Unknown ids are a no-op.
func (s *Supervisor) CancelAction(ctx context.Context, actionGUID string) {
	s.mu.Lock()
	exec := s.executions[actionGUID]
	delete(s.executions, actionGUID)
	s.mu.Unlock()
	if exec == nil {
		return
	}

	exec.disconnect.Do(func() {
		if err := exec.runner.Disconnect(ctx); err != nil {
			s.logActionError("cancel-action", actionGUID, "runner disconnect hook failed", err)
		}
	})
	exec.cancel()
	s.auditLog.LogMessage("cancel-action", audit.Message{
		ID:       "GOVERND-ACTION-0003",
		Severity: audit.SeverityAction,
		Text:     "engine action cancelled",
		Attrs:    []any{"action", actionGUID},
	})
}

// RestartServices recovers in-flight work after a host restart: it pages
// the actions this engine had claimed but not completed and re-runs each
// through the normal execution path.
func (s *Supervisor) RestartServices(ctx context.Context) error {
	for startFrom := 0; ; startFrom += s.pageSize {
		page, err := s.client.ListActiveClaimedActions(ctx, s.userID, s.ownerGUID, startFrom, s.pageSize)
		if err != nil {
			return fmt.Errorf("list claimed actions of %q: %w", s.ownerName, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, action := range page {
			s.startExecution(ctx, action)
		}
	}
}

// StartMissedActions scans all globally active actions for Approved ones
// targeting this engine and executes them. This recovers actions whose
// start trigger event was never delivered.
func (s *Supervisor) StartMissedActions(ctx context.Context) error {
	for startFrom := 0; ; startFrom += s.pageSize {
		page, err := s.client.ListActiveActions(ctx, s.userID, startFrom, s.pageSize)
		if err != nil {
			return fmt.Errorf("list active actions: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, action := range page {
			if action.Status == platform.ActionApproved && action.GovernanceEngineGUID == s.ownerGUID {
				s.ExecuteAction(ctx, action.GUID)
			}
		}
	}
}

// WaitForStartDate blocks the action's goroutine until its requested start
// time, recomputing the remaining delay on every wake so an early timer
// fire never starts the action ahead of schedule. On reaching the start
// time it marks the action InProgress exactly once.
func (s *Supervisor) WaitForStartDate(ctx context.Context, action platform.EngineAction) error {
	for {
		remaining := time.Until(action.RequestedStartTime)
		if remaining <= 0 {
			break
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return s.client.UpdateActionStatus(ctx, s.userID, action.GUID, platform.ActionInProgress)
}

// RecordCompletionStatus forwards an action's final status to the platform,
// logging a pre-transmission summary for observability.
func (s *Supervisor) RecordCompletionStatus(ctx context.Context, actionGUID string, status platform.ActionStatus, outputGuards []string, newParameters map[string]string, newTargets []platform.NewActionTarget, message string) error {
	s.auditLog.LogMessage("record-completion", audit.Message{
		ID:       "GOVERND-ACTION-0004",
		Severity: audit.SeverityAction,
		Text:     "recording engine action completion",
		Attrs: []any{
			"action", actionGUID,
			"status", string(status),
			"guards", strings.Join(outputGuards, ","),
			"parameters", strings.Join(sortedKeys(newParameters), ","),
		},
	})
	return s.client.RecordCompletionStatus(ctx, s.userID, actionGUID, status, outputGuards, newParameters, newTargets, message)
}

// UpdateActionTargetStatus forwards per-target progress to the platform.
func (s *Supervisor) UpdateActionTargetStatus(ctx context.Context, actionTargetGUID string, status platform.ActionStatus, startTime, completionTime *time.Time, message string) error {
	s.auditLog.LogMessage("update-action-target", audit.Message{
		ID:       "GOVERND-ACTION-0005",
		Severity: audit.SeverityAction,
		Text:     "updating engine action target status",
		Attrs: []any{
			"target", actionTargetGUID,
			"status", string(status),
		},
	})
	return s.client.UpdateActionTargetStatus(ctx, s.userID, actionTargetGUID, status, startTime, completionTime, message)
}

// Tracked reports whether an execution is currently tracked for the id.
func (s *Supervisor) Tracked(actionGUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executions[actionGUID]
	return ok
}

// Wait blocks until every tracked execution goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// startExecution resolves the action's runner and launches its goroutine.
// Resolution failures are terminal: the action is recorded Invalid so it
// does not sit Approved forever.
func (s *Supervisor) startExecution(ctx context.Context, action platform.EngineAction) {
	runner, serviceRequestType, defaultParameters, ok := s.resolver.ResolveRunner(action.RequestType)
	if !ok {
		msg := fmt.Sprintf("no governance service registered for request type %q", action.RequestType)
		s.logActionError("execute-action", action.GUID, msg, nil)
		if err := s.client.RecordCompletionStatus(ctx, s.userID, action.GUID, platform.ActionInvalid, nil, nil, nil, msg); err != nil {
			s.logActionError("execute-action", action.GUID, "recording invalid status failed", err)
		}
		metrics.ActionExecutionsTotal.WithLabelValues(s.ownerName, action.RequestType, "invalid").Inc()
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &execution{cancel: cancel, runner: runner}
	s.mu.Lock()
	s.executions[action.GUID] = exec
	s.mu.Unlock()

	s.wg.Add(1)
	metrics.ActiveActionThreads.WithLabelValues(s.ownerName).Inc()
	go func() {
		defer s.wg.Done()
		defer metrics.ActiveActionThreads.WithLabelValues(s.ownerName).Dec()
		defer cancel()
		s.runAction(runCtx, action, runner, serviceRequestType, defaultParameters)
		s.mu.Lock()
		if s.executions[action.GUID] == exec {
			delete(s.executions, action.GUID)
		}
		s.mu.Unlock()
	}()
}

func (s *Supervisor) runAction(ctx context.Context, action platform.EngineAction, runner connectors.ServiceRunner, serviceRequestType string, defaultParameters map[string]string) {
	if err := s.WaitForStartDate(ctx, action); err != nil {
		s.logActionError("run-action", action.GUID, "waiting for start date failed", err)
		metrics.ActionExecutionsTotal.WithLabelValues(s.ownerName, action.RequestType, "cancelled").Inc()
		return
	}

	requestType := serviceRequestType
	if requestType == "" {
		requestType = action.RequestType
	}
	parameters := make(map[string]string, len(defaultParameters)+len(action.RequestParameters))
	for k, v := range defaultParameters {
		parameters[k] = v
	}
	for k, v := range action.RequestParameters {
		parameters[k] = v
	}

	result, err := runner.Run(ctx, connectors.ActionContext{
		ActionGUID:         action.GUID,
		RequestType:        requestType,
		Requester:          action.Requester,
		RequestedStartTime: action.RequestedStartTime,
		RequestParameters:  parameters,
		SourceElements:     action.SourceElements,
		TargetElements:     action.TargetElements,
	})
	if err != nil {
		s.logActionError("run-action", action.GUID, "governance service failed", err)
		if recErr := s.RecordCompletionStatus(ctx, action.GUID, platform.ActionFailed, nil, nil, nil, err.Error()); recErr != nil {
			s.logActionError("run-action", action.GUID, "recording failed status failed", recErr)
		}
		metrics.ActionExecutionsTotal.WithLabelValues(s.ownerName, action.RequestType, "failed").Inc()
		return
	}

	status := result.CompletionStatus
	if status == "" {
		status = platform.ActionActioned
	}
	if err := s.RecordCompletionStatus(ctx, action.GUID, status, result.OutputGuards, result.OutputParameters, result.NewTargets, result.Message); err != nil {
		s.logActionError("run-action", action.GUID, "recording completion status failed", err)
	}
	metrics.ActionExecutionsTotal.WithLabelValues(s.ownerName, action.RequestType, "ok").Inc()
}

func (s *Supervisor) logActionError(activity, actionGUID, text string, err error) {
	msg := audit.Message{
		ID:    "GOVERND-ACTION-0001",
		Text:  text,
		Attrs: []any{"action", actionGUID, "owner", s.ownerName},
	}
	if err != nil {
		s.auditLog.LogException(activity, msg, err)
		return
	}
	msg.Severity = audit.SeverityError
	s.auditLog.LogMessage(activity, msg)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
