package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/governd/governd/internal/platform"
	"github.com/governd/governd/internal/watchdog"
)

var errNoActionClient = errors.New("runtime: no action client configured")

// ConnectorContext is the per-connector gateway back into the host. It is
// handed to ContextAware connectors before their start hook runs and stays
// valid across reinitializations of the same handler.
type ConnectorContext struct {
	connectorID string
	engineGUID  string
	engineName  string
	userID      string
	actions     platform.ActionClient
	events      *watchdog.Manager
	handler     *Handler
}

// NewConnectorContext wires a context for one connector. actions and events
// may be nil for connectors that never call back.
func NewConnectorContext(connectorID, engineGUID, engineName, userID string, actions platform.ActionClient, events *watchdog.Manager) *ConnectorContext {
	return &ConnectorContext{
		connectorID: connectorID,
		engineGUID:  engineGUID,
		engineName:  engineName,
		userID:      userID,
		actions:     actions,
		events:      events,
	}
}

func (c *ConnectorContext) bind(h *Handler) { c.handler = h }

// ConnectorID returns the identity of the connector this context serves.
func (c *ConnectorContext) ConnectorID() string { return c.connectorID }

// RegisterListener subscribes the connector to platform change events. A
// second call replaces the previous registration wholesale.
func (c *ConnectorContext) RegisterListener(listener watchdog.Listener, instanceID string, typeNames []string, eventKinds []watchdog.EventKind) error {
	if c.events == nil {
		return errors.New("runtime: no event manager configured")
	}
	return c.events.Register(c.connectorID, listener, eventKinds, typeNames, instanceID)
}

// RemoveListener drops the connector's event registration, if any.
func (c *ConnectorContext) RemoveListener() {
	if c.events != nil {
		c.events.Remove(c.connectorID)
	}
}

// UpdateActionTargetStatus reports per-target progress on a running action.
func (c *ConnectorContext) UpdateActionTargetStatus(ctx context.Context, actionTargetGUID string, status platform.ActionStatus, startTime, completionTime *time.Time, message string) error {
	if c.actions == nil {
		return errNoActionClient
	}
	return c.actions.UpdateActionTargetStatus(ctx, c.userID, actionTargetGUID, status, startTime, completionTime, message)
}

// RecordCompletionStatus closes out an action with its final status,
// output guards and parameters.
func (c *ConnectorContext) RecordCompletionStatus(ctx context.Context, actionGUID string, status platform.ActionStatus, outputGuards []string, newParameters map[string]string, newTargets []platform.NewActionTarget, message string) error {
	if c.actions == nil {
		return errNoActionClient
	}
	return c.actions.RecordCompletionStatus(ctx, c.userID, actionGUID, status, outputGuards, newParameters, newTargets, message)
}

// InitiateNewAction files a follow-on action with the platform. An empty
// qualified name gets one generated from the request type plus a fresh
// UUID so the platform never rejects the request on a name collision.
func (c *ConnectorContext) InitiateNewAction(ctx context.Context, request platform.NewActionRequest) (string, error) {
	if c.actions == nil {
		return "", errNoActionClient
	}
	if strings.TrimSpace(request.QualifiedName) == "" {
		request.QualifiedName = request.RequestType + ":" + uuid.NewString()
	}
	if request.StartTime == nil {
		now := time.Now()
		request.StartTime = &now
	}
	if request.GovernanceEngineName == "" {
		request.GovernanceEngineName = c.engineName
	}
	return c.actions.InitiateEngineAction(ctx, c.userID, request)
}

// RecordStatistic publishes a free-form named statistic into the handler's
// status report.
func (c *ConnectorContext) RecordStatistic(name, value string) {
	if c.handler != nil {
		c.handler.recordStatistic(name, value)
	}
}
