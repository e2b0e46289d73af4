// Package connectors defines the contracts a pluggable connector must meet
// to be hosted by governd: the lifecycle hooks every connector implements,
// the capability interface governance services add for action execution,
// and the factory that turns a connection descriptor into a live instance.
package connectors

import (
	"context"
	"time"

	"github.com/governd/governd/internal/platform"
)

// Connector is the lifecycle surface of a hosted connector instance. Hook
// implementations may block for arbitrary durations; the host isolates each
// connector's calls so one slow connector cannot stall its siblings.
type Connector interface {
	// Start is called once after instantiation, before the first refresh.
	Start(ctx context.Context) error
	// Refresh is called on every scheduling pass the connector is due for.
	Refresh(ctx context.Context) error
	// Engage is the long-running entry point for connectors that manage
	// their own blocking loop. Only called for dedicated-thread connectors.
	Engage(ctx context.Context) error
	// Disconnect releases the connector's resources.
	Disconnect(ctx context.Context) error
}

// ActionContext carries everything a governance service needs to execute
// one engine action.
type ActionContext struct {
	ActionGUID         string
	RequestType        string
	Requester          string
	RequestedStartTime time.Time
	RequestParameters  map[string]string
	SourceElements     []platform.RequestSourceElement
	TargetElements     []platform.ActionTargetElement
}

// ActionResult is what a governance service reports when an action
// completes.
type ActionResult struct {
	CompletionStatus platform.ActionStatus
	OutputGuards     []string
	OutputParameters map[string]string
	NewTargets       []platform.NewActionTarget
	Message          string
}

// ServiceRunner is the capability a governance service supplies for engine
// action execution. Disconnect is the best-effort resource-release hook
// invoked on cancellation.
type ServiceRunner interface {
	Run(ctx context.Context, action ActionContext) (ActionResult, error)
	Disconnect(ctx context.Context) error
}
