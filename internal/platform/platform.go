// Package platform defines the contracts for the remote metadata platform:
// the configuration service that describes governance engines, integration
// groups and their registered services, and the action service that stores
// engine actions. The host consumes both through small client interfaces so
// tests can substitute fakes; a REST implementation lives in this package.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActionStatus is the lifecycle status of an engine action as recorded in
// the remote store.
type ActionStatus string

const (
	ActionRequested  ActionStatus = "REQUESTED"
	ActionApproved   ActionStatus = "APPROVED"
	ActionWaiting    ActionStatus = "WAITING"
	ActionInProgress ActionStatus = "IN_PROGRESS"
	ActionActioned   ActionStatus = "ACTIONED"
	ActionInvalid    ActionStatus = "INVALID"
	ActionIgnored    ActionStatus = "IGNORED"
	ActionFailed     ActionStatus = "FAILED"
	ActionCancelled  ActionStatus = "CANCELLED"
)

// PermittedSync describes which direction(s) of data flow a connector is
// allowed to perform.
type PermittedSync string

const (
	SyncNone       PermittedSync = "none"
	SyncSourceWins PermittedSync = "source-wins"
	SyncTargetWins PermittedSync = "target-wins"
	SyncBoth       PermittedSync = "both"
)

// ElementHeader identifies a metadata element together with its declared
// type and super types.
type ElementHeader struct {
	GUID           string   `json:"guid"`
	TypeName       string   `json:"type_name"`
	SuperTypeNames []string `json:"super_type_names,omitempty"`
}

// EngineDefinition describes a governance engine or integration group
// resolved by name from the configuration service.
type EngineDefinition struct {
	GUID           string            `json:"guid"`
	TypeName       string            `json:"type_name"`
	SuperTypeNames []string          `json:"super_type_names,omitempty"`
	DisplayName    string            `json:"display_name"`
	Description    string            `json:"description,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// Connection is the opaque connection descriptor for a registered service.
// ProviderName selects the concrete connector implementation; the property
// maps carry its configuration.
type Connection struct {
	ProviderName            string            `json:"provider_name"`
	Endpoint                string            `json:"endpoint,omitempty"`
	UserID                  string            `json:"user_id,omitempty"`
	SecuredProperties       map[string]string `json:"secured_properties,omitempty"`
	ConfigurationProperties map[string]any    `json:"configuration_properties,omitempty"`
}

// RegisteredRequestType maps an engine-level request type onto the request
// type and parameters the service itself understands.
type RegisteredRequestType struct {
	ServiceRequestType string            `json:"service_request_type,omitempty"`
	RequestParameters  map[string]string `json:"request_parameters,omitempty"`
	DeleteMethod       string            `json:"delete_method,omitempty"`
}

// RegisteredService is one entry in an engine's or group's registered
// services listing.
type RegisteredService struct {
	ServiceGUID          string                           `json:"service_guid"`
	DisplayName          string                           `json:"display_name"`
	Connection           Connection                       `json:"connection"`
	RequestTypes         map[string]RegisteredRequestType `json:"request_types,omitempty"`
	PermittedSync        PermittedSync                    `json:"permitted_sync,omitempty"`
	NeedsDedicatedThread bool                             `json:"needs_dedicated_thread,omitempty"`
	Permanent            bool                             `json:"permanent,omitempty"`
	MinRefreshInterval   time.Duration                    `json:"min_refresh_interval,omitempty"`
}

// ActionTargetElement is one element an engine action operates on.
type ActionTargetElement struct {
	ActionTargetGUID  string        `json:"action_target_guid"`
	ActionTargetName  string        `json:"action_target_name,omitempty"`
	TargetElement     ElementHeader `json:"target_element"`
	Status            ActionStatus  `json:"status,omitempty"`
	StartTime         *time.Time    `json:"start_time,omitempty"`
	CompletionTime    *time.Time    `json:"completion_time,omitempty"`
	CompletionMessage string        `json:"completion_message,omitempty"`
}

// RequestSourceElement is one element that caused an engine action to be
// created.
type RequestSourceElement struct {
	SourceElement     ElementHeader `json:"source_element"`
	RequestSourceName string        `json:"request_source_name,omitempty"`
}

// EngineAction is a persisted unit of work targeting a governance engine.
type EngineAction struct {
	GUID                 string                 `json:"guid"`
	RequestType          string                 `json:"request_type"`
	Requester            string                 `json:"requester,omitempty"`
	RequestedStartTime   time.Time              `json:"requested_start_time,omitempty"`
	Status               ActionStatus           `json:"status"`
	ReceivedGuards       []string               `json:"received_guards,omitempty"`
	RequestParameters    map[string]string      `json:"request_parameters,omitempty"`
	TargetElements       []ActionTargetElement  `json:"target_elements,omitempty"`
	SourceElements       []RequestSourceElement `json:"source_elements,omitempty"`
	ProcessingEngineGUID string                 `json:"processing_engine_guid,omitempty"`
	GovernanceEngineGUID string                 `json:"governance_engine_guid,omitempty"`
	GovernanceEngineName string                 `json:"governance_engine_name,omitempty"`
}

// NewActionTarget names an element a newly initiated action should operate on.
type NewActionTarget struct {
	Name        string `json:"name,omitempty"`
	ElementGUID string `json:"element_guid"`
}

// NewActionRequest is the payload for initiating a new engine action.
type NewActionRequest struct {
	QualifiedName        string            `json:"qualified_name"`
	RequestType          string            `json:"request_type"`
	Requester            string            `json:"requester,omitempty"`
	RequestParameters    map[string]string `json:"request_parameters,omitempty"`
	ActionTargets        []NewActionTarget `json:"action_targets,omitempty"`
	StartTime            *time.Time        `json:"start_time,omitempty"`
	GovernanceEngineName string            `json:"governance_engine_name"`
}

// ConfigurationClient reads engine/group definitions and their registered
// services. Listing calls follow an explicit startFrom/pageSize contract;
// an empty page signals exhaustion.
type ConfigurationClient interface {
	GetGovernanceEngineByName(ctx context.Context, userID, name string) (EngineDefinition, error)
	GetIntegrationGroupByName(ctx context.Context, userID, name string) (EngineDefinition, error)
	ListRegisteredServices(ctx context.Context, userID, ownerGUID string, startFrom, pageSize int) ([]RegisteredService, error)
	GetRegisteredService(ctx context.Context, userID, ownerGUID, serviceGUID string) (RegisteredService, error)
}

// ActionClient reads and updates engine actions. Same paging contract as
// ConfigurationClient.
type ActionClient interface {
	GetEngineAction(ctx context.Context, userID, actionGUID string) (EngineAction, error)
	ClaimEngineAction(ctx context.Context, userID, actionGUID string) error
	ListActiveClaimedActions(ctx context.Context, userID, ownerGUID string, startFrom, pageSize int) ([]EngineAction, error)
	ListActiveActions(ctx context.Context, userID string, startFrom, pageSize int) ([]EngineAction, error)
	UpdateActionStatus(ctx context.Context, userID, actionGUID string, status ActionStatus) error
	UpdateActionTargetStatus(ctx context.Context, userID, actionTargetGUID string, status ActionStatus, startTime, completionTime *time.Time, message string) error
	RecordCompletionStatus(ctx context.Context, userID, actionGUID string, status ActionStatus, outputGuards []string, newParameters map[string]string, newTargets []NewActionTarget, message string) error
	InitiateEngineAction(ctx context.Context, userID string, req NewActionRequest) (string, error)
}

// ErrPlatform is the sentinel all platform API errors unwrap to.
var ErrPlatform = errors.New("platform api error")

// ErrNotFound indicates the named engine, group, service or action does not
// exist on the platform.
var ErrNotFound = errors.New("not found")

// ErrActionClaimed indicates another host won the race to claim an engine
// action.
var ErrActionClaimed = errors.New("engine action already claimed")

// APIError carries the HTTP-level detail of a failed platform call.
type APIError struct {
	StatusCode int
	Status     string
	Summary    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	status := strings.TrimSpace(e.Status)
	summary := strings.TrimSpace(e.Summary)
	if status != "" && summary != "" {
		return fmt.Sprintf("platform api error: %s: %s", status, summary)
	}
	if status != "" {
		return fmt.Sprintf("platform api error: %s", status)
	}
	if summary != "" {
		return fmt.Sprintf("platform api error: %s", summary)
	}
	return "platform api error"
}

func (e *APIError) Unwrap() error {
	return ErrPlatform
}
