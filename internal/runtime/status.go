// Package runtime owns the live state of hosted connectors: the cache that
// maps connector ids to handlers, the handler that drives one connector's
// lifecycle with full fault isolation, and the context object through which
// connector code reaches back into the host.
package runtime

// Status is the lifecycle status of one hosted connector instance.
//
// Transitions are monotone within a lifecycle pass:
// Uninitialized -> Initialized -> Running -> (Failed | Stopped), with
// Failed -> Stopped on disconnect and Stopped -> Uninitialized on
// reinitialize. No status is terminal.
type Status string

const (
	StatusUninitialized Status = "UNINITIALIZED"
	StatusInitialized   Status = "INITIALIZED"
	StatusRunning       Status = "RUNNING"
	StatusFailed        Status = "FAILED"
	StatusStopped       Status = "STOPPED"
)
