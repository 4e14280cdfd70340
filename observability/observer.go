// Package observability defines the metric event surface the router emits.
// Implementations live out of tree (see the prom subpackage); core packages
// depend only on the interfaces here.
package observability

import "time"

type MessageResult string

const (
	MessageDispatched        MessageResult = "dispatched"
	MessageControl           MessageResult = "control"
	MessageDroppedParse      MessageResult = "dropped_parse"
	MessageDroppedShape      MessageResult = "dropped_shape"
	MessageDroppedNoHandler  MessageResult = "dropped_no_handler"
	MessageDroppedValidation MessageResult = "dropped_validation"
	MessageOversize          MessageResult = "oversize"
	MessageAuthFailed        MessageResult = "auth_failed"
)

type RPCResult string

const (
	RPCResultReply            RPCResult = "reply"
	RPCResultError            RPCResult = "error"
	RPCResultAborted          RPCResult = "aborted"
	RPCResultDisconnected     RPCResult = "disconnected"
	RPCResultIdleExpired      RPCResult = "idle_expired"
	RPCResultDeadlineExceeded RPCResult = "deadline_exceeded"
	RPCResultAdmissionDenied  RPCResult = "admission_denied"
)

type SendDrop string

const (
	SendDropTerminalDuplicate SendDrop = "terminal_duplicate"
	SendDropProgressTerminal  SendDrop = "progress_after_terminal"
	SendDropProgressPressure  SendDrop = "progress_backpressure"
)

type PublishResult string

const (
	PublishOK         PublishResult = "ok"
	PublishValidation PublishResult = "validation"
	PublishRefused    PublishResult = "refused"
	PublishTransport  PublishResult = "transport"
)

type CloseReason string

const (
	CloseNormal           CloseReason = "normal"
	ClosePolicyViolation  CloseReason = "policy_violation"
	CloseMessageTooBig    CloseReason = "message_too_big"
	CloseHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ClosePeerClosed       CloseReason = "peer_closed"
	CloseWriteError       CloseReason = "write_error"
)

// RouterObserver receives router-level metric events.
type RouterObserver interface {
	ConnCount(n int64)
	ConnClosed(reason CloseReason)
	Message(result MessageResult)
	RPCStarted()
	RPCFinished(result RPCResult, d time.Duration)
	RPCInflight(n int)
	SendDropped(reason SendDrop)
	Publish(result PublishResult)
	HeartbeatStale()
}

type noopRouterObserver struct{}

func (noopRouterObserver) ConnCount(int64)                      {}
func (noopRouterObserver) ConnClosed(CloseReason)               {}
func (noopRouterObserver) Message(MessageResult)                {}
func (noopRouterObserver) RPCStarted()                          {}
func (noopRouterObserver) RPCFinished(RPCResult, time.Duration) {}
func (noopRouterObserver) RPCInflight(int)                      {}
func (noopRouterObserver) SendDropped(SendDrop)                 {}
func (noopRouterObserver) Publish(PublishResult)                {}
func (noopRouterObserver) HeartbeatStale()                      {}

// NoopRouterObserver is a zero-cost observer used when metrics are disabled.
var NoopRouterObserver RouterObserver = noopRouterObserver{}
