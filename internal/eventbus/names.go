package eventbus

// ChannelCall matches every call lifecycle event.
const ChannelCall = "call.*"

// Call lifecycle events published by the flow driver.
const (
	EventCallStarted     = "call.started"
	EventCallAnswered    = "call.answered"
	EventCallNodeEntered = "call.node.entered"
	EventCallPlay        = "call.play"
	EventCallDial        = "call.dial"
	EventCallDialFailed  = "call.dial.failed"
	EventCallQueueJoin   = "call.queue.join"
	EventCallRecordStart = "call.record.start"
	EventCallWhisper     = "call.whisper.start"
	EventCallTagged      = "call.tagged"
	EventCallEnded       = "call.ended"
	EventCallFailed      = "call.failed"
)

// Flow lifecycle events published by the flow store.
const (
	ChannelFlow         = "flow.*"
	EventFlowStored     = "flow.stored"
	EventFlowPublished  = "flow.published"
	EventFlowRolledBack = "flow.rolled_back"
)
