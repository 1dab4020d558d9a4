package observability

// Span names.
const (
	SpanReasoningTurn  = "nestor.reasoning.turn"
	SpanToolInvocation = "nestor.tool.invoke"
	SpanQueueClaim     = "nestor.queue.claim"
	SpanTaskExecution  = "nestor.task.execute"
)

// Attribute keys.
const (
	AttrTaskID    = "nestor.task_id"
	AttrTaskType  = "nestor.task_type"
	AttrServerID  = "nestor.server_id"
	AttrAction    = "nestor.action"
	AttrStepID    = "nestor.step_id"
	AttrAttempt   = "nestor.attempt"
	AttrErrorKind = "nestor.error_kind"
)
