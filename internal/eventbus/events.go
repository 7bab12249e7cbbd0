package eventbus

// Event types published by alarmd components. Data payloads are small
// structs or maps; observers should treat them as read-only.
const (
	// Lifecycle
	TypeTransition      = "lifecycle.transition"
	TypeTransitionStale = "lifecycle.stale"
	TypePersistFailed   = "lifecycle.persist_failed"

	// Change stream from the storage decorator.
	TypeEntitySaved   = "entity.saved"
	TypeEntityDeleted = "entity.deleted"

	// Trigger scheduler
	TypeTriggerScheduled = "trigger.scheduled"
	TypeTriggerFired     = "trigger.fired"
	TypeTriggerCancelled = "trigger.cancelled"

	// Notifications
	TypeNotificationPosted     = "notification.posted"
	TypeNotificationCancelled  = "notification.cancelled"
	TypeNotificationSuppressed = "notification.suppressed"
	TypeMirrorDropped          = "notification.mirror_dropped"
	TypeMirrorFailed           = "notification.mirror_failed"

	// Task engine
	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskDropped  = "task.dropped"

	// Durable work
	TypeWorkEnqueued = "work.enqueued"
	TypeWorkDone     = "work.done"
	TypeWorkFailed   = "work.failed"

	TypeError = "error.reported"
)
