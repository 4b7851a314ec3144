package casework

// Event types published when cases and alerts change.
const (
	EventAlertIngested       = "alert.ingested"
	EventCaseOpened          = "case.opened"
	EventCaseAutoOpened      = "case.auto_opened"
	EventCaseStageChanged    = "case.stage_changed"
	EventCaseEscalated       = "case.escalated"
	EventCaseClosed          = "case.closed"
	EventNotificationCreated = "notification.created"
)
