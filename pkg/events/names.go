package events

// Event names shared across components. Realtime server messages are
// dispatched under their own `type` value; the names below that mirror
// server types are listed so listeners do not hard-code strings.
const (
	// Connection lifecycle, emitted by the realtime manager.
	Connected        = "connected"
	Disconnected     = "disconnected"
	Reconnecting     = "reconnecting"
	ConnectionFailed = "connection_failed"

	// Offline transitions, emitted by the offline detector.
	Offline     = "offline"
	Reconnected = "reconnected"

	// Mutation is emitted by the executor after a successful write.
	Mutation = "mutation"

	// ResourceChanged travels over the cross-tab bus so peers drop stale
	// cache entries.
	ResourceChanged = "resource_changed"

	// ServerWelcome carries the server's "connected" greeting, renamed so
	// it does not collide with the lifecycle Connected event.
	ServerWelcome = "server_welcome"

	// Server pushed message types.
	DocumentUploaded  = "document_uploaded"
	DocumentProcessed = "document_processed"
	ScrapingUpdate    = "scraping_update"
	SystemHealth      = "system_health"
	HealthUpdate      = "health_update"
	AnalyticsUpdate   = "analytics_update"
	Notification      = "notification"
	UserActivity      = "user_activity"
	Heartbeat         = "heartbeat"
	Pong              = "pong"
	Subscribed        = "subscribed"
	Unsubscribed      = "unsubscribed"
	ServerError       = "error"
)
