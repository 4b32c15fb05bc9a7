// Package events defines the subjects and event types published by the
// Knowva engine. Subjects follow the NATS convention so subscribers can
// use wildcards, e.g. "knowva.server.*" or "knowva.>".
package events

// Subjects
const (
	SubjectServerConnected    = "knowva.server.connected"
	SubjectServerDisconnected = "knowva.server.disconnected"
	SubjectServerError        = "knowva.server.error"
	SubjectCatalogUpdated     = "knowva.catalog.updated"
	SubjectToolCallStarted    = "knowva.tool.call.started"
	SubjectToolCallFinished   = "knowva.tool.call.finished"
	SubjectQueryStarted       = "knowva.query.started"
	SubjectQueryFinished      = "knowva.query.finished"
)

// Event types carried in the event payload
const (
	TypeServerConnected    = "server.connected"
	TypeServerDisconnected = "server.disconnected"
	TypeServerError        = "server.error"
	TypeCatalogUpdated     = "catalog.updated"
	TypeToolCallStarted    = "tool.call.started"
	TypeToolCallFinished   = "tool.call.finished"
	TypeQueryStarted       = "query.started"
	TypeQueryFinished      = "query.finished"
)
