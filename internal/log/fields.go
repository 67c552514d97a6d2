package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldError       = "error"
	FieldURL         = "url"
	FieldStore       = "store"
	FieldLocalID     = "local_id"
	FieldAmount      = "amount"
	FieldTxType      = "tx_type"
	FieldKeywordHits = "keyword_hits"
	FieldAttempts    = "attempts"
	FieldQueueDepth  = "queue_depth"
	FieldDelivered   = "delivered"
	FieldMessageType = "message_type"
	FieldUserID      = "user_id"
)

// Components defines standard component names
const (
	ComponentAgent  = "agent"
	ComponentDaemon = "daemon"
)
