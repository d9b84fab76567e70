package relay

// Error codes carried in outbound error envelopes.
const (
	ErrCodeBadPayload      = "bad_payload"
	ErrCodeNotParticipant  = "not_participant"
	ErrCodeNotOwner        = "not_owner"
	ErrCodeThreadNotFound  = "thread_not_found"
	ErrCodeMessageNotFound = "message_not_found"
	ErrCodePersistence     = "persistence_failed"
)

// Error wraps a code and human-readable message for the error envelope.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func relayError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}
