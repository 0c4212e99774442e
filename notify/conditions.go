// Package notify records every error condition the server raises, persists
// it, and pushes the user-facing part to the affected connection.
package notify

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryRateLimit      Category = "rate_limit"
	CategoryPermission     Category = "permission"
	CategoryResource       Category = "resource"
	CategoryTransport      Category = "websocket"
	CategoryInternal       Category = "system"
	CategoryUserAction     Category = "user_action"
)

type Code string

const (
	MessageTooLarge   Code = "MESSAGE_TOO_LARGE"
	InvalidJSON       Code = "INVALID_JSON"
	InvalidSchema     Code = "INVALID_SCHEMA"
	RateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	AuthRequired      Code = "AUTH_REQUIRED"
	InvalidToken      Code = "INVALID_TOKEN"
	InvalidPseudo     Code = "INVALID_PSEUDO"
	Forbidden         Code = "FORBIDDEN"
	BoardAccessDenied Code = "BOARD_ACCESS_DENIED"
	TaskNotFound      Code = "TASK_NOT_FOUND"
	BoardLimitReached Code = "BOARD_LIMIT_REACHED"
	TaskLimitReached  Code = "TASK_LIMIT_REACHED"
	InternalError     Code = "INTERNAL_ERROR"
	TransportError    Code = "WEBSOCKET_ERROR"
	TaskUpdateFailed  Code = "TASK_UPDATE_FAILED"
	TaskCreateFailed  Code = "TASK_CREATE_FAILED"
	TaskDeleteFailed  Code = "TASK_DELETE_FAILED"
)

// Kind describes one entry of the closed condition taxonomy.
type Kind struct {
	Code             Code
	Category         Category
	Severity         Severity
	UserVisible      bool
	UserMessage      string
	TechnicalMessage string
}

var kinds = map[Code]Kind{
	AuthRequired:      {AuthRequired, CategoryAuthentication, SeverityMedium, true, "Please identify first", "authentication required before this action"},
	InvalidToken:      {InvalidToken, CategoryAuthentication, SeverityHigh, true, "Invalid connection token", "invalid authentication token"},
	InvalidPseudo:     {InvalidPseudo, CategoryValidation, SeverityLow, true, "Invalid or too long nickname", "invalid pseudo format"},
	Forbidden:         {Forbidden, CategoryPermission, SeverityHigh, true, "Action not allowed", "user lacks permission for this action"},
	BoardAccessDenied: {BoardAccessDenied, CategoryPermission, SeverityHigh, true, "Board access denied", "board access denied"},
	RateLimitExceeded: {RateLimitExceeded, CategoryRateLimit, SeverityMedium, true, "Too many messages, please slow down", "rate limit exceeded"},
	MessageTooLarge:   {MessageTooLarge, CategoryValidation, SeverityLow, true, "Message too large", "message exceeds maximum size"},
	BoardLimitReached: {BoardLimitReached, CategoryResource, SeverityMedium, true, "Board limit reached", "maximum number of boards reached"},
	TaskLimitReached:  {TaskLimitReached, CategoryResource, SeverityMedium, true, "Task limit reached for this board", "maximum number of tasks reached for board"},
	InvalidJSON:       {InvalidJSON, CategoryValidation, SeverityLow, true, "Malformed message", "invalid JSON format"},
	InvalidSchema:     {InvalidSchema, CategoryValidation, SeverityLow, true, "Invalid message structure", "message schema validation failed"},
	TaskNotFound:      {TaskNotFound, CategoryResource, SeverityMedium, true, "Task not found", "task not found"},
	InternalError:     {InternalError, CategoryInternal, SeverityCritical, true, "Temporary server error", "internal server error"},
	TransportError:    {TransportError, CategoryTransport, SeverityHigh, true, "Connection error", "websocket connection error"},
	TaskUpdateFailed:  {TaskUpdateFailed, CategoryUserAction, SeverityMedium, true, "Could not update the task", "task update operation failed"},
	TaskCreateFailed:  {TaskCreateFailed, CategoryUserAction, SeverityMedium, true, "Could not create the task", "task creation failed"},
	TaskDeleteFailed:  {TaskDeleteFailed, CategoryUserAction, SeverityMedium, true, "Could not delete the task", "task deletion failed"},
}

// Lookup returns the kind for code. Unknown codes map to InternalError.
func Lookup(code Code) (Kind, bool) {
	k, ok := kinds[code]
	if !ok {
		return kinds[InternalError], false
	}
	return k, true
}

// Codes returns every known code.
func Codes() []Code {
	out := make([]Code, 0, len(kinds))
	for c := range kinds {
		out = append(out, c)
	}
	return out
}

// Condition is one raised occurrence.
type Condition struct {
	ID               string         `json:"id"`
	Code             Code           `json:"code"`
	Category         Category       `json:"category"`
	Severity         Severity       `json:"severity"`
	UserVisible      bool           `json:"userVisible"`
	UserMessage      string         `json:"userMessage"`
	TechnicalMessage string         `json:"technicalMessage"`
	ConnID           string         `json:"connId,omitempty"`
	Pseudo           string         `json:"pseudo,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	Timestamp        int64          `json:"timestamp"`
	Suppressed       bool           `json:"suppressed,omitempty"`
	// Stack is captured for critical conditions and only ever logged.
	Stack string `json:"-"`
}

// Target says who should see a condition. With neither ConnID nor Broadcast
// the condition is only recorded.
type Target struct {
	ConnID    string
	Pseudo    string
	Broadcast bool
}
