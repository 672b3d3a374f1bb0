package shared

import "errors"

var (
	ErrNoLogger             = errors.New("no logger provided")
	ErrNoConfig             = errors.New("no config provided")
	ErrNoTransport          = errors.New("no transport provided")
	ErrNoEventHandler       = errors.New("no event handler provided")
	ErrNoAPIKey             = errors.New("no API key provided")
	ErrStreamAlreadyRunning = errors.New("stream already running")
	ErrStreamNotRunning     = errors.New("stream not running")

	// Session state machine.
	ErrInvalidTransition  = errors.New("invalid session transition")
	ErrDuplicateContentID = errors.New("duplicate content id")
	ErrUnknownContentID   = errors.New("unknown content id")

	// Stream manager.
	ErrQueueClosed    = errors.New("outbound queue closed")
	ErrQueueFull      = errors.New("outbound queue full")
	ErrTransport      = errors.New("transport error")
	ErrMalformedEvent = errors.New("malformed event")

	// Tool processor.
	ErrUnknownTool        = errors.New("unknown tool")
	ErrToolTimeout        = errors.New("tool execution timed out")
	ErrToolInvalidInput   = errors.New("tool input failed schema validation")
	ErrToolAlreadyDefined = errors.New("tool already registered")

	// Switch controller.
	ErrUnknownAgent = errors.New("unknown agent configuration")
)
