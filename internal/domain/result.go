package domain

// FragmentType identifies the display channel of a Fragment.
type FragmentType string

const (
	FragmentStdout  FragmentType = "stdout"
	FragmentStdout2 FragmentType = "stdout2"
	FragmentStderr  FragmentType = "stderr"
	FragmentImage   FragmentType = "image"
	FragmentImageNN FragmentType = "image_nn"
	FragmentAudio   FragmentType = "audio"
)

// Fragment is one typed, ordered unit of interpreter output.
// Value holds raw text for the stdout/stderr types and a data URI otherwise.
type Fragment struct {
	Type  FragmentType `json:"type"`
	Value string       `json:"value"`
}

// Subscriber channel event names.
const (
	EventStatus     = "status"
	EventComplete   = "complete"
	EventConnection = "connection"
)

// StatusPayload is the body of a "status" event.
type StatusPayload struct {
	Data    []Fragment `json:"data"`
	Session string     `json:"session"`
}

// CompletePayload is the body of the terminal "complete" event.
// Message is omitted when nil so failures serialize as {"success": false}.
type CompletePayload struct {
	Success bool    `json:"success"`
	Message *string `json:"message,omitempty"`
}

// Completed returns the payload sent after a successful task.
func Completed() CompletePayload {
	empty := ""
	return CompletePayload{Success: true, Message: &empty}
}

// Failed returns a failure payload, with an optional message.
func Failed(message string) CompletePayload {
	if message == "" {
		return CompletePayload{}
	}
	return CompletePayload{Message: &message}
}

// ConnectionPayload is the body of the "connection" event.
type ConnectionPayload struct {
	SessionID string `json:"session_id"`
}
