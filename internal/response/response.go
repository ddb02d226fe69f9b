package response

// Response is the envelope for non-domain responses (auth failures, health)
// from the development backend. Domain responses carry their own shapes and
// are signed; see internal/api.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error returns an error response
func Error(message string) Response {
	return Response{
		Success: false,
		Message: message,
	}
}
