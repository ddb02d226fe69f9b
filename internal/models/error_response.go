package models

// ErrorResponse is the structured error body returned by the backend.
// It may arrive flat or nested under an "error" container key.
type ErrorResponse struct {
	Code            int                   `json:"code"`
	Message         string                `json:"message"`
	AttributeErrors []AttributeErrorEntry `json:"attribute_errors,omitempty"`
}

// AttributeErrorEntry is one field-level validation error.
type AttributeErrorEntry struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
}

// ErrorResponseWrapper is the nested form of ErrorResponse.
type ErrorResponseWrapper struct {
	Error *ErrorResponse `json:"error"`
}
