package model

// ListResponse is the standard envelope for list endpoints, wrapping results
// in a "resource" array with optional count metadata.
type ListResponse struct {
	Resource interface{}   `json:"resource"`
	Meta     *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta carries the number of returned items.
type ResponseMeta struct {
	Count int `json:"count"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
// Kind is the taxonomy name so clients can give an exact reason.
type ErrorDetail struct {
	Code      int                    `json:"code"`
	Kind      Kind                   `json:"kind,omitempty"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}
