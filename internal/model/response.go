package model

// APIResponse is the envelope for every JSON response. Rejections carry a
// flat code and message next to success=false.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
