package types

// Wire types shared by the store client and the store emulator

// EditResponse is returned when an edit is inserted or committed
type EditResponse struct {
	ID string `json:"id"`
	// ExpiryTimeSeconds is a unix timestamp, encoded as a string
	ExpiryTimeSeconds string `json:"expiryTimeSeconds,omitempty"`
}

// ErrorDetail describes a failed API call
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// TokenErrorResponse is the body of a failed token exchange
type TokenErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// RegisterAccountRequest registers a service account with the store emulator
type RegisterAccountRequest struct {
	ClientEmail  string `json:"client_email" binding:"required"`
	ProjectID    string `json:"project_id"`
	PublicKeyPEM string `json:"public_key" binding:"required"`
}
