package httpresp

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrWorkspaceRequired  = "workspace id is required"
	ErrNoteRequired       = "note id is required"
	ErrSessionNotFound    = "poll session not found"
	ErrInvalidFrames      = "body must be a JSON array of frames"
	ErrRoomRequired       = "room name is required"
	ErrInternal           = "internal server error"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type SessionResponse struct {
	SID string `json:"sid"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewStatusResponse(status string) StatusResponse {
	return StatusResponse{Status: status}
}

func NewSessionResponse(sid string) SessionResponse {
	return SessionResponse{SID: sid}
}

func NewTokenResponse(accessToken, userID, email string) TokenResponse {
	return TokenResponse{AccessToken: accessToken, UserID: userID, Email: email}
}
