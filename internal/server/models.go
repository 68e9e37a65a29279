package server

import (
	"time"

	"github.com/docquery/docquery/internal/search"
)

// HTTPError is the unified error body.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	UserID  int64  `json:"user_id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// QueryRequest mirrors search.Request with JSON binding; zero alpha means
// "use the configured default".
type QueryRequest struct {
	Query string   `json:"query"`
	K     int      `json:"k"`
	Mode  string   `json:"search_type"`
	Alpha *float64 `json:"alpha"`
}

type AnswerRequest struct {
	Question string   `json:"question"`
	K        int      `json:"k"`
	Alpha    *float64 `json:"alpha"`
}

type AnswerResponse struct {
	Answer  string          `json:"answer"`
	Sources []search.Result `json:"sources"`
}

type DocumentResponse struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type UploadResponse struct {
	DocumentID int64  `json:"document_id"`
	Status     string `json:"status"`
}

type InvalidateResponse struct {
	Deleted int `json:"deleted"`
}
