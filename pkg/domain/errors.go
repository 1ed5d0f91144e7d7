package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrNotFound     = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrGone         = NewErr("PASTE_EXPIRED", "paste expired", http.StatusGone)
	ErrConflict     = NewErr("ID_CONFLICT", "id already taken", http.StatusConflict)
	ErrTooLarge     = NewErr("CONTENT_TOO_LARGE", "content too large", http.StatusRequestEntityTooLarge)
	ErrEmptyContent = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrBadID        = NewErr("INVALID_ID", "invalid paste id", http.StatusBadRequest)
	ErrBadRequest   = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrTokenMissing = NewErr("TOKEN_REQUIRED", "missing X-Delete-Token header", http.StatusUnauthorized)
	ErrForbidden    = NewErr("FORBIDDEN", "forbidden", http.StatusForbidden)
	ErrRateLimited  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternal     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

// Err is a client-mappable error: Msg is always safe to show.
type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

// ToResp maps any error to a response body, collapsing everything that
// is not a tagged *Err to an opaque internal error.
func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

// Status returns the HTTP status for err, defaulting to 500.
func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
