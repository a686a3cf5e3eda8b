package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

type AppError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Err     error                  `json:"-"`
	Fields  map[string]interface{} `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Fields:  make(map[string]interface{}),
	}
}

// WithField adds a single additional field to be serialized with the error response.
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

func BadRequest(message string) *AppError {
	return NewAppError(http.StatusBadRequest, message, nil)
}

func NotFound(message string) *AppError {
	return NewAppError(http.StatusNotFound, message, nil)
}

// TooManyRequests carries a retry hint in seconds; WriteError translates it
// into a Retry-After header.
func TooManyRequests(message string, retryAfter int) *AppError {
	return NewAppError(http.StatusTooManyRequests, message, nil).
		WithField("retry_after", retryAfter)
}

func ServiceUnavailable(message string, err error) *AppError {
	return NewAppError(http.StatusServiceUnavailable, message, err)
}

func InternalServerError(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, message, err)
}

// AsAppError unwraps err into an *AppError, or wraps it as a generic server error.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalServerError("internal server error", err)
}

func WriteError(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json")
	if err.Code == http.StatusTooManyRequests {
		if v, ok := err.Fields["retry_after"]; ok {
			switch t := v.(type) {
			case int:
				if t > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(t))
				}
			case int64:
				if t > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(t, 10))
				}
			case float64:
				if t > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(t)))
				}
			}
		}
	}
	w.WriteHeader(err.Code)
	payload := map[string]interface{}{
		"error": err.Message,
		"code":  err.Code,
	}
	for k, v := range err.Fields {
		if k == "error" || k == "code" {
			continue
		}
		payload[k] = v
	}
	json.NewEncoder(w).Encode(payload)
}
