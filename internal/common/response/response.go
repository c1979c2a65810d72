package response

import (
	"errors"
	"math"
	"net/http"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/domain"
	"github.com/gin-gonic/gin"
)

// Envelope is the JSON body of every API response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries pagination details.
type Meta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// Success writes a 200 response.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes a 201 response.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// Paginated writes a 200 response with pagination metadata.
func Paginated(c *gin.Context, data interface{}, total int64, page, limit int) {
	pages := 0
	if limit > 0 {
		pages = int(math.Ceil(float64(total) / float64(limit)))
	}
	c.JSON(http.StatusOK, Envelope{
		Success: true,
		Data:    data,
		Meta:    &Meta{Page: page, Limit: limit, Total: total, TotalPages: pages},
	})
}

// Partial writes a 200 response for a committed change whose follow-up step failed.
func Partial(c *gin.Context, data interface{}, code, message string) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data, Error: &ErrorBody{Code: code, Message: message}})
}

// BadRequest writes a 400 response.
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, "bad_request", message)
}

// Fail writes an error response with an explicit status and code.
func Fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}})
}

// Error maps domain errors to their HTTP status; anything else is a 500.
func Error(c *gin.Context, err error) {
	var domErr *domain.DomainError
	if !errors.As(err, &domErr) {
		_ = c.Error(err)
		Fail(c, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		Fail(c, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		Fail(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrConflict):
		Fail(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		Fail(c, http.StatusConflict, "invalid_state", err.Error())
	default:
		Fail(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
