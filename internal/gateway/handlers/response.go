package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/apperr"
	"ogsolar-core/internal/utils"
)

const requestTimeout = 30 * time.Second

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

type PageMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

func successResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	}
}

func errorResponse(message string) APIResponse {
	return APIResponse{
		Success: false,
		Message: message,
	}
}

func successWithMetaResponse(message string, data interface{}, meta interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    meta,
	}
}

// respondError writes the user-facing message for err. Server-side failures
// are logged with the request id and never echoed.
func respondError(c *gin.Context, log logrus.FieldLogger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithFields(logrus.Fields{
			"request_id": utils.RequestID(c),
			"path":       c.FullPath(),
		}).Error("request failed")
	}
	_ = c.Error(err)
	c.JSON(status, errorResponse(apperr.UserMessage(err)))
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse("Invalid request format: "+err.Error()))
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid "+name))
		return 0, false
	}
	return id, true
}
