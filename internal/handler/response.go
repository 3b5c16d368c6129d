package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"blog-cms/internal/apperr"
)

// envelope is the body of every JSON response.
type envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Message: message, Data: data})
}

func ok(c *gin.Context, message string, data any) {
	respond(c, http.StatusOK, message, data)
}

// fail writes err with the status of its kind. Internal and upstream causes
// are logged and never echoed to the client.
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, envelope{Message: apperr.Message(err)})
}
