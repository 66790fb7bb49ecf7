package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cronix/internal/model"
	"cronix/internal/storage"
)

// envelope wraps every JSON body: {"code":200,"message":"Success","data":...}.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func ok(c *gin.Context, data any) {
	respond(c, http.StatusOK, "Success", data)
}

func respond(c *gin.Context, status int, msg string, data any) {
	c.JSON(status, envelope{Code: status, Message: msg, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, envelope{Code: status, Message: msg})
}

// failErr maps storage and validation errors onto status codes. notFound is
// the message used for storage.ErrNotFound.
func failErr(c *gin.Context, err error, notFound string) {
	var fe *model.FieldError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fail(c, http.StatusNotFound, notFound)
	case errors.As(err, &fe):
		fail(c, http.StatusBadRequest, fe.Error())
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

// idParam parses the :id path parameter and answers 400 when it is not a
// positive integer.
func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

// intQuery reads an optional integer query parameter.
func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid "+key)
		return 0, false
	}
	return v, true
}
