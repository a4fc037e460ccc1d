package api

import (
	"errors"
	"strconv"

	"storefront-service/internal/apperr"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Envelope wraps every API response
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the client-facing part of a failure
type ErrorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

// fail renders err by its kind. Internal failures are logged and shown
// only as a generic message.
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	body := &ErrorBody{Kind: kind.String()}

	if e, found := apperr.As(err); found && kind != apperr.KindInternal {
		body.Code = e.Code
		body.Message = e.Message
	} else {
		body.Code = "internal_error"
		body.Message = "internal error"
		util.Component("http").Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.AbortWithStatusJSON(kind.HTTPStatus(), Envelope{Success: false, Error: body})
}

// bindError turns a gin binding failure into a validation error
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Field() == "Quantity" && (fe.Tag() == "min" || fe.Tag() == "max") {
			return apperr.Validation(apperr.CodeInvalidQuantity, "quantity must be between 1 and %d", service.MaxLineQuantity)
		}
		return apperr.Validation(apperr.CodeInvalidRequest, "field %s failed on the %s rule", fe.Field(), fe.Tag())
	}
	return apperr.Validation(apperr.CodeInvalidRequest, "invalid request body")
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(apperr.CodeInvalidRequest, "invalid %s %q", name, c.Param(name))
	}
	return id, nil
}

// UserIDHeader carries the authenticated customer id set by the gateway
const UserIDHeader = "X-User-ID"

const userIDKey = "user_id"

// requireUser rejects requests without a usable caller identity
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(UserIDHeader), 10, 64)
		if err != nil || id <= 0 {
			fail(c, apperr.Validation(apperr.CodeInvalidRequest, "missing or invalid %s header", UserIDHeader))
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(userIDKey)
}
