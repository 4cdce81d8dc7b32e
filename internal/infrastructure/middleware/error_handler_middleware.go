package middleware

import (
	"net/http"

	serrors "tourstream/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// httpStatusFor maps streaming error codes onto HTTP statuses for the
// REST surface; anything unmapped is a server error.
func httpStatusFor(code serrors.ErrorCode) int {
	switch code {
	case serrors.ErrCodeInvalidRoomID:
		return http.StatusBadRequest
	case serrors.ErrCodeRoomJoinFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandlerMiddleware converts accumulated handler errors into
// structured JSON responses.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if se := serrors.GetStreamingError(err); se != nil {
			logger.Errorw("request failed",
				"code", se.Code,
				"message", se.Message,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(httpStatusFor(se.Code), gin.H{
				"error":   string(se.Code),
				"message": se.Message,
				"details": se.Details,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
		})
	}
}
