package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/makkenzo/keygate/internal/handler/dto"
	"github.com/makkenzo/keygate/internal/ierr"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware translates the error taxonomy into stable machine
// codes. Every failure gets a checkable code and a human message; internal
// detail never reaches the caller.
func ErrorHandlerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("ErrorHandler")
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		log.Error("Request failed", zap.Error(err))

		status := http.StatusInternalServerError
		errResponse := dto.APIErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "An unexpected error occurred.",
		}

		var (
			ve           validator.ValidationErrors
			syntaxErr    *json.SyntaxError
			unmarshalErr *json.UnmarshalTypeError
		)

		if errors.As(err, &ve) {
			status = http.StatusBadRequest
			errResponse.Code = "VALIDATION_ERROR"
			errResponse.Message = "Input validation failed."
			errResponse.Details = buildValidationErrors(ve)
		} else if errors.As(err, &syntaxErr) || errors.As(err, &unmarshalErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			status = http.StatusBadRequest
			errResponse.Code = "VALIDATION_ERROR"
			errResponse.Message = "Malformed request body."
		} else {
			switch {
			case errors.Is(err, ierr.ErrValidation):
				status = http.StatusBadRequest
				errResponse.Code = "VALIDATION_ERROR"
				errResponse.Message = err.Error()
			case errors.Is(err, ierr.ErrRateLimited):
				status = http.StatusTooManyRequests
				errResponse.Code = "RATE_LIMITED"
				errResponse.Message = ierr.ErrRateLimited.Error()
			case errors.Is(err, ierr.ErrKeyNotFound):
				status = http.StatusNotFound
				errResponse.Code = "KEY_NOT_FOUND"
				errResponse.Message = ierr.ErrKeyNotFound.Error()
			case errors.Is(err, ierr.ErrKeyRevoked):
				status = http.StatusForbidden
				errResponse.Code = "KEY_REVOKED"
				errResponse.Message = ierr.ErrKeyRevoked.Error()
			case errors.Is(err, ierr.ErrAlreadyUsed):
				status = http.StatusConflict
				errResponse.Code = "ALREADY_USED"
				errResponse.Message = ierr.ErrAlreadyUsed.Error()
			case errors.Is(err, ierr.ErrUsageLimitExceeded):
				status = http.StatusConflict
				errResponse.Code = "USAGE_LIMIT_EXCEEDED"
				errResponse.Message = ierr.ErrUsageLimitExceeded.Error()
			case errors.Is(err, ierr.ErrStateConflict):
				status = http.StatusConflict
				errResponse.Code = "CONFLICT"
				errResponse.Message = ierr.ErrStateConflict.Error()
			case errors.Is(err, ierr.ErrNoEntitlement):
				status = http.StatusNotFound
				errResponse.Code = "NO_ENTITLEMENT"
				errResponse.Message = ierr.ErrNoEntitlement.Error()
			case errors.Is(err, ierr.ErrEntitlementInactive):
				status = http.StatusForbidden
				errResponse.Code = "ENTITLEMENT_INACTIVE"
				errResponse.Message = ierr.ErrEntitlementInactive.Error()
			case errors.Is(err, ierr.ErrOracleUnavailable):
				status = http.StatusInternalServerError
				errResponse.Code = "ORACLE_UNAVAILABLE"
				errResponse.Message = ierr.ErrOracleUnavailable.Error()
			case errors.Is(err, ierr.ErrRecoveryIncomplete):
				status = http.StatusInternalServerError
				errResponse.Code = "RECOVERY_INCOMPLETE"
				errResponse.Message = ierr.ErrRecoveryIncomplete.Error()
			case errors.Is(err, ierr.ErrAPIKeyNotFound):
				status = http.StatusForbidden
				errResponse.Code = "FORBIDDEN"
				errResponse.Message = "Access denied."
			}
		}

		c.AbortWithStatusJSON(status, errResponse)
	}
}

func buildValidationErrors(ve validator.ValidationErrors) []dto.FieldError {
	details := make([]dto.FieldError, len(ve))
	for i, fe := range ve {
		details[i] = dto.FieldError{
			Field:   fe.Field(),
			Message: getValidationErrorMsg(fe),
		}
	}
	return details
}

func getValidationErrorMsg(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "email":
		return fmt.Sprintf("Field '%s' must be a valid email address", fe.Field())
	case "oneof":
		return fmt.Sprintf("Field '%s' must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("Field '%s' failed validation on the '%s' tag", fe.Field(), fe.Tag())
	}
}
