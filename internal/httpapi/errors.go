package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	goerrors "github.com/goliatone/go-errors"

	"github.com/mbd888/credits/internal/failure"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/validation"
)

// Text codes returned in the "error" field of every error body.
const (
	TextCodeValidation = "validation_error"
	TextCodeInternal   = "internal_error"
)

// kindMapping is the HTTP rendering of each failure kind.
var kindMapping = map[failure.Kind]struct {
	category goerrors.Category
	status   int
}{
	failure.KindNotFound:            {goerrors.CategoryNotFound, http.StatusNotFound},
	failure.KindInsufficientCredits: {goerrors.CategoryOperation, http.StatusPaymentRequired},
	failure.KindInvalidState:        {goerrors.CategoryConflict, http.StatusConflict},
	failure.KindUnknownProvider:     {goerrors.CategoryNotFound, http.StatusNotFound},
	failure.KindProviderFailure:     {goerrors.CategoryExternal, http.StatusBadGateway},
	failure.KindBadRequest:          {goerrors.CategoryBadInput, http.StatusBadRequest},
}

// serviceError converts a core error into a go-errors envelope. Errors
// outside the failure taxonomy become an opaque internal error so storage
// details never reach clients.
func serviceError(err error) *goerrors.Error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}

	kind := failure.KindOf(err)
	m, ok := kindMapping[kind]
	if !ok {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "An unexpected error occurred").
			WithCode(http.StatusInternalServerError).
			WithTextCode(TextCodeInternal)
	}
	return goerrors.Wrap(err, m.category, err.Error()).
		WithCode(m.status).
		WithTextCode(string(kind))
}

func validationError(errs validation.ValidationErrors) *goerrors.Error {
	e := goerrors.New(errs.Error(), goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeValidation)
	e.WithMetadata(map[string]any{"fields": []validation.ValidationError(errs)})
	return e
}

func badRequest(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode("invalid_request")
}

// respondError writes err as JSON and aborts the chain.
func respondError(c *gin.Context, err error) {
	rich := serviceError(err)
	if rich.Code >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(), "error", err)
	}
	body := gin.H{
		"error":   rich.TextCode,
		"message": rich.Message,
	}
	if len(rich.Metadata) > 0 {
		body["details"] = rich.Metadata
	}
	if id := logging.RequestID(c.Request.Context()); id != "" {
		body["requestId"] = id
	}
	c.AbortWithStatusJSON(rich.Code, body)
}
