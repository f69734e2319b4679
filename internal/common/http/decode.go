package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	commonerrors "github.com/AlibekovAA/clinic-auth/internal/common/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var ErrValidationFailed = commonerrors.NewDomainError(
	CodeValidationFailed,
	commonerrors.CategoryValidation,
	http.StatusBadRequest,
	"request validation failed",
)

var ErrInvalidJSON = commonerrors.NewDomainError(
	CodeInvalidJSON,
	commonerrors.CategoryValidation,
	http.StatusBadRequest,
	"invalid json body",
)

// DecodeAndValidate reads a JSON body into v and runs its `validate` tags.
// Unknown fields are rejected. Field names, never values, go into the
// returned error.
func DecodeAndValidate(r *http.Request, v any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return commonerrors.NewDomainError(CodePayloadTooLarge, commonerrors.CategoryValidation,
				http.StatusRequestEntityTooLarge, "request body too large")
		}
		return ErrInvalidJSON.WithCause(err)
	}

	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s:%s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return ErrValidationFailed.WithCause(errors.New(strings.Join(fields, ",")))
		}
		return ErrValidationFailed.WithCause(err)
	}
	return nil
}
