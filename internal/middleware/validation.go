package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "devicehub/internal/errors"
)

// Validator decodes JSON bodies and applies struct tag validation, reporting
// field names by their json tag.
type Validator struct {
	validate    *validator.Validate
	maxBodySize int64
}

// NewValidator creates a validator with the json tag name function and the
// devicehub custom rules registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("identifier", isIdentifier)

	return &Validator{validate: v, maxBodySize: 1 << 20}
}

// DecodeAndValidate reads r's JSON body into dst and validates it.
func (v *Validator) DecodeAndValidate(r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, v.maxBodySize)
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return apierrors.NewWithDetails(http.StatusBadRequest, "INVALID_JSON",
			"Request body contains invalid JSON", err.Error())
	}
	return v.Struct(dst)
}

// Struct validates s and converts failures to an APIError.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierrors.ErrInvalidRequest
	}

	out := make([]apierrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apierrors.NewValidationFailed(out)
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "identifier":
		return fmt.Sprintf("%s may only contain letters, digits, '-', '_', '.' and ':'", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

// isIdentifier accepts the characters used by device ids, license keys and
// package refs.
func isIdentifier(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || len(s) > 128 {
		return false
	}
	for _, ch := range s {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}
	return true
}
