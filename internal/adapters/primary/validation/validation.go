// Package validation decodes request bodies and validates them with
// go-playground/validator struct tags.
package validation

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
)

// MaxBodyBytes bounds decoded request bodies.
const MaxBodyBytes = 256 * 1024

// singleton validator instance
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report JSON field names rather than Go ones.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})

		_ = validate.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
			_, ok := domain.ParseDomain(fl.Field().String())
			return ok
		})
		_ = validate.RegisterValidation("wiregroup", func(fl validator.FieldLevel) bool {
			_, err := domain.ParseWireGroup(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// Struct validates v and returns *apperrors.ValidationErrors on failure.
func Struct(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}

	out := apperrors.NewValidationErrors()
	for _, fe := range fieldErrs {
		out.Add(fieldPath(fe), message(fe))
	}
	return out
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "oneof":
		return "Must be one of: " + fe.Param()
	case "max":
		return "Must be at most " + fe.Param()
	case "min":
		return "Must be at least " + fe.Param()
	case "domain":
		return "Unknown domain"
	case "wiregroup":
		return "Not a valid group name"
	default:
		return fmt.Sprintf("Failed %q validation", fe.Tag())
	}
}

// DecodeAndValidate decodes a JSON request body into T and validates it.
func DecodeAndValidate[T any](r *http.Request) (*T, error) {
	var req T

	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", apperrors.ErrBadRequest, err)
	}

	if err := Struct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
