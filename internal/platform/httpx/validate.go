package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/charitydesk/charitydesk/internal/shared"
)

var (
	permissionNamePattern = regexp.MustCompile(`^[a-z0-9_.-]+:[a-z0-9_.*-]+$`)
	actionPattern         = regexp.MustCompile(`^[a-z0-9_.*-]+$`)
	slugPattern           = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// NewValidator returns a validator with the custom rules used by request DTOs:
// permname (resource:action), permaction (the action half) and slug
// (lowercase identifiers).
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("permname", func(fl validator.FieldLevel) bool {
		return permissionNamePattern.MatchString(strings.ToLower(strings.TrimSpace(fl.Field().String())))
	})
	_ = v.RegisterValidation("permaction", func(fl validator.FieldLevel) bool {
		return actionPattern.MatchString(strings.ToLower(strings.TrimSpace(fl.Field().String())))
	})
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(strings.ToLower(strings.TrimSpace(fl.Field().String())))
	})
	return v
}

// Validate runs v over target and folds field errors into one validation error.
func Validate(v *validator.Validate, target any) error {
	err := v.Struct(target)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", shared.ErrValidation, strings.Join(msgs, "; "))
}

// DecodeAndValidate decodes the JSON body into target and validates it.
func DecodeAndValidate(r *http.Request, v *validator.Validate, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return err
	}
	return Validate(v, target)
}

// UUIDParam parses a chi URL parameter as a UUID.
func UUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s %q", shared.ErrValidation, name, raw)
	}
	return id, nil
}

// BoolQuery reports whether the query parameter is set to a truthy value.
func BoolQuery(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
