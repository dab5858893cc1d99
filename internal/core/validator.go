package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"fedilogin/internal/types"
)

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator. Field names in errors come from
// the `form` tag (then `json`) so they match what the client sent.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// fieldCodes overrides the generic tag mapping for fields whose failures
// have their own error code.
var fieldCodes = map[string]map[string]types.ErrorCode{
	"server_uri": {
		"required": types.ErrCodeValidationMissingServerURI,
		"max":      types.ErrCodeValidationInvalidServerURI,
	},
}

// NewValidator creates a new Validator.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"form", "json"} {
			name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s and returns a *types.AppError whose code comes
// from the first failing field. All failures are listed under
// Details["validation_errors"].
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		// InvalidValidationError: a programming error, not bad input.
		v.logger.Error("struct validation misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	errs := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		code := errorCodeFor(fe.Field(), fe.Tag())
		errs = append(errs, ValidationError{
			Field:   fe.Field(),
			Code:    string(code),
			Message: messageFor(fe),
		})
	}

	first := errs[0]
	return types.NewAppErrorWithDetails(
		types.ErrorCode(first.Code),
		first.Message,
		err,
		map[string]any{"validation_errors": errs},
	)
}

// errorCodeFor maps a failed validation tag to an error code, honouring
// per-field overrides.
func errorCodeFor(field, tag string) types.ErrorCode {
	if codes, ok := fieldCodes[field]; ok {
		if code, ok := codes[tag]; ok {
			return code
		}
	}
	return tagToErrorCode(tag)
}

func tagToErrorCode(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	default:
		return types.ErrCodeValidationInvalidField
	}
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing `" + fe.Field() + "` parameter"
	case "max":
		return "`" + fe.Field() + "` parameter is too long"
	default:
		return "invalid `" + fe.Field() + "` parameter"
	}
}
