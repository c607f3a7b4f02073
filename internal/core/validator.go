package core

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// Validator wraps go-playground/validator with the request rules used by the
// handlers. Field names in errors use the json tag.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags:
//   - currency: three lowercase ASCII letters (ISO 4217 as stored).
//   - coverage_type: support or dev.
//   - overage_type: support, dev or both.
//
// decimal.Decimal fields are validated as float64, so gt=0 and gte=0 apply.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	mustRegister(v, "currency", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != 3 {
			return false
		}
		for _, c := range s {
			if c < 'a' || c > 'z' {
				return false
			}
		}
		return true
	})
	mustRegister(v, "coverage_type", func(fl validator.FieldLevel) bool {
		return types.CoverageType(fl.Field().String()).Valid()
	})
	mustRegister(v, "overage_type", func(fl validator.FieldLevel) bool {
		return types.OverageType(fl.Field().String()).Valid()
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic("core: register validation " + tag + ": " + err.Error())
	}
}

// ValidateStruct checks s against its validate tags. Failures are returned
// as a validation_failed AppError whose details map each field to the rule
// it broke.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if v.logger != nil {
			v.logger.Error("validator misuse", "error", err)
		}
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationFailed, "request validation failed", err,
		map[string]any{"fields": fields})
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "currency":
		return "must be a three-letter lowercase currency code"
	case "coverage_type":
		return "must be support or dev"
	case "overage_type":
		return "must be support, dev or both"
	default:
		return "failed " + fe.Tag()
	}
}

// DecodeAndValidate decodes the JSON body into dst and validates it.
func (v *Validator) DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := DecodeJSON(w, r, dst); err != nil {
		return err
	}
	return v.ValidateStruct(dst)
}
