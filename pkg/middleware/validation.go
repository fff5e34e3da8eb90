package middleware

import (
	"context"
	"fmt"

	"github.com/asaskevich/govalidator"
	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
)

// Rule checks one payload field, addressed by a gjson path.
type Rule struct {
	Path     string
	Required bool

	// Check validates the field's string form. Absent optional fields are
	// not checked.
	Check func(string) bool
	Code  string
}

// Required fails when path is absent or empty.
func Required(path string) Rule {
	return Rule{Path: path, Required: true, Code: "required"}
}

// Decimal fails when path is present but not a number.
func Decimal(path string) Rule {
	return Rule{Path: path, Check: govalidator.IsFloat, Code: "invalid_decimal"}
}

// Integer fails when path is present but not an integer.
func Integer(path string) Rule {
	return Rule{Path: path, Check: govalidator.IsInt, Code: "invalid_integer"}
}

// Date fails when path is present but not an ISO date (2006-01-02).
func Date(path string) Rule {
	return Rule{Path: path, Check: func(s string) bool { return govalidator.IsTime(s, "2006-01-02") }, Code: "invalid_date"}
}

// UUID fails when path is present but not a UUID.
func UUID(path string) Rule {
	return Rule{Path: path, Check: govalidator.IsUUID, Code: "invalid_uuid"}
}

// Validator defines the interface for validating commands.
type Validator interface {
	Validate(ctx context.Context, cmd *commands.Command) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, cmd *commands.Command) error

func (f ValidatorFunc) Validate(ctx context.Context, cmd *commands.Command) error {
	return f(ctx, cmd)
}

// ValidationMiddleware runs validator before the handler's own validation.
func ValidationMiddleware(validator Validator) commands.Middleware {
	return func(next commands.Handler) commands.Handler {
		return commands.Wrap(next, func(ctx context.Context, cmd *commands.Command) error {
			if err := validator.Validate(ctx, cmd); err != nil {
				return err
			}
			return next.Validate(ctx, cmd)
		}, nil)
	}
}

// PayloadValidation validates payload fields of the commands matching
// permission. An empty permission applies the rules to every command.
func PayloadValidation(permission string, rules ...Rule) commands.Middleware {
	return ValidationMiddleware(ValidatorFunc(func(_ context.Context, cmd *commands.Command) error {
		if permission != "" && cmd.Permission() != permission {
			return nil
		}

		var fields []domain.FieldError
		for _, r := range rules {
			v := cmd.Get(r.Path)
			s := v.String()
			switch {
			case !v.Exists() || s == "":
				if r.Required {
					fields = append(fields, domain.FieldError{
						Parameter: r.Path, Code: "required",
						Message: fmt.Sprintf("%s is required", r.Path),
					})
				}
			case r.Check != nil && !r.Check(s):
				fields = append(fields, domain.FieldError{
					Parameter: r.Path, Code: r.Code,
					Message: fmt.Sprintf("%s is invalid", r.Path), Value: s,
				})
			}
		}
		if len(fields) > 0 {
			return domain.NewValidationError(fields...)
		}
		return nil
	}))
}
