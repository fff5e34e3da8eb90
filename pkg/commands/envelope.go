package commands

import (
	"github.com/asaskevich/govalidator"
	"github.com/plaenen/commandcore/pkg/domain"
)

// MaxIdempotencyKeyLength bounds client supplied keys.
const MaxIdempotencyKeyLength = 128

// ValidateEnvelope rejects envelopes that cannot be routed or stored.
func ValidateEnvelope(env domain.CommandEnvelope) error {
	var fields []domain.FieldError
	if env.ActionName == "" {
		fields = append(fields, domain.FieldError{Parameter: "actionName", Code: "required", Message: "action name is required"})
	}
	if env.EntityName == "" {
		fields = append(fields, domain.FieldError{Parameter: "entityName", Code: "required", Message: "entity name is required"})
	}
	if key := env.IdempotencyKey; key != "" {
		if len(key) > MaxIdempotencyKeyLength {
			fields = append(fields, domain.FieldError{
				Parameter: "idempotencyKey", Code: "too_long",
				Message: "idempotency key exceeds 128 characters", Value: len(key),
			})
		} else if !govalidator.IsPrintableASCII(key) {
			fields = append(fields, domain.FieldError{
				Parameter: "idempotencyKey", Code: "invalid_characters",
				Message: "idempotency key must be printable ASCII",
			})
		}
	}
	if len(env.Payload) > 0 && !govalidator.IsJSON(string(env.Payload)) {
		fields = append(fields, domain.FieldError{Parameter: "payload", Code: "invalid_json", Message: "payload is not valid JSON"})
	}

	if len(fields) > 0 {
		return domain.NewValidationError(fields...)
	}
	return nil
}
