package auth

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Reasons shown to the client when registration input is rejected.
const (
	ReasonMissingFields = "Nome, avatar e senha são obrigatórios."
	ReasonNameTooLong   = "Nome muito longo (máx 20 caracteres)."
	ReasonShortPassword = "Senha muito curta (mín 4 caracteres)."
)

var validate = validator.New()

// ValidationError carries the client-facing reason for a rejected request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// RegisterRequest is the participant registration input. max and min count
// runes, not bytes.
type RegisterRequest struct {
	Name     string `validate:"required,max=20"`
	Avatar   string `validate:"required"`
	Password string `validate:"required,min=4"`
}

// Normalize trims the name and avatar. The password is left untouched.
func (r RegisterRequest) Normalize() RegisterRequest {
	r.Name = strings.TrimSpace(r.Name)
	r.Avatar = strings.TrimSpace(r.Avatar)
	return r
}

// ValidateRegister checks req and returns a *ValidationError with the first
// failing rule. Missing fields win over length checks, and the name is
// checked before the password.
func ValidateRegister(req RegisterRequest) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	failed := make(map[string]bool, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			return &ValidationError{Reason: ReasonMissingFields}
		}
		failed[fe.Field()] = true
	}
	switch {
	case failed["Name"]:
		return &ValidationError{Reason: ReasonNameTooLong}
	case failed["Password"]:
		return &ValidationError{Reason: ReasonShortPassword}
	default:
		return &ValidationError{Reason: ReasonMissingFields}
	}
}
