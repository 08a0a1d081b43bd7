package auth

import (
	"errors"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// bcrypt ignores input past 72 bytes, so longer passwords are refused outright.
const maxPasswordBytes = 72

var validate = validator.New(validator.WithRequiredStructEnabled())

type signupForm struct {
	Username             string `validate:"required,min=4,max=20"`
	Email                string `validate:"required,email,max=100"`
	Password             string `validate:"required,min=8"`
	PasswordConfirmation string `validate:"required,eqfield=Password"`
}

type loginForm struct {
	Username string `validate:"required"`
	Password string `validate:"required"`
}

type emailForm struct {
	Email string `validate:"required,email,max=100"`
}

type resetForm struct {
	Password             string `validate:"required,min=8"`
	PasswordConfirmation string `validate:"required,eqfield=Password"`
}

var fieldMessages = map[string]string{
	"Username":             "username must be between 4 and 20 characters",
	"Email":                "must be an email",
	"Password":             "passwords must be at least 8 chars long",
	"PasswordConfirmation": "passwordConfirmation field must have the same value as the password field",
}

func parseSignupForm(values url.Values) signupForm {
	return signupForm{
		Username:             strings.TrimSpace(values.Get("username")),
		Email:                strings.TrimSpace(values.Get("email")),
		Password:             values.Get("password"),
		PasswordConfirmation: values.Get("passwordConfirmation"),
	}
}

func parseLoginForm(values url.Values) loginForm {
	return loginForm{
		Username: strings.TrimSpace(values.Get("username")),
		Password: values.Get("password"),
	}
}

func parseEmailForm(values url.Values) emailForm {
	return emailForm{Email: strings.TrimSpace(values.Get("email"))}
}

func parseResetForm(values url.Values) resetForm {
	return resetForm{
		Password:             values.Get("password"),
		PasswordConfirmation: values.Get("passwordConfirmation"),
	}
}

// validateForm returns one human message per failing field, in field order.
// A nil result means the form is valid.
func validateForm(form any) []string {
	var messages []string

	err := validate.Struct(form)
	if err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return []string{"invalid form submission"}
		}

		seen := make(map[string]bool, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			field := fieldErr.Field()
			if seen[field] {
				continue
			}
			seen[field] = true

			message, ok := fieldMessages[field]
			if !ok {
				message = "invalid " + strings.ToLower(field)
			}
			messages = append(messages, message)
		}
	}

	if password := passwordOf(form); len(password) > maxPasswordBytes {
		messages = append(messages, "passwords must be at most 72 bytes long")
	}

	return messages
}

func passwordOf(form any) string {
	switch f := form.(type) {
	case signupForm:
		return f.Password
	case resetForm:
		return f.Password
	default:
		return ""
	}
}
