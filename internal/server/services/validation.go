package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dmitrijs2005/authkeeper/internal/common"
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const (
	minPasswordLen = 8
	minNameLen     = 2
	maxNameLen     = 100

	// bcrypt rejects longer input.
	maxPasswordBytes = 72
)

// RegisterInput carries the registration form.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

// Validate returns common.ErrorValidation wrapped with the first problem found.
func (in RegisterInput) Validate() error {
	if err := validateName(in.Name); err != nil {
		return err
	}
	if err := validateEmail(in.Email); err != nil {
		return err
	}
	return validatePassword(in.Password)
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", common.ErrorValidation, msg)
}

func validateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return validationError("email is required")
	}
	if !emailRe.MatchString(email) {
		return validationError("please enter a valid email address")
	}
	return nil
}

func validatePassword(password string) error {
	if strings.TrimSpace(password) == "" {
		return validationError("password is required")
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		return validationError(fmt.Sprintf("password must be at least %d characters long", minPasswordLen))
	}
	if len(password) > maxPasswordBytes {
		return validationError(fmt.Sprintf("password must not exceed %d bytes", maxPasswordBytes))
	}

	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !lower || !upper || !digit {
		return validationError("password must contain at least one uppercase letter, one lowercase letter, and one number")
	}
	return nil
}

func validateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	switch {
	case n == 0:
		return validationError("name is required")
	case n < minNameLen:
		return validationError(fmt.Sprintf("name must be at least %d characters long", minNameLen))
	case n > maxNameLen:
		return validationError(fmt.Sprintf("name must not exceed %d characters", maxNameLen))
	}
	return nil
}

func validateLogin(email, password string) error {
	if err := validateEmail(email); err != nil {
		return err
	}
	if strings.TrimSpace(password) == "" {
		return validationError("password is required")
	}
	return nil
}
