package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/go-playground/validator/v10"
)

var (
	familyNamePattern = regexp.MustCompile(`^[\p{L}\p{N} '\-_.&]+$`)
	joinCodePattern   = regexp.MustCompile(`^[A-Z0-9]+$`)
)

// validate is shared by every service; validator.Validate caches struct
// metadata and is safe for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("familyname", func(fl validator.FieldLevel) bool {
		return familyNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("joincode", func(fl validator.FieldLevel) bool {
		return joinCodePattern.MatchString(fl.Field().String())
	})
	return v
}

type credentialsInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

type emailInput struct {
	Email string `validate:"required,email"`
}

type familyNameInput struct {
	Name string `validate:"required,min=2,max=50,familyname"`
}

type joinCodeInput struct {
	Code string `validate:"required,len=6,joincode"`
}

type searchInput struct {
	Term string `validate:"required,min=2"`
}

// check validates in and converts a failure into a Validation error with a
// readable message.
func check(op string, in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return common.Validation(op, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return common.Validation(op, common.ErrValidation).WithMsg(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "enter a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, fe.Param())
	case "familyname":
		return "family name may only contain letters, digits, spaces and ' - _ . &"
	case "joincode":
		return "family code may only contain letters and digits"
	case "url":
		return field + " must be a valid URL"
	case "e164":
		return field + " must be in international format, e.g. +15551234567"
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

// sanitizeName trims and collapses internal whitespace.
func sanitizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeCode upper-cases a join code and drops spaces and dashes users
// tend to type.
func normalizeCode(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(s)))
}

// sanitizeTerm removes characters that have meaning in filter expressions.
func sanitizeTerm(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '%', '_', '*', ',', '(', ')', '"', '\\':
			return -1
		}
		return r
	}, s)
	return sanitizeName(s)
}
