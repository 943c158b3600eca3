package authsdk

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validBloodGroups = map[string]bool{
	"A+": true, "A-": true, "B+": true, "B-": true,
	"AB+": true, "AB-": true, "O+": true, "O-": true,
}

// validate is shared; validator.Validate caches struct metadata and is safe
// for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "bloodgroup", validateBloodGroup)
	mustRegister(v, "phone10", digitsValidator("0123456789 -()", 10))
	mustRegister(v, "aadhar", digitsValidator("0123456789 -", 12))
	v.RegisterTagNameFunc(useJSONTagNames)
	return v
}

// mustRegister panics when a tag cannot be registered, which only happens
// for an empty tag or a nil func.
func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("authsdk: register %q validation: %v", tag, err))
	}
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func validateBloodGroup(fl validator.FieldLevel) bool {
	return validBloodGroups[strings.ToUpper(fl.Field().String())]
}

// digitsValidator accepts values made of allowed characters that contain
// exactly n digits.
func digitsValidator(allowed string, n int) validator.Func {
	return func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		digits := 0
		for _, r := range value {
			if !strings.ContainsRune(allowed, r) {
				return false
			}
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		return digits == n
	}
}

// validationMessages maps a failed tag to a user facing message.
var validationMessages = map[string]string{
	"required":   "is required",
	"len":        "must be exactly %s characters",
	"numeric":    "must contain digits only",
	"email":      "must be a valid email address",
	"min":        "must be at least %s characters",
	"max":        "must be at most %s characters",
	"bloodgroup": "must be one of A+, A-, B+, B-, AB+, AB-, O+, O-",
	"phone10":    "must contain exactly 10 digits",
	"aadhar":     "must contain exactly 12 digits",
}

// validateStruct runs the struct tags of v and returns the first failure as
// a *ValidationError.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "request", Message: "Invalid request"}
	}

	fe := verrs[0]
	msg, ok := validationMessages[fe.Tag()]
	if !ok {
		msg = "is invalid"
	}
	if strings.Contains(msg, "%s") {
		msg = strings.Replace(msg, "%s", fe.Param(), 1)
	}

	return &ValidationError{
		Field:   fe.Field(),
		Message: humanField(fe.Field()) + " " + msg,
	}
}

// humanField turns "first_name" into "First name".
func humanField(name string) string {
	name = strings.ReplaceAll(name, "_", " ")
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// validateTOTPCode checks a second factor code is exactly six ASCII digits.
func validateTOTPCode(code string) error {
	if err := validateStruct(VerifyTOTPRequest{TOTPCode: code}); err != nil {
		return &ValidationError{Field: "totp_code", Message: "Code must be exactly 6 digits"}
	}

	// numeric accepts a leading sign and unicode digits, be strict here
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return &ValidationError{Field: "totp_code", Message: "Code must be exactly 6 digits"}
		}
	}

	return nil
}
