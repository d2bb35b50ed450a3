package chat

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"messaging-core/internal/convkey"
	"messaging-core/internal/errs"
)

// RegisterValidators adds the "userid" rule to v. It is used by the services and by gin's
// binding engine so both reject the same identifiers.
func RegisterValidators(v *validator.Validate) error {
	return v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return convkey.ValidateID(fl.Field().String()) == nil
	})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := RegisterValidators(v); err != nil {
		panic(err)
	}
	return v
}

// validationError turns validator output into an errs.ErrValidation chain.
func validationError(err error) error {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return errs.Validation("request", err.Error())
	}
	fe := fields[0]
	switch fe.Tag() {
	case "required":
		return errs.Validation(fe.Field(), "is required")
	case "userid":
		return errs.Validation(fe.Field(), "is not a valid user id")
	case "nefield":
		return errs.Validation(fe.Field(), "must differ from "+fe.Param())
	default:
		return errs.Validation(fe.Field(), "failed "+fe.Tag())
	}
}
