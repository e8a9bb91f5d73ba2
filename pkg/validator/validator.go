// Package validator checks command structs before they reach an aggregate.
package validator

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	pkgerrors "txprocessor/pkg/errors"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

// Validate returns an ErrInvalid domain error naming every failed field.
func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"Field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return pkgerrors.Invalid("validation failed: %s", strings.Join(errMessages, "; "))
		}
		return pkgerrors.Invalid("validation failed: %v", err)
	}
	return nil
}

func (v *Validator) registerCustomValidations() {
	// decimal.Decimal validates as float64 for required/gt/lt checks
	v.validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if val, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := val.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// uuid.UUID validates as its string form so uuid.Nil fails "required"
	v.validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if val, ok := field.Interface().(uuid.UUID); ok && val != uuid.Nil {
			return val.String()
		}
		return ""
	}, uuid.UUID{})

	_ = v.validate.RegisterValidation("txnumber", func(fl validator.FieldLevel) bool {
		_, err := strconv.Atoi(strings.TrimSpace(fl.Field().String()))
		return err == nil
	})
}
