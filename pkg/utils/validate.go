package utils

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/pkg/errors"
)

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the struct tags on value and returns an invalid_input error
// naming the first failing field.
func Validate[T any](value T) (T, error) {
	if err := validate.Struct(value); err != nil {
		return value, ValidationError(err)
	}

	return value, nil
}

// ValidationError converts validator errors into a single invalid_input error.
// Every failure is listed in the message; Field is the first one.
func ValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errors.New(errors.KindInvalidInput, err.Error())
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.InvalidField(fieldPath(verrs[0]), strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fieldPath(fe)
	if fe.Param() == "" {
		return fmt.Sprintf("%s failed rule '%s'", field, fe.Tag())
	}
	return fmt.Sprintf("%s failed rule '%s=%s'", field, fe.Tag(), fe.Param())
}

// fieldPath drops the root struct name: "IngestRequest.patients[0].email" -> "patients[0].email".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
