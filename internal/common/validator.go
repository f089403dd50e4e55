package common

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator"
)

// ValidationError lists the request fields that failed their validate tags,
// named as they appear in the JSON body.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Fields, ", ")
}

// RequestValidator is the echo.Validator for request DTOs.
type RequestValidator struct {
	once     sync.Once
	validate *validator.Validate
}

func (rv *RequestValidator) init() {
	rv.validate = validator.New()
	rv.validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
}

func (rv *RequestValidator) Validate(i interface{}) error {
	rv.once.Do(rv.init)
	err := rv.validate.Struct(i)
	if err == nil {
		return nil
	}
	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	fields := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		fields = append(fields, describeFieldError(fe))
	}
	return &ValidationError{Fields: fields}
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s long", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag())
	}
}
