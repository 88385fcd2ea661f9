// Package validate checks decoded request payloads against their struct
// tags and reports failures as errs.ErrInvalidArgument.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/samber/lo"
)

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return val
}

func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.InvalidArgument("invalid payload")
	}

	reasons := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		switch fe.Tag() {
		case "required":
			return fe.Field() + " is required"
		case "max":
			return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
		case "min":
			return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
		case "oneof":
			return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
		default:
			return fe.Field() + " is invalid"
		}
	})

	return errs.InvalidArgument(strings.Join(lo.Uniq(reasons), "; "))
}

// Decode unmarshals raw into dst and validates it.
func Decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errs.InvalidArgument("missing data")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.InvalidArgument("malformed data")
	}

	return Struct(dst)
}
