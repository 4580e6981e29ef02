// Package validate checks ingestion payloads before they are buffered.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ethpandaops/metricsbuffer/internal/metric"
)

// Kind is a machine-readable violation type.
type Kind string

// Violation kinds.
const (
	KindStringMin      Kind = "stringMin"
	KindStringMax      Kind = "stringMax"
	KindStringPattern  Kind = "stringPattern"
	KindArrayMin       Kind = "arrayMin"
	KindArrayMax       Kind = "arrayMax"
	KindArrayLength    Kind = "arrayLength"
	KindEnumValue      Kind = "enumValue"
	KindNumberPositive Kind = "numberPositive"
)

// Limits enforced on payloads. They mirror the struct tags on the metric
// types.
const (
	MaxNameLength     = 255
	MaxDimensions     = 30
	MaxDatumsPerInput = 1000
)

// Custom tags registered on the validator.
const (
	tagMetricName = "metricname"
	tagNamespace  = "metricnamespace"
	tagUnit       = "metricunit"
	tagCountsLen  = "countslen"
)

var (
	namePattern      = regexp.MustCompile(`^[a-zA-Z0-9_/-]+$`)
	namespacePattern = regexp.MustCompile(`^[^:].*`)

	payload = newValidator()
)

// Violation describes one failed constraint.
type Violation struct {
	Kind     Kind   `json:"type"`
	Field    string `json:"field"`
	Message  string `json:"message"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
}

// Violations is the result of validating a payload. Empty means valid.
type Violations []Violation

// Valid reports whether no constraint failed.
func (v Violations) Valid() bool { return len(v) == 0 }

// Error joins violation messages.
func (v Violations) Error() string {
	msgs := make([]string, 0, len(v))
	for _, violation := range v {
		msgs = append(msgs, violation.Message)
	}

	return strings.Join(msgs, ", ")
}

// Input validates a single payload.
func Input(in metric.Input) Violations {
	err := payload.Struct(in)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return Violations{{Kind: "invalid", Message: err.Error()}}
	}

	out := make(Violations, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, toViolation(fe))
	}

	return out
}

func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}

		return name
	})

	mustRegister(v, tagMetricName, func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, tagNamespace, func(fl validator.FieldLevel) bool {
		return namespacePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, tagUnit, func(fl validator.FieldLevel) bool {
		return metric.Unit(fl.Field().String()).Valid()
	})

	v.RegisterStructValidation(countsMatchValues, metric.Datum{})

	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// countsMatchValues requires Counts to pair one-to-one with Values when
// both are present.
func countsMatchValues(sl validator.StructLevel) {
	d, ok := sl.Current().Interface().(metric.Datum)
	if !ok || d.Values == nil || d.Counts == nil {
		return
	}

	if len(d.Values) != len(d.Counts) {
		sl.ReportError(d.Counts, "Counts", "Counts", tagCountsLen, strconv.Itoa(len(d.Values)))
	}
}

// stripPrefix drops the root struct name from a field namespace, so
// "Input.MetricData[0].Unit" becomes "MetricData[0].Unit".
func stripPrefix(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}

	return ns
}

func toViolation(fe validator.FieldError) Violation {
	field := stripPrefix(fe.Namespace())
	isString := fe.Kind() == reflect.String

	switch fe.Tag() {
	case "min":
		limit, _ := strconv.Atoi(fe.Param())
		if isString {
			return Violation{
				Kind:     KindStringMin,
				Field:    field,
				Message:  fmt.Sprintf("The '%s' field length must be greater than or equal to %d characters long.", field, limit),
				Expected: limit,
				Actual:   lengthOf(fe.Value()),
			}
		}

		return Violation{
			Kind:     KindArrayMin,
			Field:    field,
			Message:  fmt.Sprintf("The '%s' field must contain at least %d items.", field, limit),
			Expected: limit,
			Actual:   lengthOf(fe.Value()),
		}
	case "max":
		limit, _ := strconv.Atoi(fe.Param())
		if isString {
			return Violation{
				Kind:     KindStringMax,
				Field:    field,
				Message:  fmt.Sprintf("The '%s' field length must be less than or equal to %d characters long.", field, limit),
				Expected: limit,
				Actual:   lengthOf(fe.Value()),
			}
		}

		return Violation{
			Kind:     KindArrayMax,
			Field:    field,
			Message:  fmt.Sprintf("The '%s' field must contain less than or equal to %d items.", field, limit),
			Expected: limit,
			Actual:   lengthOf(fe.Value()),
		}
	case tagMetricName, tagNamespace:
		return Violation{
			Kind:    KindStringPattern,
			Field:   field,
			Message: fmt.Sprintf("The '%s' field fails to match the required pattern.", field),
			Actual:  fe.Value(),
		}
	case tagUnit:
		return Violation{
			Kind:     KindEnumValue,
			Field:    field,
			Message:  fmt.Sprintf("The '%s' field value '%v' does not match any of the allowed values.", field, fe.Value()),
			Expected: metric.Units,
			Actual:   fe.Value(),
		}
	case "gt":
		return Violation{
			Kind:    KindNumberPositive,
			Field:   field,
			Message: fmt.Sprintf("The '%s' field must be a positive number.", field),
			Actual:  fe.Value(),
		}
	case tagCountsLen:
		want, _ := strconv.Atoi(fe.Param())

		return Violation{
			Kind:     KindArrayLength,
			Field:    field,
			Message:  fmt.Sprintf("The '%s' field must contain exactly %d items.", field, want),
			Expected: want,
			Actual:   lengthOf(fe.Value()),
		}
	default:
		return Violation{
			Kind:    Kind(fe.Tag()),
			Field:   field,
			Message: fmt.Sprintf("The '%s' field failed the '%s' check.", field, fe.Tag()),
		}
	}
}

func lengthOf(v any) int {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.String:
		return len([]rune(rv.String()))
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	default:
		return 0
	}
}
