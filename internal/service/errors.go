package service

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"connectrpc.com/connect"
	"github.com/go-playground/validator/v10"

	"github.com/mmynk/tontine/internal/apperr"
)

// ErrorCodeHeader carries the stable domain error code, e.g. INSUFFICIENT_FUNDS.
const ErrorCodeHeader = "Tontine-Error-Code"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest checks a request's struct tags.
func validateRequest(msg any) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
		}
	}
	return toConnectError("", apperr.Validation("%s", strings.Join(problems, "; ")))
}

// toConnectError maps a domain error to a Connect error with a short message
// and the domain code in ErrorCodeHeader. Invariant violations and foreign
// errors are defects: they are logged in full and surface as Internal.
func toConnectError(procedure string, err error) error {
	e, ok := apperr.As(err)
	if !ok {
		slog.Error("Unexpected error", "procedure", procedure, "error", err)
		return connect.NewError(connect.CodeInternal, errors.New("internal error"))
	}

	var code connect.Code
	switch e.Kind {
	case apperr.KindValidation:
		code = connect.CodeInvalidArgument
	case apperr.KindInsufficientFunds, apperr.KindQuorumNotMet, apperr.KindFailedPrecondition:
		code = connect.CodeFailedPrecondition
	case apperr.KindDuplicate:
		code = connect.CodeAlreadyExists
	case apperr.KindAuthorization:
		code = connect.CodePermissionDenied
	case apperr.KindNotFound:
		code = connect.CodeNotFound
	default:
		slog.Error("Invariant violation", "procedure", procedure, "code", e.Code, "error", err)
		cerr := connect.NewError(connect.CodeInternal, errors.New("internal error"))
		cerr.Meta().Set(ErrorCodeHeader, e.Code)
		return cerr
	}

	cerr := connect.NewError(code, errors.New(e.Message))
	cerr.Meta().Set(ErrorCodeHeader, e.Code)
	return cerr
}
