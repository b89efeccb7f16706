package envelope

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind names the failure classes that cross the gateway boundary.
// Upstream unavailability is absorbed before it reaches this layer.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindAuthorization     Kind = "AUTHORIZATION"
	KindNotFound          Kind = "ACTION_NOT_FOUND"
	KindDisabled          Kind = "ACTION_DISABLED"
	KindHandlerInvocation Kind = "HANDLER_INVOCATION"
)

func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization, KindDisabled:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindHandlerInvocation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Fail(kind Kind, msg string) Response {
	return Error(kind.Status(), msg)
}

// MissingParams lists the keys in the order the action declares them.
func MissingParams(missing []string) Response {
	return Fail(KindValidation, "missing required param(s): "+strings.Join(missing, ", "))
}

func NotFound(actionID string) Response {
	return Fail(KindNotFound, fmt.Sprintf("action '%s' not found in catalog", actionID))
}

func Disabled(actionID string) Response {
	return Fail(KindDisabled, fmt.Sprintf("action '%s' is currently disabled", actionID))
}

func HandlerFailed(err error) Response {
	return Fail(KindHandlerInvocation, err.Error())
}
