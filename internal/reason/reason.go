package reason

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies why an operation was denied or failed.
type Code string

const (
	CodeNone               Code = ""
	CodeValidation         Code = "validation_error"
	CodeNamespaceNotFound  Code = "namespace_not_found"
	CodeProtectedNamespace Code = "protected_namespace"
	CodeAuthorization      Code = "authorization_error"
	CodePermissionCheck    Code = "permission_check_error"
	CodeCount              Code = "count_error"
	CodeLimitExceeded      Code = "limit_exceeded"
	CodeScaling            Code = "scaling_error"
	CodeRollbackIncomplete Code = "rollback_incomplete"
	CodeAdmissionBusy      Code = "admission_busy"
	CodeInternal           Code = "internal_error"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type codeInfo struct {
	status    int
	severity  Severity
	retryable bool
	hint      string
}

var codes = map[Code]codeInfo{
	CodeValidation:         {http.StatusBadRequest, SeverityWarning, false, "Check the request fields and resubmit."},
	CodeNamespaceNotFound:  {http.StatusNotFound, SeverityWarning, false, "The namespace does not exist in this cluster."},
	CodeProtectedNamespace: {http.StatusForbidden, SeverityWarning, false, "Protected namespaces are never activated or deactivated."},
	CodeAuthorization:      {http.StatusForbidden, SeverityWarning, false, "Ask a platform administrator to set up a permission for this cost center and namespace pattern."},
	CodePermissionCheck:    {http.StatusServiceUnavailable, SeverityError, true, "The permission store is unavailable, retry later."},
	CodeCount:              {http.StatusServiceUnavailable, SeverityError, true, "Active namespaces could not be counted, retry later."},
	CodeLimitExceeded:      {http.StatusTooManyRequests, SeverityWarning, true, "Deactivate another namespace or wait for business hours."},
	CodeScaling:            {http.StatusBadGateway, SeverityError, true, "A workload could not be scaled; already scaled workloads were reverted."},
	CodeRollbackIncomplete: {http.StatusInternalServerError, SeverityCritical, false, "Some workloads could not be reverted. Operator follow-up is required."},
	CodeAdmissionBusy:      {http.StatusConflict, SeverityWarning, true, "Another request for this cost center is in progress, retry shortly."},
	CodeInternal:           {http.StatusInternalServerError, SeverityError, true, ""},
}

// HTTPStatus maps a code to the status the API answers with.
func (c Code) HTTPStatus() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusOK
}

func (c Code) Severity() Severity {
	if info, ok := codes[c]; ok {
		return info.severity
	}
	return SeverityInfo
}

// Retryable reports whether resubmitting the same request can succeed without
// any configuration change.
func (c Code) Retryable() bool {
	if info, ok := codes[c]; ok {
		return info.retryable
	}
	return false
}

func (c Code) Hint() string {
	return codes[c].hint
}

// Error is a terminal failure carrying its reason code.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error without a cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error wrapping err.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the reason code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}
