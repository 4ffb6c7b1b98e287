// Package ferrors implements the agent's error taxonomy: every failure
// that crosses a component boundary carries a Kind and a dot-joined code
// path suitable for cloud reporting, plus an optional cause chain,
// instead of an ad hoc error string.
package ferrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the error kinds from the taxonomy table.
type Kind string

const (
	KindRecipeParse           Kind = "RECIPE_PARSE_ERROR"
	KindVersionConflict       Kind = "COMPONENT_VERSION_CONFLICT"
	KindArtifactFetchFailed   Kind = "ARTIFACT_FETCH_FAILED"
	KindDigestMismatch        Kind = "ARTIFACT_DIGEST_MISMATCH"
	KindStartupTimeout        Kind = "STARTUP_TIMEOUT"
	KindRunFailure            Kind = "RUN_FAILURE"
	KindValidationRejected    Kind = "VALIDATION_REJECTED"
	KindSafeUpdateAborted     Kind = "SAFE_UPDATE_ABORTED"
	KindPlatformSpawn         Kind = "PLATFORM_SPAWN_ERROR"
	KindIPCError              Kind = "IPC_ERROR"
	KindConfigWriteRejected   Kind = "CONFIG_WRITE_REJECTED"
	KindDeploymentInvalid     Kind = "DEPLOYMENT_DOCUMENT_INVALID"
	KindPlanCycle             Kind = "PLAN_CYCLE"
	KindMultipleNucleus       Kind = "MULTIPLE_NUCLEUS_RESOLVED"
	KindInvalidRecipe         Kind = "INVALID_RECIPE"
)

// Error is a structured error with a Kind, a reporting code path, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Path    []string // additional path segments appended after Kind, e.g. {"S3_ACCESS_DENIED"}
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// CodePath renders the full cloud-reportable path, e.g.
// "DEPLOYMENT_FAILURE.ARTIFACT_DOWNLOAD_ERROR.S3_ACCESS_DENIED".
func (e *Error) CodePath() string {
	parts := append([]string{string(e.Kind)}, e.Path...)
	return strings.Join(parts, ".")
}

// New creates an Error of the given kind.
func New(kind Kind, message string, path ...string) *Error {
	return &Error{Kind: kind, Message: message, Path: path}
}

// Wrap creates an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, message string, path ...string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Path: path}
}

// Is reports whether err (or something it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}

// KindOf extracts the Kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Retryable reports whether a failure of this kind is worth retrying at the
// call site. Only ARTIFACT_FETCH_FAILED is conditionally retryable, and the
// caller must additionally check the error's own Retryable flag (carried by
// the artifact.FetchError that an error of this Kind wraps).
func Retryable(k Kind) bool {
	return k == KindArtifactFetchFailed
}
