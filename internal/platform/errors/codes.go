// Package errors provides structured error handling for connect services.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	CodeConfigurationInvalid Code = "CONFIGURATION_INVALID"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeStateInvalid         Code = "STATE_INVALID"
	CodePermissionDenied     Code = "PERMISSION_DENIED"

	// Provider errors
	CodeTokenExchangeFailed Code = "TOKEN_EXCHANGE_FAILED"
	CodeRevocationFailed    Code = "REVOCATION_FAILED"
	CodeDownstreamFailed    Code = "DOWNSTREAM_FAILED"

	// Credential errors
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"

	// Storage errors
	CodeNotFound    Code = "NOT_FOUND"
	CodeStoreFailed Code = "STORE_FAILED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeStateInvalid:
		return http.StatusBadRequest
	case CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTokenExchangeFailed, CodeRevocationFailed, CodeDownstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument, CodeStateInvalid:
		return codes.InvalidArgument
	case CodeNotAuthenticated:
		return codes.Unauthenticated
	case CodePermissionDenied:
		return codes.PermissionDenied
	case CodeNotFound:
		return codes.NotFound
	case CodeTokenExchangeFailed, CodeRevocationFailed, CodeDownstreamFailed:
		return codes.Unavailable
	case CodeConfigurationInvalid:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
