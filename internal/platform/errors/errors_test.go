package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeTokenExchangeFailed, "exchange code", stderrors.New("boom"))
	if !stderrors.Is(err, New(CodeTokenExchangeFailed, "other")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if stderrors.Is(err, New(CodeRevocationFailed, "other")) {
		t.Fatal("expected different codes not to match")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeStoreFailed, "put credential", stderrors.New("disk full"))
	if got := err.Error(); got != "put credential: disk full" {
		t.Fatalf("Error() = %q", got)
	}
	if got := New(CodeStateInvalid, "bad state").Error(); got != "bad state" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestCodeOfWalksChain(t *testing.T) {
	inner := New(CodeNotAuthenticated, "no credential")
	wrapped := fmt.Errorf("get token: %w", inner)

	if got := CodeOf(wrapped); got != CodeNotAuthenticated {
		t.Fatalf("CodeOf = %q, want %q", got, CodeNotAuthenticated)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %q, want UNKNOWN", got)
	}
	if HasCode(nil, CodeUnknown) {
		t.Fatal("nil error should not carry a code")
	}
}

func TestCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeStateInvalid, http.StatusBadRequest},
		{CodeNotAuthenticated, http.StatusUnauthorized},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeTokenExchangeFailed, http.StatusBadGateway},
		{CodeRevocationFailed, http.StatusBadGateway},
		{CodeStoreFailed, http.StatusInternalServerError},
		{CodeConfigurationInvalid, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestToGRPCStatus(t *testing.T) {
	err := New(CodeNotAuthenticated, "reconnect required").ToGRPCStatus()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected grpc status")
	}
	if st.Code() != codes.Unauthenticated {
		t.Fatalf("code = %v, want Unauthenticated", st.Code())
	}
	if st.Message() != "reconnect required" {
		t.Fatalf("message = %q", st.Message())
	}
}
