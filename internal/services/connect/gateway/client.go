package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
	"github.com/louisbranch/nyra/internal/services/connect/credential"
)

// Option customizes a gateway client.
type Option func(*options)

type options struct {
	base     http.RoundTripper
	endpoint string
}

// WithBaseTransport sets the transport used under token injection.
func WithBaseTransport(base http.RoundTripper) Option {
	return func(o *options) {
		o.base = base
	}
}

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = strings.TrimSpace(endpoint)
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// clientOptions returns API client options that authenticate as userID.
func (o options) clientOptions(tokens TokenSource, userID string) []option.ClientOption {
	httpClient := &http.Client{Transport: &Transport{Tokens: tokens, UserID: userID, Base: o.base}}
	out := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if o.endpoint != "" {
		out = append(out, option.WithEndpoint(o.endpoint))
	}
	return out
}

func requireUser(raw string) (string, error) {
	userID, err := credential.NormalizeUserID(raw)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, "user id is required", err)
	}
	return userID, nil
}

// mapError converts a downstream failure into a domain error. Errors that
// already carry a domain code, such as NOT_AUTHENTICATED from the
// transport, pass through.
func mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if domainErr, ok := domainError(err); ok {
		return domainErr
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return apperrors.Wrap(apperrors.CodeDownstreamFailed, operation, err)
	}

	code := apperrors.CodeDownstreamFailed
	switch apiErr.Code {
	case http.StatusUnauthorized:
		code = apperrors.CodeNotAuthenticated
	case http.StatusForbidden:
		code = apperrors.CodePermissionDenied
	}
	return &apperrors.Error{
		Code:    code,
		Message: fmt.Sprintf("%s: downstream status %d", operation, apiErr.Code),
		Metadata: map[string]string{
			"status_code": strconv.Itoa(apiErr.Code),
		},
		Cause: err,
	}
}
