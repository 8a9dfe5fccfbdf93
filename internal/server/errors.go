package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/matt-riley/lldrules/internal/service"
	"github.com/matt-riley/lldrules/internal/validation"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errorDomain = "lldrules"

var errJSONBodyTooLarge = errors.New("json request body too large")

// apiError is the transport-neutral rendering of a failed call.
type apiError struct {
	httpStatus int
	code       codes.Code
	kind       string
	message    string
}

func classify(err error) apiError {
	if verr, ok := validation.As(err); ok {
		out := apiError{
			httpStatus: http.StatusBadRequest,
			code:       codes.InvalidArgument,
			kind:       string(verr.Kind),
			message:    verr.Error(),
		}
		switch {
		case verr.Kind == validation.KindReferentialIntegrity && verr.Path == "":
			out.httpStatus, out.code = http.StatusForbidden, codes.PermissionDenied
		case verr.Kind == validation.KindUniqueness:
			out.httpStatus, out.code = http.StatusConflict, codes.AlreadyExists
		case verr.Kind == validation.KindNamedDependency:
			out.httpStatus, out.code = http.StatusConflict, codes.FailedPrecondition
		}
		return out
	}

	switch {
	case errors.Is(err, errJSONBodyTooLarge):
		return apiError{http.StatusRequestEntityTooLarge, codes.InvalidArgument, "", "request body too large"}
	case errors.Is(err, errInvalidJSON):
		return apiError{http.StatusBadRequest, codes.InvalidArgument, "", "invalid JSON body"}
	case errors.Is(err, service.ErrRuleNotFound):
		return apiError{http.StatusNotFound, codes.NotFound, "", "discovery rule not found"}
	case errors.Is(err, context.Canceled):
		return apiError{http.StatusRequestTimeout, codes.Canceled, "", "request canceled"}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, codes.DeadlineExceeded, "", "deadline exceeded"}
	default:
		return apiError{http.StatusInternalServerError, codes.Internal, "", "internal server error"}
	}
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	classified := classify(err)
	st := status.New(classified.code, classified.message)
	if classified.kind == "" {
		return st.Err()
	}
	detailed, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: classified.kind,
		Domain: errorDomain,
	})
	if detailErr != nil {
		return st.Err()
	}
	return detailed.Err()
}

func writeServiceError(w http.ResponseWriter, err error) {
	classified := classify(err)
	body := map[string]string{"error": classified.message}
	if classified.kind != "" {
		body["kind"] = classified.kind
	}
	writeJSON(w, classified.httpStatus, body)
}
