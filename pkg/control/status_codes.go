package control

import (
	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && errors.TypeOf(err) == "" {
		return err
	}

	code := codes.Internal
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeProtocol:
		code = codes.InvalidArgument
	case errors.ErrorTypeNotFound:
		code = codes.NotFound
	case errors.ErrorTypeConflict, errors.ErrorTypeConfiguration:
		code = codes.FailedPrecondition
	case errors.ErrorTypeTimeout:
		code = codes.DeadlineExceeded
	case errors.ErrorTypeCancelled:
		code = codes.Canceled
	case errors.ErrorTypeIO:
		code = codes.Unavailable
	}
	return status.Error(code, errors.MessageOf(err))
}

func fromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.NewNetworkError("control request failed", err)
	}

	switch st.Code() {
	case codes.InvalidArgument:
		return errors.NewProtocolError(st.Message(), nil)
	case codes.NotFound:
		return errors.NewNotFoundError(st.Message(), nil)
	case codes.FailedPrecondition:
		return errors.NewConflictError(st.Message(), nil)
	case codes.DeadlineExceeded:
		return errors.NewTimeoutError(st.Message(), nil)
	case codes.Canceled:
		return errors.NewCancelledError(st.Message(), nil)
	case codes.Unavailable:
		return errors.NewNetworkError(st.Message(), nil)
	default:
		return errors.NewInternalError(st.Message(), nil)
	}
}
