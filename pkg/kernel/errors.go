package kernel

import (
	"errors"

	"github.com/zos-labs/zos/core/pkg/axiom"
)

// Kernel error taxonomy. Authorization errors are aliases of the gate's
// sentinels so callers can match either way. The kernel never panics on
// user-triggered conditions; every one of these becomes a typed syscall
// result.
var (
	ErrProcessNotFound  = errors.New("process not found")
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrWouldBlock       = errors.New("would block")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrInvalidRequest   = errors.New("invalid request")

	ErrInvalidCapability = axiom.ErrInvalidCapability
	ErrPermissionDenied  = axiom.ErrPermissionDenied
)

// Stable error codes recorded in syscall response commits. Replay
// compares these byte-for-byte, so the strings are ABI.
const (
	codeProcessNotFound   = "PROCESS_NOT_FOUND"
	codeEndpointNotFound  = "ENDPOINT_NOT_FOUND"
	codeInvalidCapability = "INVALID_CAPABILITY"
	codePermissionDenied  = "PERMISSION_DENIED"
	codeWouldBlock        = "WOULD_BLOCK"
	codeQuotaExceeded     = "QUOTA_EXCEEDED"
	codeMessageTooLarge   = "MESSAGE_TOO_LARGE"
	codeInvalidRequest    = "INVALID_REQUEST"
)

var errCodes = []struct {
	err  error
	code string
}{
	{ErrProcessNotFound, codeProcessNotFound},
	{ErrEndpointNotFound, codeEndpointNotFound},
	{ErrInvalidCapability, codeInvalidCapability},
	{ErrPermissionDenied, codePermissionDenied},
	{ErrWouldBlock, codeWouldBlock},
	{ErrQuotaExceeded, codeQuotaExceeded},
	{ErrMessageTooLarge, codeMessageTooLarge},
	{ErrInvalidRequest, codeInvalidRequest},
}

// errorCode maps a kernel error to its stable code.
func errorCode(err error) string {
	for _, ec := range errCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL"
}
