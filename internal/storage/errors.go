package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"assetxfer/internal/transfer"

	"github.com/minio/minio-go/v7"
)

// classify maps a raw object-store error onto a transfer error kind.
// Errors that fit no kind are returned wrapped but unclassified.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.Canceled):
		return transfer.NewError(transfer.KindCanceled, op, err).WithKey(key)
	case errors.Is(err, context.DeadlineExceeded):
		return transfer.NewError(transfer.KindNetwork, op, err).WithKey(key)
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchUpload", "EntityTooSmall", "InvalidPart", "InvalidPartOrder":
		// The upload cannot be completed as planned; start over with a fresh one
		return transfer.NewError(transfer.KindRemoteSessionInvalid, op, err).WithKey(key)
	case "ExpiredToken", "InvalidToken", "TokenRefreshRequired", "InvalidAccessKeyId":
		return transfer.NewError(transfer.KindAuthExpired, op, err).WithKey(key)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return transfer.NewError(transfer.KindNetwork, op, err).WithKey(key)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return transfer.NewError(transfer.KindNetwork, op, err).WithKey(key)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return transfer.NewError(transfer.KindNetwork, op, err).WithKey(key)
	}

	if isTransientMessage(err) {
		return transfer.NewError(transfer.KindNetwork, op, err).WithKey(key)
	}

	return fmt.Errorf("%s %s: %w", op, key, err)
}

// isTransientMessage recognizes transient failures that surface only as text
func isTransientMessage(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "broken pipe") ||
		// HTTP 5xx server errors
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}
