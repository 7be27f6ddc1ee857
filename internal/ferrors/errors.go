// Package ferrors defines the tagged error taxonomy shared by the file-sync
// engine. Each kind is a concrete struct implementing error and Unwrap, so
// callers use errors.As instead of sentinel comparison or type switches over
// an exception hierarchy.
package ferrors

import "fmt"

// FileNotFoundError is returned when a read or download targets an absent
// byte-store entry, local or remote.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// IsRetryable is always false: the object is gone, retrying won't help.
func (e *FileNotFoundError) IsRetryable() bool { return false }

// StorageError wraps a local filesystem I/O failure.
type StorageError struct {
	Cause error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %v", e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

// UploadError wraps a remote upload failure. Retryable reflects whether the
// executor should retry with backoff (5xx, transport errors) or give up
// immediately (4xx).
type UploadError struct {
	Cause     error
	FileID    string
	Retryable bool
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.FileID, e.Cause)
}
func (e *UploadError) Unwrap() error     { return e.Cause }
func (e *UploadError) IsRetryable() bool { return e.Retryable }

// DownloadError wraps a remote download failure.
type DownloadError struct {
	Cause     error
	URL       string
	Retryable bool
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Cause)
}
func (e *DownloadError) Unwrap() error     { return e.Cause }
func (e *DownloadError) IsRetryable() bool { return e.Retryable }

// HashError wraps a hashing failure.
type HashError struct {
	Cause error
}

func (e *HashError) Error() string { return fmt.Sprintf("hash: %v", e.Cause) }
func (e *HashError) Unwrap() error { return e.Cause }

// AuthError represents a 401/403 from the signer.
type AuthError struct {
	Code string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error: %s", e.Code) }
