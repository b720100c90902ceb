// Package credentials defines the first-factor credential backend contract.
//
// Two implementations live in sub packages: filestore (a YAML user database guarded
// by a single FIFO worker) and ldapstore (a directory-protocol backend). Both return
// the fine-grained errors declared here; the engine collapses them before anything
// reaches a caller.
package credentials

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the user does not exist in the backend.
	ErrNotFound = errors.New("user not found")
	// ErrBadCredential means the supplied password does not match.
	ErrBadCredential = errors.New("bad credential")
	// ErrMalformedRecord means the stored record cannot be used, for example a missing or unparsable digest.
	ErrMalformedRecord = errors.New("malformed credential record")
	// ErrNoEmail means the user exists but has no email address.
	ErrNoEmail = errors.New("user has no email")
	// ErrBackendUnavailable means the backing file or directory could not be reached.
	ErrBackendUnavailable = errors.New("credential backend unavailable")
)

// Details is what a successful password check yields.
type Details struct {
	Username    string
	DisplayName string
	Emails      []string
	Groups      []string
}

// Store is implemented by every credential backend.
//
// ResolveUsername maps what a user typed (any spelling the backend accepts,
// such as a differently cased uid or a mail address) to the one canonical
// username that Details.Username reports for the same account. It returns
// ErrNotFound when nothing matches. CheckPassword returns ErrNotFound, ErrBadCredential, ErrMalformedRecord or
// ErrBackendUnavailable. GetGroups never fails for a known user without groups; it
// returns an empty slice. UpdatePassword must never expose a partially written
// record to concurrent readers.
type Store interface {
	ResolveUsername(ctx context.Context, input string) (string, error)
	CheckPassword(ctx context.Context, username, password string) (*Details, error)
	GetEmails(ctx context.Context, username string) ([]string, error)
	GetGroups(ctx context.Context, username string) ([]string, error)
	UpdatePassword(ctx context.Context, username, newPassword string) error
	Close() error
}

// IsTransient reports whether err means the backend could not answer, as opposed to
// a definitive negative answer about the credential.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
