// Package filestore implements credentials.Store over a YAML user database.
//
// A single worker goroutine owns the file and the parsed database. Every read,
// update and reload is queued to it in FIFO order, so a password update is never
// interleaved with a concurrent read and readers observe either the old or the new
// complete record. Digest computation and verification run outside the worker.
//
// A successful check against a digest weaker than the configured policy queues a
// re-digest of the same password; the write only lands if the stored digest is
// still the one that was verified.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/MrEthical07/authgate/credentials"
	"github.com/MrEthical07/authgate/password"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("file store closed")

const rehashTimeout = 30 * time.Second

type fileUser struct {
	DisplayName string   `yaml:"displayname,omitempty"`
	Password    string   `yaml:"password"`
	Email       string   `yaml:"email,omitempty"`
	Emails      []string `yaml:"emails,omitempty"`
	Groups      []string `yaml:"groups,omitempty"`
}

type fileDatabase struct {
	Users map[string]fileUser `yaml:"users"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for reload and write diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHasher sets the hasher used by UpdatePassword, by the rehash check and
// for the plaintext length limit.
func WithHasher(h *password.Hasher) Option {
	return func(s *Store) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithRehash toggles upgrading weak digests after a successful check.
func WithRehash(enabled bool) Option {
	return func(s *Store) {
		s.rehash = enabled
	}
}

// WithWatch toggles reloading the database when the file changes on disk.
func WithWatch(enabled bool) Option {
	return func(s *Store) {
		s.watch = enabled
	}
}

// Store is a YAML-backed credentials.Store.
type Store struct {
	path   string
	hasher *password.Hasher
	logger *zap.Logger
	watch  bool
	rehash bool

	ops       chan func()
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	watcher   *fsnotify.Watcher

	rehashMu sync.Mutex
	rehashes sync.WaitGroup
	closing  bool

	// unknown is verified against when the user does not exist so that the
	// answer costs the same as a wrong password.
	unknownOnce sync.Once
	unknown     string

	// db is only touched by the worker goroutine.
	db *fileDatabase
}

var _ credentials.Store = (*Store)(nil)

// Open loads path and starts the worker. The file must exist and parse.
func Open(path string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:    abs,
		logger:  zap.NewNop(),
		watch:   true,
		rehash:  true,
		ops:     make(chan func()),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasher == nil {
		h, err := password.New(password.DefaultConfig())
		if err != nil {
			return nil, err
		}
		s.hasher = h
	}

	db, err := readDatabase(s.path)
	if err != nil {
		return nil, err
	}
	s.db = db

	s.wg.Add(1)
	go s.run()

	if s.watch {
		if err := s.startWatcher(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) run() {
	defer s.wg.Done()

	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.done:
			return
		}
	}
}

// submit hands fn to the worker and blocks until it has run. The ops channel is
// unbuffered, so once the send succeeds the worker owns fn and will complete it.
func (s *Store) submit(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.ops <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}

	<-finished
	return nil
}

func (s *Store) lookup(ctx context.Context, username string) (fileUser, error) {
	var (
		user  fileUser
		found bool
	)
	if err := s.submit(ctx, func() {
		user, found = s.db.Users[username]
	}); err != nil {
		return fileUser{}, mapSubmitError(err)
	}
	if !found {
		return fileUser{}, credentials.ErrNotFound
	}
	return user, nil
}

// ResolveUsername returns input when it names a user. Keys are matched
// exactly.
func (s *Store) ResolveUsername(ctx context.Context, input string) (string, error) {
	if _, err := s.lookup(ctx, input); err != nil {
		return "", err
	}
	return input, nil
}

// CheckPassword verifies password against the stored digest of username. An
// unknown user is checked against a throwaway digest of the configured cost
// before ErrNotFound is returned.
func (s *Store) CheckPassword(ctx context.Context, username, pw string) (*credentials.Details, error) {
	user, err := s.lookup(ctx, username)
	if errors.Is(err, credentials.ErrNotFound) {
		_, _ = s.hasher.Check(pw, s.unknownDigest())
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if user.Password == "" {
		return nil, credentials.ErrMalformedRecord
	}

	ok, err := s.hasher.Check(pw, user.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credentials.ErrMalformedRecord, err)
	}
	if !ok {
		return nil, credentials.ErrBadCredential
	}

	if s.rehash && s.hasher.NeedsRehash(user.Password) {
		s.queueRehash(username, user.Password, pw)
	}

	return &credentials.Details{
		Username:    username,
		DisplayName: user.DisplayName,
		Emails:      emailsOf(user),
		Groups:      groupsOf(user),
	}, nil
}

func (s *Store) unknownDigest() string {
	s.unknownOnce.Do(func() {
		d, err := s.hasher.Hash("unknown-user")
		if err != nil {
			s.logger.Warn("unable to prepare unknown user digest", zap.Error(err))
			return
		}
		s.unknown = d
	})
	return s.unknown
}

// queueRehash digests pw under the current policy and swaps it in for oldDigest.
// A password changed in the meantime is left alone.
func (s *Store) queueRehash(username, oldDigest, pw string) {
	s.rehashMu.Lock()
	defer s.rehashMu.Unlock()
	if s.closing {
		return
	}

	s.rehashes.Add(1)
	go func() {
		defer s.rehashes.Done()

		digest, err := s.hasher.Hash(pw)
		if err != nil {
			s.logger.Warn("password rehash failed", zap.String("username", username), zap.Error(err))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), rehashTimeout)
		defer cancel()

		var (
			opErr   error
			skipped bool
		)
		if err := s.submit(ctx, func() {
			user, ok := s.db.Users[username]
			if !ok || user.Password != oldDigest {
				skipped = true
				return
			}
			next := s.db.clone()
			user.Password = digest
			next.Users[username] = user
			if err := writeDatabase(s.path, next); err != nil {
				opErr = err
				return
			}
			s.db = next
		}); err != nil {
			opErr = err
		}

		switch {
		case opErr != nil:
			s.logger.Warn("password rehash not persisted", zap.String("username", username), zap.Error(opErr))
		case skipped:
			s.logger.Debug("password changed before rehash, skipping", zap.String("username", username))
		default:
			s.logger.Info("password digest upgraded", zap.String("username", username))
		}
	}()
}

// GetEmails returns the addresses of username, or ErrNoEmail when there are none.
func (s *Store) GetEmails(ctx context.Context, username string) ([]string, error) {
	user, err := s.lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	emails := emailsOf(user)
	if len(emails) == 0 {
		return nil, credentials.ErrNoEmail
	}
	return emails, nil
}

// GetGroups returns the groups of username. A user without groups yields an empty slice.
func (s *Store) GetGroups(ctx context.Context, username string) ([]string, error) {
	user, err := s.lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	return groupsOf(user), nil
}

// UpdatePassword replaces the digest of username and persists the database with a
// temp-file rename. The in-memory database is swapped only after the rename succeeds.
func (s *Store) UpdatePassword(ctx context.Context, username, newPassword string) error {
	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	var opErr error
	if err := s.submit(ctx, func() {
		user, ok := s.db.Users[username]
		if !ok {
			opErr = credentials.ErrNotFound
			return
		}

		next := s.db.clone()
		user.Password = digest
		next.Users[username] = user

		if err := writeDatabase(s.path, next); err != nil {
			opErr = fmt.Errorf("%w: %v", credentials.ErrBackendUnavailable, err)
			return
		}
		s.db = next
	}); err != nil {
		return mapSubmitError(err)
	}
	if opErr != nil {
		s.logger.Warn("password update failed", zap.String("username", username), zap.Error(opErr))
		return opErr
	}

	s.logger.Info("password updated", zap.String("username", username))
	return nil
}

// Reload re-reads the file. On a parse failure the previous database is kept.
func (s *Store) Reload(ctx context.Context) error {
	var opErr error
	if err := s.submit(ctx, func() {
		db, err := readDatabase(s.path)
		if err != nil {
			opErr = err
			return
		}
		s.db = db
	}); err != nil {
		return mapSubmitError(err)
	}
	if opErr != nil {
		s.logger.Warn("user database reload failed, keeping previous contents",
			zap.String("path", s.path), zap.Error(opErr))
		return opErr
	}

	s.logger.Debug("user database reloaded", zap.String("path", s.path))
	return nil
}

// Close stops the watcher and the worker. It is idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.rehashMu.Lock()
		s.closing = true
		s.rehashMu.Unlock()
		s.rehashes.Wait()
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		close(s.done)
		s.wg.Wait()
	})
	return err
}

func mapSubmitError(err error) error {
	if errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", credentials.ErrBackendUnavailable, err)
	}
	return err
}

func emailsOf(u fileUser) []string {
	out := make([]string, 0, len(u.Emails)+1)
	seen := make(map[string]struct{}, len(u.Emails)+1)
	add := func(e string) {
		if e == "" {
			return
		}
		if _, ok := seen[e]; ok {
			return
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	add(u.Email)
	for _, e := range u.Emails {
		add(e)
	}
	return out
}

func groupsOf(u fileUser) []string {
	out := make([]string, 0, len(u.Groups))
	out = append(out, u.Groups...)
	sort.Strings(out)
	return out
}

func (db *fileDatabase) clone() *fileDatabase {
	next := &fileDatabase{Users: make(map[string]fileUser, len(db.Users))}
	for name, u := range db.Users {
		next.Users[name] = u
	}
	return next
}

func readDatabase(path string) (*fileDatabase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credentials.ErrBackendUnavailable, err)
	}

	// A truncated file seen mid-write must not wipe the database.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("parse user database: empty file")
	}

	var db fileDatabase
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("parse user database: %w", err)
	}
	if db.Users == nil {
		db.Users = map[string]fileUser{}
	}
	return &db, nil
}

func writeDatabase(path string, db *fileDatabase) error {
	data, err := yaml.Marshal(db)
	if err != nil {
		return err
	}

	mode := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".users-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
