// Package ldapstore implements credentials.Store against a directory server.
//
// An administrative connection is kept open for searches and password changes. It
// is re-established when it is missing or closing, and an operation that fails with
// a network error is retried once on a fresh connection. Each password check binds
// on a dedicated connection that is closed afterwards.
package ldapstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authgate/credentials"
	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// Password change modes.
const (
	PasswordModifyExop    = "exop"
	PasswordModifyReplace = "replace"
)

const (
	inputPlaceholder    = "{input}"
	dnPlaceholder       = "{dn}"
	usernamePlaceholder = "{username}"
)

// Config describes the directory layout and the administrative bind.
type Config struct {
	URL           string
	StartTLS      bool
	TLSSkipVerify bool
	Timeout       time.Duration

	BaseDN             string
	AdditionalUsersDN  string
	AdditionalGroupsDN string

	// UsersFilter must contain {input}, replaced by the escaped username.
	UsersFilter string
	// GroupsFilter may reference {dn} and {username} of the matched user.
	GroupsFilter string

	UsernameAttribute    string
	MailAttribute        string
	DisplayNameAttribute string
	GroupNameAttribute   string

	User     string
	Password string

	PasswordModifyMode string
}

// DefaultConfig returns an OpenLDAP-style layout.
func DefaultConfig() Config {
	return Config{
		Timeout:              5 * time.Second,
		UsersFilter:          "(&(|(uid={input})(mail={input}))(objectClass=person))",
		GroupsFilter:         "(&(member={dn})(objectClass=groupOfNames))",
		UsernameAttribute:    "uid",
		MailAttribute:        "mail",
		DisplayNameAttribute: "displayName",
		GroupNameAttribute:   "cn",
		PasswordModifyMode:   PasswordModifyExop,
	}
}

// Validate checks the fields the store cannot default.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("ldap url must be set")
	}
	if c.BaseDN == "" {
		return errors.New("ldap base dn must be set")
	}
	if !strings.Contains(c.UsersFilter, inputPlaceholder) {
		return fmt.Errorf("ldap users filter must contain %s", inputPlaceholder)
	}
	if c.PasswordModifyMode != PasswordModifyExop && c.PasswordModifyMode != PasswordModifyReplace {
		return fmt.Errorf("ldap password modify mode %q is not supported", c.PasswordModifyMode)
	}
	return nil
}

// Option configures a Store.
type Option func(*Store)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option {
	return func(s *Store) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is a directory-backed credentials.Store.
type Store struct {
	cfg    Config
	dialer Dialer
	logger *zap.Logger

	mu    sync.Mutex
	admin Conn
}

var _ credentials.Store = (*Store)(nil)

type profile struct {
	DN          string
	Username    string
	DisplayName string
	Emails      []string
}

// New builds a Store. No connection is opened until the first operation.
func New(cfg Config, opts ...Option) (*Store, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UsersFilter == "" {
		cfg.UsersFilter = def.UsersFilter
	}
	if cfg.GroupsFilter == "" {
		cfg.GroupsFilter = def.GroupsFilter
	}
	if cfg.UsernameAttribute == "" {
		cfg.UsernameAttribute = def.UsernameAttribute
	}
	if cfg.MailAttribute == "" {
		cfg.MailAttribute = def.MailAttribute
	}
	if cfg.DisplayNameAttribute == "" {
		cfg.DisplayNameAttribute = def.DisplayNameAttribute
	}
	if cfg.GroupNameAttribute == "" {
		cfg.GroupNameAttribute = def.GroupNameAttribute
	}
	if cfg.PasswordModifyMode == "" {
		cfg.PasswordModifyMode = def.PasswordModifyMode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, logger: zap.NewNop()}
	s.dialer = netDialer{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ResolveUsername runs the users filter for input and returns the username
// attribute of the single matching entry.
func (s *Store) ResolveUsername(ctx context.Context, input string) (string, error) {
	p, err := s.findProfile(ctx, input)
	if err != nil {
		return "", err
	}
	return p.Username, nil
}

// CheckPassword resolves username to a DN and binds as that DN.
func (s *Store) CheckPassword(ctx context.Context, username, password string) (*credentials.Details, error) {
	// An empty password would turn into an unauthenticated bind, which succeeds.
	if password == "" {
		return nil, credentials.ErrBadCredential
	}

	p, err := s.findProfile(ctx, username)
	if err != nil {
		return nil, err
	}

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credentials.ErrBackendUnavailable, err)
	}
	defer conn.Close()

	if err := conn.Bind(p.DN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, credentials.ErrBadCredential
		}
		return nil, classify(err)
	}

	groups, err := s.groupsOf(ctx, p)
	if err != nil {
		return nil, err
	}

	return &credentials.Details{
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Emails:      p.Emails,
		Groups:      groups,
	}, nil
}

// GetEmails returns the mail attribute values of username.
func (s *Store) GetEmails(ctx context.Context, username string) ([]string, error) {
	p, err := s.findProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(p.Emails) == 0 {
		return nil, credentials.ErrNoEmail
	}
	return p.Emails, nil
}

// GetGroups returns the names of the groups username belongs to.
func (s *Store) GetGroups(ctx context.Context, username string) ([]string, error) {
	p, err := s.findProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.groupsOf(ctx, p)
}

// UpdatePassword changes the password of username through the administrative bind.
// The directory hashes the value according to its own policy.
func (s *Store) UpdatePassword(ctx context.Context, username, newPassword string) error {
	p, err := s.findProfile(ctx, username)
	if err != nil {
		return err
	}

	err = s.withAdmin(ctx, func(conn Conn) error {
		if s.cfg.PasswordModifyMode == PasswordModifyReplace {
			req := ldap.NewModifyRequest(p.DN, nil)
			req.Replace("userPassword", []string{newPassword})
			return conn.Modify(req)
		}
		_, err := conn.PasswordModify(ldap.NewPasswordModifyRequest(p.DN, "", newPassword))
		return err
	})
	if err != nil {
		s.logger.Warn("ldap password update failed", zap.String("username", username), zap.Error(err))
		return err
	}
	return nil
}

// Close drops the administrative connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.admin == nil {
		return nil
	}
	err := s.admin.Close()
	s.admin = nil
	return err
}

func (s *Store) findProfile(ctx context.Context, username string) (*profile, error) {
	if username == "" {
		return nil, credentials.ErrNotFound
	}

	filter := strings.ReplaceAll(s.cfg.UsersFilter, inputPlaceholder, ldap.EscapeFilter(username))
	attrs := []string{s.cfg.UsernameAttribute, s.cfg.MailAttribute, s.cfg.DisplayNameAttribute}

	var result *ldap.SearchResult
	err := s.withAdmin(ctx, func(conn Conn) error {
		var err error
		result, err = conn.Search(ldap.NewSearchRequest(
			s.usersBaseDN(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			0, int(s.cfg.Timeout/time.Second), false,
			filter, attrs, nil,
		))
		return err
	})
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, credentials.ErrNotFound
		}
		return nil, err
	}

	switch len(result.Entries) {
	case 0:
		return nil, credentials.ErrNotFound
	case 1:
	default:
		s.logger.Warn("ldap users filter matched several entries", zap.String("username", username),
			zap.Int("entries", len(result.Entries)))
		return nil, credentials.ErrMalformedRecord
	}

	entry := result.Entries[0]
	p := &profile{
		DN:          entry.DN,
		Username:    entry.GetAttributeValue(s.cfg.UsernameAttribute),
		DisplayName: entry.GetAttributeValue(s.cfg.DisplayNameAttribute),
		Emails:      entry.GetAttributeValues(s.cfg.MailAttribute),
	}
	if p.Username == "" {
		return nil, credentials.ErrMalformedRecord
	}
	if p.Emails == nil {
		p.Emails = []string{}
	}
	return p, nil
}

func (s *Store) groupsOf(ctx context.Context, p *profile) ([]string, error) {
	filter := strings.ReplaceAll(s.cfg.GroupsFilter, dnPlaceholder, ldap.EscapeFilter(p.DN))
	filter = strings.ReplaceAll(filter, usernamePlaceholder, ldap.EscapeFilter(p.Username))

	var result *ldap.SearchResult
	err := s.withAdmin(ctx, func(conn Conn) error {
		var err error
		result, err = conn.Search(ldap.NewSearchRequest(
			s.groupsBaseDN(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			0, int(s.cfg.Timeout/time.Second), false,
			filter, []string{s.cfg.GroupNameAttribute}, nil,
		))
		return err
	})
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return []string{}, nil
		}
		return nil, err
	}

	groups := make([]string, 0, len(result.Entries))
	for _, entry := range result.Entries {
		if name := entry.GetAttributeValue(s.cfg.GroupNameAttribute); name != "" {
			groups = append(groups, name)
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// withAdmin runs fn on the administrative connection, redialing once when the
// connection turns out to be broken.
func (s *Store) withAdmin(ctx context.Context, fn func(Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		conn, err := s.adminConnLocked(ctx)
		if err != nil {
			return err
		}

		err = fn(conn)
		if err == nil {
			return nil
		}
		if !isNetworkError(err) || attempt == 1 {
			return classify(err)
		}

		s.logger.Info("ldap admin connection lost, redialing", zap.Error(err))
		_ = conn.Close()
		s.admin = nil
	}
	return nil
}

func (s *Store) adminConnLocked(ctx context.Context) (Conn, error) {
	if s.admin != nil && !s.admin.IsClosing() {
		return s.admin, nil
	}
	if s.admin != nil {
		_ = s.admin.Close()
		s.admin = nil
	}

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credentials.ErrBackendUnavailable, err)
	}
	if s.cfg.User != "" {
		if err := conn.Bind(s.cfg.User, s.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: admin bind: %v", credentials.ErrBackendUnavailable, err)
		}
	}
	s.admin = conn
	return conn, nil
}

func (s *Store) usersBaseDN() string {
	if s.cfg.AdditionalUsersDN == "" {
		return s.cfg.BaseDN
	}
	return s.cfg.AdditionalUsersDN + "," + s.cfg.BaseDN
}

func (s *Store) groupsBaseDN() string {
	if s.cfg.AdditionalGroupsDN == "" {
		return s.cfg.BaseDN
	}
	return s.cfg.AdditionalGroupsDN + "," + s.cfg.BaseDN
}

func isNetworkError(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.ErrorNetwork)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if ldap.IsErrorAnyOf(err, ldap.ErrorNetwork, ldap.LDAPResultUnavailable, ldap.LDAPResultBusy) {
		return fmt.Errorf("%w: %v", credentials.ErrBackendUnavailable, err)
	}
	return err
}
