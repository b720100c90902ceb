package ldapstore

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the subset of *ldap.Conn the store needs.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	PasswordModify(req *ldap.PasswordModifyRequest) (*ldap.PasswordModifyResult, error)
	Modify(req *ldap.ModifyRequest) error
	IsClosing() bool
	Close() error
}

var _ Conn = (*ldap.Conn)(nil)

// Dialer opens directory connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

type netDialer struct {
	cfg Config
}

func (d netDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: d.cfg.TLSSkipVerify, //nolint:gosec // operator opt-in
		MinVersion:         tls.VersionTLS12,
	}
	if u, err := url.Parse(d.cfg.URL); err == nil {
		tlsConfig.ServerName = u.Hostname()
	}

	dialer := &net.Dialer{Timeout: d.cfg.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	conn, err := ldap.DialURL(d.cfg.URL,
		ldap.DialWithDialer(dialer),
		ldap.DialWithTLSConfig(tlsConfig),
	)
	if err != nil {
		return nil, err
	}

	if d.cfg.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, err
		}
	}
	conn.SetTimeout(d.cfg.Timeout)

	return conn, nil
}
