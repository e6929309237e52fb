package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAPConfig carries the directory-service connection parameters.
type LDAPConfig struct {
	// URI is the directory endpoint, e.g. ldaps://ldap.example.org.
	URI string

	// BindDN and BindPassword authenticate the search connection.
	BindDN       string
	BindPassword string

	// BaseDN is the search base, e.g. ou=people,dc=example,dc=org.
	BaseDN string

	// Domain qualifies searches: lookups match mail=<identity> entries
	// within the domain, rejecting identities from foreign domains.
	Domain string

	// UsernameAttribute is the canonical-name attribute holding the
	// cluster-local account name. Default: "uid".
	UsernameAttribute string
}

// LDAPDirectory implements Directory against an LDAP server.
//
// A fresh connection is dialed per lookup; lookups are rare (cache
// misses only) and a persistent bind would need its own liveness care.
type LDAPDirectory struct {
	cfg LDAPConfig
}

func NewLDAPDirectory(cfg LDAPConfig) (*LDAPDirectory, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("ldap uri is required")
	}
	if strings.TrimSpace(cfg.BaseDN) == "" {
		return nil, errors.New("ldap base dn is required")
	}
	if strings.TrimSpace(cfg.UsernameAttribute) == "" {
		cfg.UsernameAttribute = "uid"
	}
	return &LDAPDirectory{cfg: cfg}, nil
}

func (d *LDAPDirectory) Lookup(ctx context.Context, identity string) (string, error) {
	identity = strings.TrimSpace(identity)

	if domain := strings.TrimSpace(d.cfg.Domain); domain != "" {
		if !strings.HasSuffix(strings.ToLower(identity), "@"+strings.ToLower(domain)) {
			return "", fmt.Errorf("%w: %s is outside domain %s", ErrNotFound, identity, domain)
		}
	}

	conn, err := ldap.DialURL(d.cfg.URI)
	if err != nil {
		return "", fmt.Errorf("dial directory: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}

	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			return "", fmt.Errorf("bind directory: %w", err)
		}
	}

	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1, 0, false,
		fmt.Sprintf("(mail=%s)", ldap.EscapeFilter(identity)),
		[]string{d.cfg.UsernameAttribute},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, identity)
		}
		return "", fmt.Errorf("search directory: %w", err)
	}
	if len(res.Entries) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, identity)
	}

	username := strings.TrimSpace(res.Entries[0].GetAttributeValue(d.cfg.UsernameAttribute))
	if username == "" {
		return "", fmt.Errorf("%w: %s entry lacks %s", ErrNotFound, identity, d.cfg.UsernameAttribute)
	}
	return username, nil
}
