package auth

import (
	"net/url"
	"strings"
)

// RedirectValidator checks post-login redirect targets against the trusted
// base URL list. Matching is exact on scheme and host (including port) and
// prefix on path, so "https://app.example.com@evil.com" and
// protocol-relative "//evil.com/x" are both rejected.
type RedirectValidator struct {
	bases []*url.URL
}

// NewRedirectValidator builds a validator over the trusted bases. The list
// must be non-empty; config.Settings.AuthBaseURLs guarantees that.
func NewRedirectValidator(bases []*url.URL) *RedirectValidator {
	return &RedirectValidator{bases: bases}
}

// Validate parses target and returns the normalized absolute URL to
// redirect to, or ErrRedirectNotAllowed. Relative paths resolve against
// the primary base. An empty target resolves to the primary base itself.
func (v *RedirectValidator) Validate(target string) (string, error) {
	primary := v.bases[0]
	if target == "" {
		return primary.String(), nil
	}

	// url.Parse treats "//host/path" as a protocol-relative reference with
	// an authority, so the host check below covers that case too.
	u, err := url.Parse(target)
	if err != nil {
		return "", ErrRedirectNotAllowed
	}

	if u.Host == "" && u.Scheme == "" {
		// Path-only reference. Resolve against the primary base; reject
		// anything that tries to climb out of it.
		resolved := primary.ResolveReference(u)
		if !v.allowed(resolved) {
			return "", ErrRedirectNotAllowed
		}
		return resolved.String(), nil
	}

	if u.User != nil {
		// Userinfo in a redirect target is only ever an obfuscation trick.
		return "", ErrRedirectNotAllowed
	}
	if !v.allowed(u) {
		return "", ErrRedirectNotAllowed
	}
	return u.String(), nil
}

func (v *RedirectValidator) allowed(u *url.URL) bool {
	for _, base := range v.bases {
		if u.Scheme != base.Scheme || u.Host != base.Host {
			continue
		}
		basePath := base.Path
		if basePath == "" || basePath == "/" {
			return true
		}
		if u.Path == basePath || strings.HasPrefix(u.Path, strings.TrimSuffix(basePath, "/")+"/") {
			return true
		}
	}
	return false
}
