// Package location parses endpoint descriptions: a local path, an
// scp-style user@host:path, or a file:// / ssh:// URL.
package location

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/andreittr/btrsync/model"
)

type Kind int

const (
	// Local is a path on this machine (btrfs mount or directory).
	Local Kind = iota
	// SSH is a path on a remote machine.
	SSH
	// File is a dump-stream file or directory.
	File
)

// Location is a parsed endpoint.
type Location struct {
	Kind Kind
	Path string
	User string
	Host string
	Port int
}

var (
	schemeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
	scpRe    = regexp.MustCompile(`^((?:[^/:@]*@)?(?:\[[0-9A-Fa-f:]+\]|[^/:]*)):(.*)$`)
)

// Parse interprets s as one of: path, user@host:path, file://path,
// ssh://[user@]host[:port]/path.
func Parse(s string) (Location, error) {
	if s == "" {
		return Location{}, model.Configf("empty location")
	}
	if schemeRe.MatchString(s) {
		return parseURL(s)
	}
	if m := scpRe.FindStringSubmatch(s); m != nil && m[1] != "" {
		user, host := splitUser(m[1])
		if host == "" {
			return Location{}, model.Configf("invalid location %q: empty host", s)
		}
		return Location{Kind: SSH, User: user, Host: host, Path: m[2]}, nil
	}
	return Location{Kind: Local, Path: s}, nil
}

func parseURL(s string) (Location, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Location{}, model.Configf("invalid location %q: %v", s, err)
	}
	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Host != "" {
			// file://relative/path puts the first segment in Host
			p = u.Host + p
		}
		if p == "" {
			return Location{}, model.Configf("invalid location %q: empty path", s)
		}
		return Location{Kind: File, Path: p}, nil
	case "ssh":
		if u.Hostname() == "" {
			return Location{}, model.Configf("invalid location %q: empty host", s)
		}
		loc := Location{Kind: SSH, Host: u.Hostname(), Path: u.Path}
		if u.User != nil {
			loc.User = u.User.Username()
		}
		if p := u.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return Location{}, model.Configf("invalid location %q: bad port", s)
			}
			loc.Port = n
		}
		if loc.Path == "" {
			return Location{}, model.Configf("invalid location %q: empty path", s)
		}
		return loc, nil
	default:
		return Location{}, model.Configf("unsupported scheme %q", u.Scheme)
	}
}

func splitUser(s string) (user, host string) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
