// Package address parses and renders hierarchical location strings.
//
// An address has the shape
//
//	scheme://[user[:pass]@]host[:port]/path[;params][?query][#fragment]
//
// When the decoded fragment is itself a well-formed address it is parsed into
// a nested Address. Multi-hop routes travel this way in a single string, for
// example a mailbox reached through an SMTP relay on behalf of a sender:
//
//	tomail://bob@mail.example#smtp://alice:pw@relay.example:465#tomail://carol@corp.example#dan
package address

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrAddressFormat is returned for strings that do not decompose into a
// scheme://authority skeleton, and for unsupported schemes in normalizers.
var ErrAddressFormat = errors.New("address: malformed address")

// MaxHops is the longest chain of nested fragment addresses Parse accepts,
// the outermost address included.
const MaxHops = 16

// Part selects optional components when rendering an address.
type Part uint8

const (
	PartPath Part = 1 << iota
	PartParams
	PartQuery
	PartFragment

	PartNone Part = 0
	PartAll       = PartPath | PartParams | PartQuery | PartFragment
)

var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*$`)

// Address is a parsed location. Scheme, Path, Params and Query may be assigned
// directly. Credentials, host and port go through setters so that the derived
// authority stays in sync.
type Address struct {
	Scheme string
	Path   string
	Params string
	Query  string

	// Fragment is the decoded fragment when it is not an address itself.
	Fragment string
	// Nested is the fragment parsed as an address. Fragment is empty when set.
	Nested *Address

	username  string
	password  string
	hostname  string
	port      int
	hasPort   bool
	authority string
}

// components is the non-recursive decomposition of an address string.
type components struct {
	scheme   string
	username string
	password string
	hostname string
	port     int
	hasPort  bool
	path     string
	params   string
	query    string
	fragment string
}

// Valid reports whether raw matches the address grammar. The fragment is not
// inspected, so Valid never recurses.
func Valid(raw string) bool {
	_, err := decompose(raw)
	return err == nil
}

// Parse decomposes raw into an Address. The fragment is percent-decoded and
// parsed as a nested address only if it is Valid; otherwise it is kept as an
// opaque string. Chains deeper than MaxHops are rejected.
func Parse(raw string) (*Address, error) {
	return parse(raw, 1)
}

func parse(raw string, depth int) (*Address, error) {
	c, err := decompose(raw)
	if err != nil {
		return nil, err
	}

	a := &Address{
		Scheme:   c.scheme,
		Path:     c.path,
		Params:   c.params,
		Query:    c.query,
		username: c.username,
		password: c.password,
		hostname: c.hostname,
		port:     c.port,
		hasPort:  c.hasPort,
	}
	a.refreshAuthority()

	if c.fragment != "" {
		text, err := url.PathUnescape(c.fragment)
		if err != nil {
			// Stray '%' is kept verbatim.
			text = c.fragment
		}
		if err := a.setFragment(text, depth); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(raw string) *Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func decompose(raw string) (components, error) {
	var c components

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || !schemePattern.MatchString(scheme) {
		return c, fmt.Errorf("%w: %q has no scheme://", ErrAddressFormat, raw)
	}
	c.scheme = scheme

	rest, c.fragment, _ = strings.Cut(rest, "#")
	rest, c.query, _ = strings.Cut(rest, "?")

	authority := rest
	path := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority, path = rest[:i], rest[i:]
	}

	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		if j := strings.IndexByte(path[i:], ';'); j >= 0 {
			c.params = path[i+j+1:]
			path = path[:i+j]
		}
	}
	c.path = strings.TrimRight(path, "/")

	if err := c.splitAuthority(authority); err != nil {
		return c, fmt.Errorf("%w: %q: %v", ErrAddressFormat, raw, err)
	}
	return c, nil
}

func (c *components) splitAuthority(authority string) error {
	hostport := authority
	if i := strings.LastIndexByte(authority, '@'); i >= 0 {
		c.username, c.password, _ = strings.Cut(authority[:i], ":")
		hostport = authority[i+1:]
	}
	if c.username == "" {
		c.password = ""
	}

	var portText string
	bracketed := strings.HasPrefix(hostport, "[")
	if bracketed {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return errors.New("unterminated IPv6 host")
		}
		c.hostname = hostport[1:end]
		if strings.Contains(c.hostname, "[") {
			return errors.New("unexpected \"[\" in host")
		}
		tail := hostport[end+1:]
		if tail != "" {
			if tail[0] != ':' {
				return fmt.Errorf("unexpected %q after host", tail)
			}
			portText = tail[1:]
		}
	} else if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		c.hostname, portText = hostport[:i], hostport[i+1:]
	} else {
		c.hostname = hostport
	}

	if !bracketed && strings.ContainsAny(c.hostname, "[]") {
		return fmt.Errorf("unbracketed host %q", c.hostname)
	}
	if portText == "" {
		return nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 || strings.ContainsAny(portText, "+-") {
		return fmt.Errorf("invalid port %q", portText)
	}
	c.port, c.hasPort = port, true
	return nil
}

// Username returns the user name, or "" when absent.
func (a *Address) Username() string { return a.username }

// Password returns the password, or "" when absent.
func (a *Address) Password() string { return a.password }

// Hostname returns the host without brackets or port.
func (a *Address) Hostname() string { return a.hostname }

// Port returns the port and whether one is set.
func (a *Address) Port() (int, bool) { return a.port, a.hasPort }

// Authority returns the rendered [userinfo@]host[:port].
func (a *Address) Authority() string { return a.authority }

// SetUsername sets the user name and refreshes the authority.
func (a *Address) SetUsername(username string) {
	a.username = username
	a.refreshAuthority()
}

// SetPassword sets the password and refreshes the authority. The password is
// only rendered while a user name is present.
func (a *Address) SetPassword(password string) {
	a.password = password
	a.refreshAuthority()
}

// SetHostname sets the host and refreshes the authority.
func (a *Address) SetHostname(hostname string) {
	a.hostname = hostname
	a.refreshAuthority()
}

// SetPort sets the port and refreshes the authority.
func (a *Address) SetPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrAddressFormat, port)
	}
	a.port, a.hasPort = port, true
	a.refreshAuthority()
	return nil
}

// ClearPort removes the port and refreshes the authority.
func (a *Address) ClearPort() {
	a.port, a.hasPort = 0, false
	a.refreshAuthority()
}

// SetFragment stores text as a nested address when it is Valid, and as an
// opaque fragment otherwise. A chain that would exceed MaxHops below a leaves
// a unchanged.
func (a *Address) SetFragment(text string) error {
	return a.setFragment(text, 1)
}

func (a *Address) setFragment(text string, depth int) error {
	if Valid(text) {
		if depth >= MaxHops {
			return fmt.Errorf("%w: more than %d hops", ErrAddressFormat, MaxHops)
		}
		nested, err := parse(text, depth+1)
		if err != nil {
			return err
		}
		a.Fragment, a.Nested = "", nested
		return nil
	}
	a.Fragment, a.Nested = text, nil
	return nil
}

func (a *Address) refreshAuthority() {
	host := a.hostname
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if a.hasPort {
		host += ":" + strconv.Itoa(a.port)
	}
	if a.username == "" {
		a.authority = host
		return
	}
	userinfo := a.username
	if a.password != "" {
		userinfo += ":" + a.password
	}
	a.authority = userinfo + "@" + host
}

// String renders every component.
func (a *Address) String() string {
	if a == nil {
		return ""
	}
	return a.Render(PartAll)
}

// Render reassembles the address, keeping only the optional parts selected.
// Scheme and authority are always present. A nested fragment is rendered in
// full regardless of parts.
func (a *Address) Render(parts Part) string {
	var b strings.Builder
	b.WriteString(a.Scheme)
	b.WriteString("://")
	b.WriteString(a.authority)

	var path, params string
	if parts&PartPath != 0 {
		path = a.Path
	}
	if parts&PartParams != 0 {
		params = a.Params
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		b.WriteByte('/')
	}
	b.WriteString(path)
	if params != "" {
		if path == "" {
			b.WriteByte('/')
		}
		b.WriteByte(';')
		b.WriteString(params)
	}

	if parts&PartQuery != 0 && a.Query != "" {
		b.WriteByte('?')
		b.WriteString(a.Query)
	}

	if parts&PartFragment != 0 {
		switch {
		case a.Nested != nil:
			b.WriteByte('#')
			b.WriteString(escapePercent(a.Nested.String()))
		case a.Fragment != "":
			b.WriteByte('#')
			b.WriteString(escapePercent(a.Fragment))
		}
	}
	return b.String()
}

// escapePercent makes fragment text survive the percent-decoding applied by Parse.
func escapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%25")
}

// Endpoint renders scheme and authority only, the form transports dial.
func (a *Address) Endpoint() string {
	return a.Render(PartNone)
}

// BindEndpoint is Endpoint with a wildcard or empty host replaced by 0.0.0.0.
func (a *Address) BindEndpoint() string {
	if a.hostname != "*" && a.hostname != "" {
		return a.Endpoint()
	}
	bind := a.Clone()
	bind.SetHostname("0.0.0.0")
	return bind.Endpoint()
}

// Clone returns a deep copy, nested fragments included.
func (a *Address) Clone() *Address {
	if a == nil {
		return nil
	}
	c := *a
	c.Nested = a.Nested.Clone()
	return &c
}

// Equal reports whether both addresses hold the same components.
func (a *Address) Equal(b *Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Scheme != b.Scheme || a.Path != b.Path || a.Params != b.Params || a.Query != b.Query ||
		a.Fragment != b.Fragment || a.username != b.username || a.password != b.password ||
		a.hostname != b.hostname || a.port != b.port || a.hasPort != b.hasPort {
		return false
	}
	return a.Nested.Equal(b.Nested)
}

// Hops returns the address followed by each nested fragment address, outermost first.
func (a *Address) Hops() []*Address {
	var hops []*Address
	for cur := a; cur != nil; cur = cur.Nested {
		hops = append(hops, cur)
	}
	return hops
}
