// Package proxyurl encodes destination URLs into proxy URLs and decodes them
// back.
//
// A proxy URL carries everything the proxy needs to serve a request for a
// destination resource:
//
//	http://proxy.local:1337/sessionID!flags!credentials/https://example.com/page
//
// The metadata segment (session ID, optional flags, optional credentials
// mode) never contains a slash, so the destination after it is carried
// verbatim and may contain any character.
package proxyurl

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/purell"
)

var (
	// ErrInvalidURL is returned when a destination is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid destination url")
	// ErrMalformedProxyURL is returned when a string is not a well-formed proxy URL.
	ErrMalformedProxyURL = errors.New("malformed proxy url")
	// ErrAlreadyProxied is returned by Format when the destination is itself a
	// proxy URL for the same proxy.
	ErrAlreadyProxied = errors.New("destination is already a proxy url")
	// ErrInvalidSessionID is returned for session IDs that cannot be embedded.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// ResourceType tells the proxy how the destination resource is going to be
// used by the page, which drives how its response is rewritten.
type ResourceType string

const (
	ResourceNone       ResourceType = ""
	ResourceIframe     ResourceType = "i"
	ResourceScript     ResourceType = "s"
	ResourceStylesheet ResourceType = "c"
	ResourceImage      ResourceType = "m"
	ResourceForm       ResourceType = "f"
)

// String returns a readable name for logs and metrics labels.
func (rt ResourceType) String() string {
	switch rt {
	case ResourceNone:
		return "none"
	case ResourceIframe:
		return "iframe"
	case ResourceScript:
		return "script"
	case ResourceStylesheet:
		return "stylesheet"
	case ResourceImage:
		return "image"
	case ResourceForm:
		return "form"
	}
	return "unknown"
}

// ParseResourceType accepts either the wire letter or the readable name.
func ParseResourceType(s string) (ResourceType, error) {
	for _, rt := range []ResourceType{ResourceNone, ResourceIframe, ResourceScript, ResourceStylesheet, ResourceImage, ResourceForm} {
		if s == string(rt) || s == rt.String() {
			return rt, nil
		}
	}
	return ResourceNone, fmt.Errorf("unknown resource type %q", s)
}

// CredentialsMode mirrors the fetch credentials mode of the original request.
type CredentialsMode string

const (
	CredentialsUnset      CredentialsMode = ""
	CredentialsOmit       CredentialsMode = "o"
	CredentialsSameOrigin CredentialsMode = "s"
	CredentialsInclude    CredentialsMode = "i"
)

func (m CredentialsMode) String() string {
	switch m {
	case CredentialsOmit:
		return "omit"
	case CredentialsSameOrigin:
		return "same-origin"
	case CredentialsInclude:
		return "include"
	}
	return "unset"
}

// ParseCredentialsMode accepts either the wire letter or the fetch mode name.
func ParseCredentialsMode(s string) (CredentialsMode, error) {
	for _, m := range []CredentialsMode{CredentialsUnset, CredentialsOmit, CredentialsSameOrigin, CredentialsInclude} {
		if s == string(m) || s == m.String() {
			return m, nil
		}
	}
	return CredentialsUnset, fmt.Errorf("unknown credentials mode %q", s)
}

const crossDomainFlag = "x"

// ProxyURL is the decoded form of a proxy URL.
type ProxyURL struct {
	DestURL       string
	ResourceType  ResourceType
	SessionID     string
	Credentials   CredentialsMode
	CrossDomain   bool
	ProxyProtocol string
	ProxyHostname string
	ProxyPort     int
}

// Dest parses DestURL.
func (p *ProxyURL) Dest() (*url.URL, error) {
	return url.Parse(p.DestURL)
}

// Options carries the optional parts of an encoded proxy URL.
type Options struct {
	Credentials CredentialsMode
	// CrossDomain selects the cross-domain port and sets the cross-domain flag.
	CrossDomain bool
}

// Codec encodes and recognizes proxy URLs for one proxy address.
type Codec struct {
	// Protocol is "http" or "https". Defaults to "http".
	Protocol string
	Hostname string
	Port     int
	// CrossDomainPort serves cross-domain iframes. Zero means Port.
	CrossDomainPort int
}

func (c *Codec) protocol() string {
	if c.Protocol == "" {
		return "http"
	}
	return c.Protocol
}

func (c *Codec) crossDomainPort() int {
	if c.CrossDomainPort == 0 {
		return c.Port
	}
	return c.CrossDomainPort
}

// Origin returns the proxy origin for the main or the cross-domain port.
func (c *Codec) Origin(crossDomain bool) string {
	port := c.Port
	if crossDomain {
		port = c.crossDomainPort()
	}
	return c.protocol() + "://" + net.JoinHostPort(c.Hostname, strconv.Itoa(port))
}

// Encode wraps dest into a proxy URL. A dest that is already a proxy URL of
// this codec is returned unchanged.
func (c *Codec) Encode(dest string, rt ResourceType, sessionID string, opts Options) (string, error) {
	if c.IsProxyURL(dest) {
		return dest, nil
	}
	normalized, err := Normalize(dest)
	if err != nil {
		return "", err
	}
	port := c.Port
	if opts.CrossDomain {
		port = c.crossDomainPort()
	}
	return Format(ProxyURL{
		DestURL:       normalized,
		ResourceType:  rt,
		SessionID:     sessionID,
		Credentials:   opts.Credentials,
		CrossDomain:   opts.CrossDomain,
		ProxyProtocol: c.protocol(),
		ProxyHostname: c.Hostname,
		ProxyPort:     port,
	})
}

// Decode parses s as a proxy URL.
func (c *Codec) Decode(s string) (*ProxyURL, error) {
	return Decode(s)
}

// IsProxyURL reports whether s is a decodable proxy URL that points at this
// proxy's main or cross-domain port.
func (c *Codec) IsProxyURL(s string) bool {
	p, err := Decode(s)
	if err != nil {
		return false
	}
	if !strings.EqualFold(p.ProxyHostname, c.Hostname) {
		return false
	}
	return p.ProxyPort == c.Port || p.ProxyPort == c.crossDomainPort()
}

// Format encodes a complete proxy URL tuple. The destination is used as
// given; use Codec.Encode to normalize it first.
func Format(p ProxyURL) (string, error) {
	if err := validateSessionID(p.SessionID); err != nil {
		return "", err
	}
	if _, err := parseDest(p.DestURL); err != nil {
		return "", err
	}
	if inner, err := Decode(p.DestURL); err == nil &&
		strings.EqualFold(inner.ProxyHostname, p.ProxyHostname) && inner.ProxyPort == p.ProxyPort {
		return "", ErrAlreadyProxied
	}
	if !validResourceType(p.ResourceType) {
		return "", fmt.Errorf("format proxy url: unknown resource type %q", string(p.ResourceType))
	}
	if !validCredentials(p.Credentials) {
		return "", fmt.Errorf("format proxy url: unknown credentials mode %q", string(p.Credentials))
	}

	protocol := p.ProxyProtocol
	if protocol == "" {
		protocol = "http"
	}

	var b strings.Builder
	b.WriteString(protocol)
	b.WriteString("://")
	b.WriteString(net.JoinHostPort(p.ProxyHostname, strconv.Itoa(p.ProxyPort)))
	b.WriteByte('/')
	b.WriteString(p.SessionID)

	flags := string(p.ResourceType)
	if p.CrossDomain {
		flags += crossDomainFlag
	}
	if flags != "" || p.Credentials != CredentialsUnset {
		b.WriteByte('!')
		b.WriteString(flags)
	}
	if p.Credentials != CredentialsUnset {
		b.WriteByte('!')
		b.WriteString(string(p.Credentials))
	}
	b.WriteByte('/')
	b.WriteString(p.DestURL)
	return b.String(), nil
}

// Decode parses s as a proxy URL.
func Decode(s string) (*ProxyURL, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return nil, ErrMalformedProxyURL
	}
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrMalformedProxyURL
	}

	hostport, path, ok := strings.Cut(rest, "/")
	if !ok || hostport == "" {
		return nil, ErrMalformedProxyURL
	}
	meta, dest, ok := strings.Cut(path, "/")
	if !ok {
		return nil, ErrMalformedProxyURL
	}

	p := &ProxyURL{ProxyProtocol: scheme, DestURL: dest}
	if err := p.parseHostPort(hostport); err != nil {
		return nil, err
	}
	if err := p.parseMeta(meta); err != nil {
		return nil, err
	}
	if _, err := parseDest(dest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedProxyURL, err)
	}
	return p, nil
}

func (p *ProxyURL) parseHostPort(hostport string) error {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present: use the protocol default.
		if strings.ContainsAny(hostport, "?#@") {
			return ErrMalformedProxyURL
		}
		p.ProxyHostname = hostport
		p.ProxyPort = defaultPort(p.ProxyProtocol)
		return nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 || host == "" {
		return ErrMalformedProxyURL
	}
	p.ProxyHostname = host
	p.ProxyPort = n
	return nil
}

func (p *ProxyURL) parseMeta(meta string) error {
	parts := strings.Split(meta, "!")
	if len(parts) > 3 {
		return ErrMalformedProxyURL
	}
	if validateSessionID(parts[0]) != nil {
		return ErrMalformedProxyURL
	}
	p.SessionID = parts[0]

	if len(parts) >= 2 {
		flags := parts[1]
		// "sid!/" and "sid!!/" are not canonical.
		if flags == "" && len(parts) == 2 {
			return ErrMalformedProxyURL
		}
		for i := range len(flags) {
			ch := flags[i : i+1]
			switch {
			case ch == crossDomainFlag:
				if p.CrossDomain {
					return ErrMalformedProxyURL
				}
				p.CrossDomain = true
			case validResourceType(ResourceType(ch)):
				// The resource letter comes first and only once.
				if p.ResourceType != ResourceNone || p.CrossDomain {
					return ErrMalformedProxyURL
				}
				p.ResourceType = ResourceType(ch)
			default:
				return ErrMalformedProxyURL
			}
		}
	}
	if len(parts) == 3 {
		mode := CredentialsMode(parts[2])
		if mode == CredentialsUnset || !validCredentials(mode) {
			return ErrMalformedProxyURL
		}
		p.Credentials = mode
	}
	return nil
}

// Normalize lower-cases the scheme and host of an absolute http(s) URL and
// drops a default or empty port. Path, query and fragment are kept as given.
func Normalize(dest string) (string, error) {
	u, err := parseDest(dest)
	if err != nil {
		return "", err
	}
	authority := &url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}
	origin := purell.NormalizeURL(authority, purell.FlagLowercaseScheme|purell.FlagLowercaseHost|
		purell.FlagRemoveDefaultPort|purell.FlagRemoveEmptyPortSeparator)

	tail := dest[strings.Index(dest, "//")+2:]
	if i := strings.IndexAny(tail, "/?#"); i >= 0 {
		tail = tail[i:]
	} else {
		tail = ""
	}
	if tail == "" || tail[0] != '/' {
		tail = "/" + tail
	}
	return origin + tail, nil
}

// nonNetworkSchemes are left alone by the rewriters.
var nonNetworkSchemes = []string{"data:", "javascript:", "about:", "mailto:", "tel:", "blob:", "vbscript:"}

// Resolve resolves ref against base. ok is false for references that must
// not be proxied: empty or fragment-only references and non-network schemes.
func Resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref[0] == '#' {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, scheme := range nonNetworkSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if r.IsAbs() {
		if r.Scheme != "http" && r.Scheme != "https" {
			return "", false
		}
		return ref, true
	}
	if base == nil {
		return "", false
	}
	return base.ResolveReference(r).String(), true
}

func parseDest(dest string) (*url.URL, error) {
	if dest == "" {
		return nil, ErrInvalidURL
	}
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

func validateSessionID(id string) error {
	if id == "" || strings.ContainsAny(id, "/!?#%") {
		return ErrInvalidSessionID
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f {
			return ErrInvalidSessionID
		}
	}
	return nil
}

func validResourceType(rt ResourceType) bool {
	switch rt {
	case ResourceNone, ResourceIframe, ResourceScript, ResourceStylesheet, ResourceImage, ResourceForm:
		return true
	}
	return false
}

func validCredentials(m CredentialsMode) bool {
	switch m {
	case CredentialsUnset, CredentialsOmit, CredentialsSameOrigin, CredentialsInclude:
		return true
	}
	return false
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
