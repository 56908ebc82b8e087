// Package validation provides centralized input validation for hsport:
// controller addresses, variable and source names, and channel references
// typed at the shell.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	defaults "github.com/xtxerr/hsport/config"
	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSpaces  bool
}

// DefaultNameRules returns the rules for post-process source names. Source
// names become directory names, so dots are not allowed.
func DefaultNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// VariableNameRules returns the rules for post-process variable names.
// Controllers commonly name channels like "Motor.Speed 1".
func VariableNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSpaces:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required: %w", rules.MinLength, errors.ErrInvalidArgument)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed: %w", rules.MaxLength, errors.ErrInvalidArgument)
	}

	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.': %w", errors.ErrInvalidArgument)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("name cannot start or end with whitespace: %w", errors.ErrInvalidArgument)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d: %w", i, errors.ErrInvalidArgument)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d: %w", i, errors.ErrInvalidArgument)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d: %w", r, i, errors.ErrInvalidArgument)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ' ':
		return rules.AllowSpaces
	}
	return false
}

// ValidateSourceName validates a post-process source name.
func ValidateSourceName(name string) error {
	return ValidateName(name, DefaultNameRules())
}

// ValidateVariableName validates a post-process variable name.
func ValidateVariableName(name string) error {
	return ValidateName(name, VariableNameRules())
}

// =============================================================================
// Address Validation
// =============================================================================

// ValidateAddress checks a controller address: a host name or IP literal,
// optionally followed by ":port", or a tcp://, ws:// or wss:// URL. The
// address is at most MaxAddressLength bytes.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address: %w", errors.ErrMissingField)
	}
	if len(addr) > defaults.MaxAddressLength {
		return fmt.Errorf("address longer than %d characters: %w", defaults.MaxAddressLength, errors.ErrInvalidArgument)
	}
	for i, r := range addr {
		if r <= ' ' || r == 127 {
			return fmt.Errorf("address contains whitespace or control character at position %d: %w", i, errors.ErrInvalidArgument)
		}
	}

	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return fmt.Errorf("malformed address %q: %w", addr, errors.ErrInvalidArgument)
		}
		switch u.Scheme {
		case "tcp", "ws", "wss":
		default:
			return fmt.Errorf("unsupported scheme %q: %w", u.Scheme, errors.ErrInvalidArgument)
		}
		addr = u.Host
	}

	_, _, err := SplitAddress(addr, "")
	return err
}

// SplitAddress splits addr into host and port. A missing port yields
// defaultPort. Bracketed IPv6 literals are accepted.
func SplitAddress(addr, defaultPort string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		// No port, or a bare IPv6 literal.
		if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
			return ip.String(), defaultPort, nil
		}
		if strings.Contains(addr, ":") {
			return "", "", fmt.Errorf("malformed address %q: %w", addr, errors.ErrInvalidArgument)
		}
		host, port = addr, defaultPort
	} else if port == "" {
		return "", "", fmt.Errorf("empty port in %q: %w", addr, errors.ErrInvalidArgument)
	}

	if host == "" {
		return "", "", fmt.Errorf("empty host in %q: %w", addr, errors.ErrInvalidArgument)
	}
	if port != "" {
		n, perr := strconv.Atoi(port)
		if perr != nil || n < 1 || n > 65535 {
			return "", "", fmt.Errorf("invalid port %q: %w", port, errors.ErrInvalidArgument)
		}
	}
	return host, port, nil
}

// =============================================================================
// Channel References
// =============================================================================

// ChannelRef is a parsed channel reference. Either Name is set, or Direction
// and Index are.
type ChannelRef struct {
	Name      string
	Direction catalog.Direction
	Index     int
}

// ParseChannelRef parses "input:3", "output:0", "total:7" or a bare channel
// name. A leading '#' forces the remainder to be read as a name.
func ParseChannelRef(ref string) (*ChannelRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty channel reference: %w", errors.ErrInvalidArgument)
	}

	if name, ok := strings.CutPrefix(ref, "#"); ok {
		if name == "" {
			return nil, fmt.Errorf("empty channel name: %w", errors.ErrInvalidArgument)
		}
		return &ChannelRef{Name: name, Index: -1}, nil
	}

	kind, idx, found := strings.Cut(ref, ":")
	if !found {
		return &ChannelRef{Name: ref, Index: -1}, nil
	}

	var dir catalog.Direction
	switch strings.ToLower(kind) {
	case "input", "in", "i":
		dir = catalog.DirInput
	case "output", "out", "o":
		dir = catalog.DirOutput
	case "total", "t":
		dir = -1
	default:
		return &ChannelRef{Name: ref, Index: -1}, nil
	}

	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid channel index %q: %w", idx, errors.ErrInvalidArgument)
	}
	return &ChannelRef{Direction: dir, Index: n}, nil
}

// IsTotal reports whether the reference addresses the total index.
func (r *ChannelRef) IsTotal() bool {
	return r.Name == "" && r.Direction < 0
}

// Resolve looks the reference up in cat.
func (r *ChannelRef) Resolve(cat *catalog.Catalog) (catalog.Channel, error) {
	switch {
	case r.Name != "":
		ch, ok := cat.Lookup(r.Name)
		if !ok {
			return catalog.Channel{}, fmt.Errorf("channel %q: %w", r.Name, errors.ErrNotFound)
		}
		return ch, nil
	case r.IsTotal():
		return cat.ResolveTotal(r.Index)
	default:
		return cat.Resolve(r.Direction, r.Index)
	}
}

// String returns the string representation of the reference.
func (r *ChannelRef) String() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.IsTotal():
		return "total:" + strconv.Itoa(r.Index)
	case r.Direction == catalog.DirOutput:
		return "output:" + strconv.Itoa(r.Index)
	default:
		return "input:" + strconv.Itoa(r.Index)
	}
}

// =============================================================================
// SQL LIKE patterns
// =============================================================================

var sqlLikeMetaChars = regexp.MustCompile(`[%_\[\]\\]`)

// EscapeLikePattern escapes special characters in a LIKE pattern.
func EscapeLikePattern(pattern string) string {
	return sqlLikeMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeLikePrefix creates a safe LIKE prefix pattern.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}
