package tenancy

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxIdentifierLength is the PostgreSQL identifier limit.
const MaxIdentifierLength = 63

var (
	identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{2,62}$`)
	keywordStrip      = regexp.MustCompile(`[^a-z0-9]+`)
)

// reservedNamespaces can never be used as tenant identifiers.
var reservedNamespaces = map[string]bool{
	"public":             true,
	"information_schema": true,
	"pg_catalog":         true,
	"pg_toast":           true,
}

// IsReservedNamespace reports whether name is a system namespace.
func IsReservedNamespace(name string) bool {
	return reservedNamespaces[name] || strings.HasPrefix(name, "pg_")
}

// ValidateIdentifier checks a tenant identifier before it is interpolated into
// any DDL: 3-63 characters, lowercase letter first, then lowercase letters,
// digits, '-' or '_'. System namespaces are rejected.
func ValidateIdentifier(id string) error {
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrIdentifierInvalid, id, identifierPattern.String())
	}
	if IsReservedNamespace(id) {
		return fmt.Errorf("%w: %q is a reserved namespace", ErrIdentifierInvalid, id)
	}
	return nil
}

// GenerateIdentifier derives a candidate identifier from an organization name:
// <keyword>-<8 hex>-<8 digits>. The result always passes ValidateIdentifier.
func GenerateIdentifier(orgName string) string {
	keyword := keywordStrip.ReplaceAllString(strings.ToLower(orgName), "")
	keyword = strings.TrimLeft(keyword, "0123456789")
	if len(keyword) > 24 {
		keyword = keyword[:24]
	}
	if len(keyword) < 3 {
		keyword = "org" + keyword
	}
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%08d", keyword, hex, rand.IntN(100_000_000))
}
