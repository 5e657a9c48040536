package common

// Header names used on every backend request.
const (
	APIKeyHeaderName        = "apikey"
	AuthorizationHeaderName = "Authorization"
	BearerPrefix            = "Bearer "
)

// Backend table names the client depends on.
const (
	TableProfiles    = "profiles"
	TableGroups      = "groups"
	TableMemberships = "memberships"
)

// DefaultNamespace prefixes every persisted key.
const DefaultNamespace = "famsync"

// CredentialKey is the persisted key holding the sealed session.
func CredentialKey(ns string) string { return ns + ".auth.session" }

// CredentialKeys lists every key that may hold credential material,
// including keys written by earlier client versions.
func CredentialKeys(ns string) []string {
	return []string{
		CredentialKey(ns),
		ns + ".auth.token",
		ns + ".auth.refresh_token",
		ns + ".auth.user",
	}
}

// PreferenceKey returns the namespaced key of a cached preference.
func PreferenceKey(ns, name string) string { return ns + ".prefs." + name }
