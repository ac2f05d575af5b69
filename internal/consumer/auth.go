package consumer

import "log/slog"

// AuthKind selects the authentication-header scheme for a consumer.
type AuthKind string

// Supported auth kinds.
const (
	AuthBearer AuthKind = "bearer"
	AuthXAuth  AuthKind = "x-auth"
)

// ParseAuthKind maps a config string to an AuthKind. Unknown kinds log a
// warning and default to bearer.
func ParseAuthKind(consumerKey, kind string) AuthKind {
	switch AuthKind(kind) {
	case AuthBearer:
		return AuthBearer
	case AuthXAuth:
		return AuthXAuth
	default:
		slog.Warn("unknown auth kind, defaulting to bearer",
			"consumer", consumerKey,
			"auth_kind", kind,
		)
		return AuthBearer
	}
}

// AuthHeader returns the header name and value for the consumer's token.
// The second return is false when the consumer has no token and no header
// should be emitted.
func (d Descriptor) AuthHeader() (name, value string, ok bool) {
	if d.Token == "" {
		return "", "", false
	}
	switch d.AuthKind {
	case AuthXAuth:
		return "X-Auth", d.Token, true
	default:
		return "Authorization", "Bearer " + d.Token, true
	}
}
