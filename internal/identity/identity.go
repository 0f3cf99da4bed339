package identity

import (
	"context"
	"net"
	"net/http"
	"strings"

	"luki-gateway/internal/util"
)

// Tier is the subscription level controlling the daily message quota.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// ParseTier normalizes a claimed tier; anything unrecognized is free.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pro":
		return TierPro
	case "plus":
		return TierPlus
	default:
		return TierFree
	}
}

// Identity is the resolved caller key used for rate-limit and quota
// accounting. Exactly one of UserID, APIKey or IP backs the Key; resolution
// precedence is user id > API key > source IP > "unknown".
type Identity struct {
	Key           string
	UserID        string
	APIKey        string
	IP            string
	Tier          Tier
	Authenticated bool
}

const unknownKey = "unknown"

// FromRequest resolves the caller identity from upstream-set headers and the
// connection address. The auth layer in front of the gateway validates
// credentials; this only normalizes what it forwarded.
func FromRequest(r *http.Request) Identity {
	id := Identity{Tier: TierFree}

	if userID := headerValue(r, "X-User-ID"); userID != "" {
		id.UserID = userID
		id.Key = "user:" + userID
		id.Authenticated = true
		// Tier claims are only honored for authenticated callers.
		id.Tier = ParseTier(r.Header.Get("X-User-Tier"))
		return id
	}

	if apiKey := headerValue(r, "X-API-Key"); apiKey != "" {
		id.APIKey = apiKey
		id.Key = "apikey:" + apiKey
		id.Authenticated = true
		id.Tier = ParseTier(r.Header.Get("X-User-Tier"))
		return id
	}

	if ip := clientIP(r); ip != "" {
		id.IP = ip
		id.Key = "ip:" + ip
		return id
	}

	id.Key = unknownKey
	return id
}

func headerValue(r *http.Request, name string) string {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" || util.ContainsSuspicious(v) {
		return ""
	}
	return v
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr from X-Forwarded-For.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

type ctxKey struct{}

// WithContext attaches the resolved identity to the request context.
func WithContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by the identity middleware.
// The zero identity (anonymous, key "unknown") is returned when absent.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(ctxKey{}).(Identity); ok {
		return id
	}
	return Identity{Key: unknownKey, Tier: TierFree}
}
