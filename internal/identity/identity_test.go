package identity

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserIDTakesPrecedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/chat/quota", nil)
	r.Header.Set("X-User-ID", "u123")
	r.Header.Set("X-API-Key", "key-9")
	r.Header.Set("X-User-Tier", "pro")
	r.RemoteAddr = "10.0.0.1:5511"

	id := FromRequest(r)
	assert.Equal(t, "user:u123", id.Key)
	assert.Equal(t, "u123", id.UserID)
	assert.True(t, id.Authenticated)
	assert.Equal(t, TierPro, id.Tier)
}

func TestAPIKeyWhenNoUserID(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/memories", nil)
	r.Header.Set("X-API-Key", "key-9")
	r.Header.Set("X-User-Tier", "plus")

	id := FromRequest(r)
	assert.Equal(t, "apikey:key-9", id.Key)
	assert.True(t, id.Authenticated)
	assert.Equal(t, TierPlus, id.Tier)
}

func TestIPFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/memories", nil)
	r.RemoteAddr = "192.168.1.7:40001"

	id := FromRequest(r)
	assert.Equal(t, "ip:192.168.1.7", id.Key)
	assert.False(t, id.Authenticated)
	assert.Equal(t, TierFree, id.Tier)
}

func TestAnonymousTierClaimIgnored(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/memories", nil)
	r.Header.Set("X-User-Tier", "pro")
	r.RemoteAddr = "192.168.1.7:40001"

	id := FromRequest(r)
	assert.Equal(t, TierFree, id.Tier)
}

func TestSuspiciousHeaderIgnored(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/memories", nil)
	r.Header.Set("X-User-ID", "<script>alert(1)</script>")
	r.RemoteAddr = "192.168.1.7:40001"

	id := FromRequest(r)
	assert.Equal(t, "ip:192.168.1.7", id.Key)
	assert.Empty(t, id.UserID)
}

func TestUnknownWhenNothingResolvable(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/memories", nil)
	r.RemoteAddr = ""

	id := FromRequest(r)
	assert.Equal(t, "unknown", id.Key)
	assert.False(t, id.Authenticated)
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPro, ParseTier("PRO"))
	assert.Equal(t, TierPlus, ParseTier(" plus "))
	assert.Equal(t, TierFree, ParseTier("free"))
	assert.Equal(t, TierFree, ParseTier("enterprise"))
	assert.Equal(t, TierFree, ParseTier(""))
}

func TestContextRoundTrip(t *testing.T) {
	id := Identity{Key: "user:u1", UserID: "u1", Tier: TierPlus, Authenticated: true}
	ctx := WithContext(context.Background(), id)
	assert.Equal(t, id, FromContext(ctx))

	// Absent identity degrades to anonymous.
	missing := FromContext(context.Background())
	assert.Equal(t, "unknown", missing.Key)
	assert.Equal(t, TierFree, missing.Tier)
}
