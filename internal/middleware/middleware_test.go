package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/playchat/internal/identity"
)

type providerFunc func(r *http.Request) (identity.User, error)

func (f providerFunc) Authenticate(r *http.Request) (identity.User, error) { return f(r) }

func byHeader(r *http.Request) (identity.User, error) {
	if id := r.Header.Get("X-User"); id != "" {
		return identity.User{ID: id}, nil
	}
	return identity.User{}, identity.ErrUnauthorized
}

var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetUserID(r.Context())))
})

func TestIdentity(t *testing.T) {
	h := Identity(providerFunc(byHeader))(echoUser)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	r.Header.Set("X-User", "ann")
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ann", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

func TestInternalOnly(t *testing.T) {
	h := InternalOnly("s3cret")(echoUser)

	for name, tc := range map[string]struct {
		remote, header, secret string
		want                   int
	}{
		"loopback":       {remote: "127.0.0.1:5000", want: http.StatusOK},
		"private":        {remote: "10.1.2.3:5000", want: http.StatusOK},
		"public":         {remote: "8.8.8.8:5000", want: http.StatusForbidden},
		"forwarded":      {remote: "10.0.0.1:1", header: "8.8.8.8, 10.0.0.1", want: http.StatusForbidden},
		"public secret":  {remote: "8.8.8.8:5000", secret: "s3cret", want: http.StatusOK},
		"public bad key": {remote: "8.8.8.8:5000", secret: "nope", want: http.StatusForbidden},
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/internal/x", nil)
			r.RemoteAddr = tc.remote
			if tc.header != "" {
				r.Header.Set("X-Forwarded-For", tc.header)
			}
			if tc.secret != "" {
				r.Header.Set("X-Internal-Secret", tc.secret)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRateLimitAPI(t *testing.T) {
	h := Identity(providerFunc(byHeader))(RateLimitAPI(4, 2)(echoUser))
	call := func(user, ip string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/friends", nil)
		r.RemoteAddr = ip + ":1234"
		r.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call("ann", "1.1.1.1"))
	assert.Equal(t, http.StatusOK, call("ann", "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("ann", "1.1.1.1"), "per user")
	assert.Equal(t, http.StatusOK, call("bob", "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("cat", "1.1.1.1"), "per ip")
	assert.Equal(t, http.StatusOK, call("cat", "2.2.2.2"))
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(RequestLog(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestRecoverJSONAfterWrite(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRecordReusesWrapper(t *testing.T) {
	rec := record(httptest.NewRecorder())
	assert.Same(t, rec, record(rec))
	rec.WriteHeader(http.StatusTeapot)
	rec.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusTeapot, rec.code)
}

func TestMaskID(t *testing.T) {
	assert.Equal(t, "****", MaskID("abc"))
	assert.Equal(t, "****", MaskID(""))
	assert.Equal(t, "abcd***", MaskID("abcdef"))
	assert.Equal(t, "анна***", MaskID("анна_б"))
}

func TestWindowLimiterSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))

	now = now.Add(61 * time.Second)
	assert.True(t, l.allow("a"))
	assert.NotContains(t, l.hits, "b", "idle keys are swept")
}
