package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ogsolar-core/internal/testutil"
	"ogsolar-core/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ok(c *gin.Context) { c.String(http.StatusOK, utils.Actor(c)) }

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	limit, err := RateLimit("2-M")
	require.NoError(t, err)
	r := gin.New()
	r.Use(limit)
	r.GET("/cart", ok)

	for i := 0; i < 2; i++ {
		w := serve(r, httptest.NewRequest(http.MethodGet, "/cart", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := serve(r, httptest.NewRequest(http.MethodGet, "/cart", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	_, err = RateLimit("often")
	assert.Error(t, err)
}

func TestCallbackAllowList(t *testing.T) {
	cases := []struct {
		name    string
		remote  string
		enforce bool
		want    int
	}{
		{"known address", "196.201.214.200:443", true, http.StatusOK},
		{"cidr entry", "10.1.2.3:443", true, http.StatusOK},
		{"unknown enforced", "203.0.113.9:443", true, http.StatusForbidden},
		{"unknown log only", "203.0.113.9:443", false, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/cb", CallbackAllowList(append([]string{"10.0.0.0/8", "bogus"}, SafaricomCallbackIPs...), tc.enforce, testutil.Logger()), ok)
			req := httptest.NewRequest(http.MethodPost, "/cb", nil)
			req.RemoteAddr = tc.remote
			w := serve(r, req)
			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusForbidden {
				assert.JSONEq(t, `{"ResultCode":1,"ResultDesc":"forbidden"}`, w.Body.String())
			}
		})
	}
}

func TestCallbackAllowListForwardedFor(t *testing.T) {
	cases := []struct {
		name    string
		trusted []string
		remote  string
		want    int
	}{
		{"no trusted proxies", nil, "203.0.113.9:1234", http.StatusForbidden},
		{"untrusted peer", []string{"10.9.9.9"}, "203.0.113.9:1234", http.StatusForbidden},
		{"trusted load balancer", []string{"10.9.9.9"}, "10.9.9.9:1234", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			require.NoError(t, r.SetTrustedProxies(tc.trusted))
			r.POST("/cb", CallbackAllowList(SafaricomCallbackIPs, true, testutil.Logger()), ok)
			req := httptest.NewRequest(http.MethodPost, "/cb", nil)
			req.RemoteAddr = tc.remote
			req.Header.Set("X-Forwarded-For", "196.201.214.200")
			assert.Equal(t, tc.want, serve(r, req).Code)
		})
	}
}

func TestJWTAuthAndRoles(t *testing.T) {
	issuer, err := utils.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	cashier, _, err := issuer.GenerateToken("cashier-1", "", utils.RoleCashier)
	require.NoError(t, err)
	admin, _, err := issuer.GenerateToken("admin-1", "", utils.RoleAdmin)
	require.NoError(t, err)

	r := gin.New()
	staff := r.Group("/", JWTAuth(issuer))
	staff.GET("/pos", ok)
	staff.GET("/reconcile", RequireRole(utils.RoleAccounts), ok)

	get := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return serve(r, req)
	}

	assert.Equal(t, http.StatusUnauthorized, get("/pos", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/pos", "nope").Code)

	w := get("/pos", cashier)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cashier-1", w.Body.String())

	assert.Equal(t, http.StatusForbidden, get("/reconcile", cashier).Code)
	assert.Equal(t, http.StatusOK, get("/reconcile", admin).Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), AccessLog(testutil.Logger()))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, utils.RequestID(c)) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Body.String(), 36)
	assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")
	w = serve(r, req)
	assert.Equal(t, "upstream-42", w.Body.String())
}
