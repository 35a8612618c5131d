package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://office.school.test"}), SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if method == http.MethodOptions {
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "https://office.school.test")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://office.school.test", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(http.MethodGet, "https://evil.test")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = do(http.MethodOptions, "https://office.school.test")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(http.MethodGet, "")
	assert.Equal(t, http.StatusOK, w.Code, "non-browser clients pass through")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
