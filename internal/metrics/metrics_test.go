package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/api/ui/snapshot", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ui/snapshot", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{
		"gridagent_http_requests_total",
		"gridagent_bank_reservations",
		"gridagent_orders_fulfilled_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 500: "5xx"}
	for status, want := range cases {
		if got := statusBucket(status); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", status, got, want)
		}
	}
}
