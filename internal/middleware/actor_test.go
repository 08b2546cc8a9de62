package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/changetrail/changetrail/pkg/auditlog"
)

func newActorRouter(withSubject string) *gin.Engine {
	r := gin.New()
	if withSubject != "" {
		r.Use(func(c *gin.Context) {
			c.Set(AuthSubjectKey, withSubject)
			c.Next()
		})
	}
	r.Use(ActorMiddleware())
	r.GET("/probe", func(c *gin.Context) {
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, gin.H{
			"actor":       auditlog.ActorFromContext(ctx),
			"remote_addr": auditlog.RemoteAddrFromContext(ctx),
		})
	})
	return r
}

func doActorRequest(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.RemoteAddr = "203.0.113.7:52100"
	if header != "" {
		req.Header.Set(ActorHeader, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestActorMiddleware_HeaderSetsActor(t *testing.T) {
	w := doActorRequest(newActorRouter(""), "deploy-bot")

	if got := w.Body.String(); !strings.Contains(got, `"actor":"deploy-bot"`) {
		t.Errorf("body = %s, want actor deploy-bot", got)
	}
}

func TestActorMiddleware_HeaderWinsOverAuthSubject(t *testing.T) {
	w := doActorRequest(newActorRouter("svc-orders"), "sam@example.com")

	if got := w.Body.String(); !strings.Contains(got, `"actor":"sam@example.com"`) {
		t.Errorf("body = %s, want header actor to take precedence", got)
	}
}

func TestActorMiddleware_FallsBackToAuthSubject(t *testing.T) {
	w := doActorRequest(newActorRouter("svc-orders"), "")

	if got := w.Body.String(); !strings.Contains(got, `"actor":"svc-orders"`) {
		t.Errorf("body = %s, want auth subject as actor", got)
	}
}

func TestActorMiddleware_NoIdentityLeavesActorEmpty(t *testing.T) {
	w := doActorRequest(newActorRouter(""), "")

	if got := w.Body.String(); !strings.Contains(got, `"actor":""`) {
		t.Errorf("body = %s, want empty actor", got)
	}
}

func TestActorMiddleware_RecordsClientIP(t *testing.T) {
	w := doActorRequest(newActorRouter(""), "deploy-bot")

	if got := w.Body.String(); !strings.Contains(got, `"remote_addr":"203.0.113.7"`) {
		t.Errorf("body = %s, want client IP recorded", got)
	}
}
