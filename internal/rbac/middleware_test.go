package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"call-coordinator/internal/auth"

	"github.com/gin-gonic/gin"
)

func withIdentity(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func serve(t *testing.T, handlers ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serve(t, withIdentity("u", RoleAdmin), RequireIdentity(), RequireAnyRole(RoleMember)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve(t, withIdentity("u", RoleService), RequireAnyRole(RoleMember)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, withIdentity("u", RoleService), RequireAnyRole(RoleMember, RoleService)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_MemberDeniedAdminRoute(t *testing.T) {
	if code := serve(t, withIdentity("u", RoleMember), RequireAnyRole(RoleAdmin)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireIdentity(t *testing.T) {
	if code := serve(t, withIdentity("", RoleMember), RequireIdentity()); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}
