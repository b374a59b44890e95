package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"callrouting-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(tenantID, role string, chain ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", tenantID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve("t", RoleSuperAdmin, RequireTenant(), RequireAnyRole(RoleOwner)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve("t", RoleNetworkOperator, RequireTenant(), RequireAnyRole(RoleOwner)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve("t", RoleNetworkOperator, RequireTenant(), RequireAnyRole(RoleNetworkOperator)); code != 200 {
		t.Fatalf("expected 200 when explicitly allowed, got %d", code)
	}
}

func TestRequireTenant(t *testing.T) {
	if code := serve("", RoleOwner, RequireTenant(), RequireAnyRole(RoleOwner)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequirePermission(t *testing.T) {
	cases := []struct {
		role string
		perm Permission
		want int
	}{
		{RoleOwner, PermFlowsPublish, 200},
		{RoleFlowEditor, PermFlowsPublish, 200},
		{RoleAnalyst, PermFlowsWrite, 403},
		{RoleAnalyst, PermEventsRead, 200},
		{RoleAgent, PermFlowsRead, 403},
		{RoleOwner, PermRoutingManage, 403},
		{RoleNetworkOperator, PermRoutingManage, 200},
		{RoleSuperAdmin, PermRoutingManage, 200},
		{"", PermFlowsRead, 401},
	}
	for _, tc := range cases {
		if code := serve("t", tc.role, RequireTenant(), RequirePermission(tc.perm)); code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.role, tc.perm, tc.want, code)
		}
	}
}
