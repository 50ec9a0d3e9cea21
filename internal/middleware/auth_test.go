package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"room-service/internal/mocks"
	"room-service/internal/models"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	api := new(mocks.ChatAPIMock)
	api.On("ValidateToken", mock.Anything, "good").Return(models.User{ID: "u1", Username: "alice"}, nil)
	api.On("ValidateToken", mock.Anything, "stale").Return(nil, errors.New("expired"))

	router := gin.New()
	router.GET("/me", AuthMiddleware(api), func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": user.ID, "token": user.Token})
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", status: http.StatusUnauthorized},
		{name: "rejected", header: "Bearer stale", status: http.StatusUnauthorized},
		{name: "valid", header: "bearer good", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"id":"u1","token":"good"}`, w.Body.String())
			}
		})
	}
}

func TestCurrentUserMissing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := CurrentUser(c)
	assert.False(t, ok)

	c.Set(UserKey, "not a user")
	_, ok = CurrentUser(c)
	assert.False(t, ok)
}
