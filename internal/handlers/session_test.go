package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"room-service/internal/events"
	"room-service/internal/middleware"
	"room-service/internal/mocks"
	"room-service/internal/models"
	"room-service/internal/services"
	"room-service/internal/session"
	"room-service/internal/store"
	"room-service/internal/ws"
)

var users = map[string]models.User{
	"u1": {ID: "u1", Username: "alice"},
	"u2": {ID: "u2", Username: "bob"},
}

// fakeAuth stands in for AuthMiddleware and trusts the X-User-ID header.
func fakeAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user, ok := users[c.GetHeader("X-User-ID")]; ok {
			c.Set(middleware.UserKey, user)
		}
		c.Next()
	}
}

type apiFixture struct {
	api    *mocks.ChatAPIMock
	store  *store.Memory
	bus    *events.Local
	mgr    *session.Manager
	router *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		api:   new(mocks.ChatAPIMock),
		store: store.NewMemory(clock.New()),
		bus:   events.NewLocal(),
	}
	require.NoError(t, f.store.RunInTransaction(context.Background(), func(tx store.Tx) error {
		return tx.UpsertRoom(models.Room{ID: "r1", Type: models.RoomTypeChannel, Name: "general", Open: true})
	}))
	f.api.On("StreamRoomMessages", mock.Anything, "r1").Return(nil, nil).Maybe()
	f.api.On("GetMessages", mock.Anything, "r1", models.RoomTypeChannel).Return(nil, nil).Maybe()
	f.api.On("ReadMessages", mock.Anything, "r1").Return(nil).Maybe()
	f.api.On("CanAutoTranslate", mock.Anything).Return(false, nil).Maybe()

	f.mgr = session.NewManager(session.Deps{
		Store:    f.store,
		Services: services.New(f.store, f.api),
		Bus:      f.bus,
	}, session.DefaultConfig(), ws.NewHub())
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })

	f.router = gin.New()
	group := f.router.Group("/", fakeAuth())
	NewSessionHandler(f.mgr).Register(group)
	NewRoomHandler(f.store, f.bus).Register(group)
	return f
}

func (f *apiFixture) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) mount(t *testing.T) string {
	t.Helper()
	w := f.do(http.MethodPost, "/sessions", "u1", gin.H{
		"rid":  "r1",
		"t":    models.RoomTypeChannel,
		"room": gin.H{"rid": "r1", "t": models.RoomTypeChannel, "name": "general", "open": true},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func TestMountAndSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)

	require.Eventually(t, func() bool {
		w := f.do(http.MethodGet, "/sessions/"+id, "u1", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var snap session.Snapshot
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.ID == id && snap.Header != nil && snap.Header.Title == "general"
	}, time.Second, 10*time.Millisecond)
}

func TestMountRejectsBadRoute(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		user   string
		body   any
		status int
	}{
		{name: "no user", user: "", body: gin.H{"rid": "r1", "t": "c"}, status: http.StatusUnauthorized},
		{name: "missing type", user: "u1", body: gin.H{"rid": "r1"}, status: http.StatusBadRequest},
		{name: "missing room", user: "u1", body: gin.H{"t": "c"}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/sessions", tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
	assert.Zero(t, f.mgr.Len())
}

func TestSessionAccess(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/sessions/"+id, "", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/sessions/"+id, "u2", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/sessions/nope", "u1", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/sessions/"+id+"/messages", "u2", gin.H{"msg": "hi"}).Code)
}

func TestSendMessage(t *testing.T) {
	f := newAPIFixture(t)
	f.api.On("SendMessage", mock.Anything, "r1", "hello", "", false).
		Return(models.Message{ID: "m1", RoomID: "r1", Msg: "hello"}, nil).Once()
	id := f.mount(t)

	w := f.do(http.MethodPost, "/sessions/"+id+"/messages", "u1", gin.H{"msg": "hello"})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		_, err := f.store.FindMessage(context.Background(), "m1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	w = f.do(http.MethodPost, "/sessions/"+id+"/messages", "u1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJumpValidation(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)

	w := f.do(http.MethodPost, "/sessions/"+id+"/jump", "u1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenThreadRequiresThreadMessage(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)

	w := f.do(http.MethodPost, "/sessions/"+id+"/threads", "u1", gin.H{"id": "m1", "rid": "r1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCloseBanner(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)

	w := f.do(http.MethodPost, "/sessions/"+id+"/banner/close", "u1", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		room, err := f.store.FindRoom(context.Background(), "r1")
		return err == nil && room.BannerClosed
	}, time.Second, 10*time.Millisecond)
}

func TestUnmountSession(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)

	w := f.do(http.MethodDelete, "/sessions/"+id, "u1", gin.H{"composer_text": "later"})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, f.mgr.Len())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/sessions/"+id, "u1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/sessions/"+id, "u1", nil).Code)

	room, err := f.store.FindRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "later", room.DraftMessage)
}

func (f *apiFixture) snapshot(t *testing.T, id string) session.Snapshot {
	t.Helper()
	w := f.do(http.MethodGet, "/sessions/"+id, "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

func TestEditModeKeepsDraftOnUnmount(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)
	msg := gin.H{"id": "m1", "rid": "r1", "msg": "old text"}

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/sessions/"+id+"/edit-mode", "u1", msg).Code)
	snap := f.snapshot(t, id)
	assert.True(t, snap.State.Editing)
	require.NotNil(t, snap.State.SelectedMessage)
	assert.Equal(t, "m1", snap.State.SelectedMessage.ID)

	w := f.do(http.MethodDelete, "/sessions/"+id, "u1", gin.H{"composer_text": "new text"})
	require.Equal(t, http.StatusNoContent, w.Code)

	room, err := f.store.FindRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, room.DraftMessage)
}

func TestEditModeCancel(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/sessions/"+id+"/edit-mode", "u1", gin.H{"id": "m1", "rid": "r1"}).Code)
	require.Equal(t, http.StatusAccepted, f.do(http.MethodDelete, "/sessions/"+id+"/edit-mode", "u1", nil).Code)
	snap := f.snapshot(t, id)
	assert.False(t, snap.State.Editing)
	assert.Nil(t, snap.State.SelectedMessage)

	w := f.do(http.MethodPost, "/sessions/"+id+"/edit-mode", "u1", gin.H{"rid": "r1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReactionPickerAndModal(t *testing.T) {
	f := newAPIFixture(t)
	id := f.mount(t)
	msg := gin.H{"id": "m1", "rid": "r1"}

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/sessions/"+id+"/reaction-picker", "u1", msg).Code)
	assert.True(t, f.snapshot(t, id).State.Reacting)
	require.Equal(t, http.StatusAccepted, f.do(http.MethodDelete, "/sessions/"+id+"/reaction-picker", "u1", nil).Code)
	assert.False(t, f.snapshot(t, id).State.Reacting)

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/sessions/"+id+"/reactions-modal", "u1", msg).Code)
	assert.True(t, f.snapshot(t, id).State.ReactionsModalVisible)
	require.Equal(t, http.StatusAccepted, f.do(http.MethodDelete, "/sessions/"+id+"/reactions-modal", "u1", nil).Code)
	assert.False(t, f.snapshot(t, id).State.ReactionsModalVisible)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/sessions/"+id+"/reaction-picker", "u2", msg).Code)
}

func TestIgnoredMessages(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.RunInTransaction(context.Background(), func(tx store.Tx) error {
		return tx.UpdateRoom("r1", func(r *models.Room) {
			r.Ignored = []string{"u9"}
		})
	}))
	id := f.mount(t)

	ignored := func(userID string) bool {
		w := f.do(http.MethodPost, "/sessions/"+id+"/ignored", "u1", gin.H{"id": "m1", "rid": "r1", "user_id": userID})
		var resp struct {
			Ignored bool `json:"ignored"`
		}
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &resp) != nil {
			return false
		}
		return resp.Ignored
	}

	require.Eventually(t, func() bool { return ignored("u9") }, time.Second, 10*time.Millisecond)
	assert.False(t, ignored("u1"))
}
