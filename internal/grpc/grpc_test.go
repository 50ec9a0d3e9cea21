package grpc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"room-service/internal/events"
	"room-service/internal/models"
)

type fakeConn struct {
	method string
	req    map[string]any
	resp   map[string]any
	err    error
	stream *fakeStream
}

func (f *fakeConn) Invoke(_ context.Context, method string, args any, reply any, _ ...grpc.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct).AsMap()
	if f.err != nil {
		return f.err
	}
	out, err := structpb.NewStruct(f.resp)
	if err != nil {
		return err
	}
	proto.Merge(reply.(proto.Message), out)
	return nil
}

func (f *fakeConn) NewStream(_ context.Context, desc *grpc.StreamDesc, method string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	if f.stream == nil {
		return nil, errors.New("streams not supported")
	}
	f.method = method
	f.stream.desc = desc
	return f.stream, nil
}

type fakeStream struct {
	desc    *grpc.StreamDesc
	req     map[string]any
	replies []map[string]any
	end     error
	closed  bool
}

func (s *fakeStream) Header() (metadata.MD, error) { return nil, nil }
func (s *fakeStream) Trailer() metadata.MD         { return nil }
func (s *fakeStream) Context() context.Context     { return context.Background() }

func (s *fakeStream) CloseSend() error {
	s.closed = true
	return nil
}

func (s *fakeStream) SendMsg(m any) error {
	s.req = m.(*structpb.Struct).AsMap()
	return nil
}

func (s *fakeStream) RecvMsg(m any) error {
	if len(s.replies) == 0 {
		return s.end
	}
	out, err := structpb.NewStruct(s.replies[0])
	if err != nil {
		return err
	}
	s.replies = s.replies[1:]
	proto.Merge(m.(proto.Message), out)
	return nil
}

func TestValidateToken(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{
		"valid": true,
		"user":  map[string]any{"id": "u1", "username": "alice"},
	}}
	user, err := NewChatClient(conn).ValidateToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "/chat.v1.ChatService/ValidateToken", conn.method)
	assert.Equal(t, "tok", conn.req["token"])
	assert.Equal(t, models.User{ID: "u1", Username: "alice", Token: "tok"}, user)
}

func TestValidateTokenRejected(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"valid": false}}
	_, err := NewChatClient(conn).ValidateToken(context.Background(), "tok")
	assert.Equal(t, ErrInvalidToken, err)
}

func TestGetRoomInfoDecodesRoom(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"room": map[string]any{
		"rid":    "r1",
		"t":      "c",
		"name":   "general",
		"unread": 3,
		"muted":  []any{"bob"},
		"ls":     "2024-05-01T12:00:00Z",
	}}}
	room, err := NewChatClient(conn).GetRoomInfo(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", conn.req["rid"])
	assert.Equal(t, models.RoomTypeChannel, room.Type)
	assert.Equal(t, 3, room.Unread)
	assert.Equal(t, []string{"bob"}, []string(room.Muted))
	require.NotNil(t, room.LastSeen)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), room.LastSeen.UTC())
}

func TestSendMessageInThread(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"message": map[string]any{"id": "m1", "rid": "r1", "msg": "hi"}}}
	msg, err := NewChatClient(conn).SendMessage(context.Background(), "r1", "hi", "t1", true)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "t1", conn.req["tmid"])
	assert.Equal(t, true, conn.req["tshow"])
	assert.NotEmpty(t, conn.req["id"])
}

func TestCallErrorIsWrapped(t *testing.T) {
	boom := errors.New("unavailable")
	conn := &fakeConn{err: boom}
	err := NewChatClient(conn).ReadMessages(context.Background(), "r1")
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))
}

type fakeStateConn struct {
	mu       sync.Mutex
	states   []connectivity.State
	idx      int
	connects int
}

func (f *fakeStateConn) GetState() connectivity.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[f.idx]
}

func (f *fakeStateConn) WaitForStateChange(context.Context, connectivity.State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx == len(f.states)-1 {
		return false
	}
	f.idx++
	return true
}

func (f *fakeStateConn) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func TestConnectivityMonitorPublishesEachReadyTransition(t *testing.T) {
	conn := &fakeStateConn{states: []connectivity.State{
		connectivity.Connecting,
		connectivity.Ready,
		connectivity.TransientFailure,
		connectivity.Connecting,
		connectivity.Ready,
	}}
	bus := events.NewLocal()
	connected := 0
	bus.Subscribe(events.TopicConnected, func(events.Event) { connected++ })

	m := NewConnectivityMonitor(conn, bus)
	m.Run(context.Background())

	assert.Equal(t, 2, connected)
	assert.True(t, m.IsConnected())
}

func TestStreamRoomMessages(t *testing.T) {
	stream := &fakeStream{
		replies: []map[string]any{
			{"id": "m1", "rid": "r1", "msg": "hi"},
			{"id": "m2", "rid": "r1", "msg": "there"},
		},
		end: io.EOF,
	}
	conn := &fakeConn{stream: stream}

	var got []string
	err := NewChatClient(conn).StreamRoomMessages(context.Background(), "r1", func(m models.Message) {
		got = append(got, m.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, "/chat.v1.ChatService/StreamRoomMessages", conn.method)
	assert.True(t, stream.desc.ServerStreams)
	assert.Equal(t, "r1", stream.req["rid"])
	assert.True(t, stream.closed)
	assert.Equal(t, []string{"m1", "m2"}, got)
}

func TestStreamRoomMessagesBroken(t *testing.T) {
	conn := &fakeConn{stream: &fakeStream{end: errors.New("unavailable")}}
	err := NewChatClient(conn).StreamRoomMessages(context.Background(), "r1", func(models.Message) {})
	assert.Error(t, err)
}
