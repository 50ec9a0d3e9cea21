package grpc

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	grpc "google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"room-service/internal/models"
)

// ServiceName is the fully qualified name of the remote chat service.
const ServiceName = "chat.v1.ChatService"

var ErrInvalidToken = errors.New("invalid token")

// ChatAPI is the remote chat API consumed by room sessions.
type ChatAPI interface {
	ValidateToken(ctx context.Context, token string) (models.User, error)
	GetUserInfo(ctx context.Context, userID string) (models.Member, error)

	GetMessages(ctx context.Context, roomID string, t models.RoomType) ([]models.Message, error)
	GetThreadMessages(ctx context.Context, tmid, roomID string) ([]models.Message, error)
	GetMoreMessages(ctx context.Context, roomID, tmid string, before time.Time) ([]models.Message, error)
	LoadSurroundingMessages(ctx context.Context, messageID, roomID string) ([]models.Message, error)
	GetSingleMessage(ctx context.Context, messageID string) (models.Message, error)
	GetRoomInfo(ctx context.Context, roomID string) (models.Room, error)
	ReadMessages(ctx context.Context, roomID string) error
	CanAutoTranslate(ctx context.Context) (bool, error)

	SendMessage(ctx context.Context, roomID, msg, tmid string, tshow bool) (models.Message, error)
	EditMessage(ctx context.Context, messageID, roomID, msg string) error
	SetReaction(ctx context.Context, shortname, messageID string) error
	JoinRoom(ctx context.Context, roomID, joinCode string, t models.RoomType) error
	TakeInquiry(ctx context.Context, roomID string) error
	TriggerBlockAction(ctx context.Context, action BlockAction) error
	ToggleFollowMessage(ctx context.Context, tmid string, follow bool) error

	// StreamRoomMessages calls fn for every message posted to the room
	// until ctx ends or the stream breaks.
	StreamRoomMessages(ctx context.Context, roomID string, fn func(models.Message)) error
}

// BlockAction is an interactive message block the user triggered.
type BlockAction struct {
	ActionID  string `json:"action_id"`
	AppID     string `json:"app_id"`
	BlockID   string `json:"block_id,omitempty"`
	Value     string `json:"value,omitempty"`
	RoomID    string `json:"rid"`
	MessageID string `json:"mid,omitempty"`
}

// ChatClient calls the chat service over a gRPC connection. Requests and
// responses travel as google.protobuf.Struct documents decoded into models.
type ChatClient struct {
	conn grpc.ClientConnInterface
}

var _ ChatAPI = (*ChatClient)(nil)

// NewChatClient constructs the wrapper.
func NewChatClient(conn grpc.ClientConnInterface) *ChatClient {
	return &ChatClient{conn: conn}
}

func (c *ChatClient) call(ctx context.Context, method string, req map[string]any, out any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return errors.Wrapf(err, "encode %s request", method)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return errors.Wrapf(err, "call %s", method)
	}
	if out == nil {
		return nil
	}
	return decode(resp, out, method)
}

func decode(resp *structpb.Struct, out any, method string) error {
	data, err := protojson.Marshal(resp)
	if err != nil {
		return errors.Wrapf(err, "read %s response", method)
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decode %s response", method)
}

// ValidateToken verifies the session token and returns the user behind it.
func (c *ChatClient) ValidateToken(ctx context.Context, token string) (models.User, error) {
	var resp struct {
		Valid bool        `json:"valid"`
		User  models.User `json:"user"`
	}
	if err := c.call(ctx, "ValidateToken", map[string]any{"token": token}, &resp); err != nil {
		return models.User{}, err
	}
	if !resp.Valid || resp.User.ID == "" {
		return models.User{}, ErrInvalidToken
	}
	resp.User.Token = token
	return resp.User, nil
}

// GetUserInfo fetches the profile of another user.
func (c *ChatClient) GetUserInfo(ctx context.Context, userID string) (models.Member, error) {
	var resp struct {
		User models.Member `json:"user"`
	}
	if err := c.call(ctx, "GetUserInfo", map[string]any{"user_id": userID}, &resp); err != nil {
		return models.Member{}, err
	}
	if resp.User.ID == "" {
		return models.Member{}, errors.Errorf("user %s not found", userID)
	}
	return resp.User, nil
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
}

// GetMessages loads the latest messages of a room.
func (c *ChatClient) GetMessages(ctx context.Context, roomID string, t models.RoomType) ([]models.Message, error) {
	var resp messagesResponse
	err := c.call(ctx, "GetMessages", map[string]any{"rid": roomID, "t": string(t)}, &resp)
	return resp.Messages, err
}

// GetThreadMessages loads the messages of a thread.
func (c *ChatClient) GetThreadMessages(ctx context.Context, tmid, roomID string) ([]models.Message, error) {
	var resp messagesResponse
	err := c.call(ctx, "GetThreadMessages", map[string]any{"tmid": tmid, "rid": roomID}, &resp)
	return resp.Messages, err
}

// GetMoreMessages loads the page of messages older than before.
func (c *ChatClient) GetMoreMessages(ctx context.Context, roomID, tmid string, before time.Time) ([]models.Message, error) {
	var resp messagesResponse
	err := c.call(ctx, "GetMoreMessages", map[string]any{
		"rid":    roomID,
		"tmid":   tmid,
		"before": before.UTC().Format(time.RFC3339Nano),
	}, &resp)
	return resp.Messages, err
}

// LoadSurroundingMessages loads the neighbours of a message.
func (c *ChatClient) LoadSurroundingMessages(ctx context.Context, messageID, roomID string) ([]models.Message, error) {
	var resp messagesResponse
	err := c.call(ctx, "LoadSurroundingMessages", map[string]any{"message_id": messageID, "rid": roomID}, &resp)
	return resp.Messages, err
}

// GetSingleMessage fetches one message by id.
func (c *ChatClient) GetSingleMessage(ctx context.Context, messageID string) (models.Message, error) {
	var resp struct {
		Message models.Message `json:"message"`
	}
	if err := c.call(ctx, "GetSingleMessage", map[string]any{"message_id": messageID}, &resp); err != nil {
		return models.Message{}, err
	}
	if resp.Message.ID == "" {
		return models.Message{}, errors.Errorf("message %s not found", messageID)
	}
	return resp.Message, nil
}

// GetRoomInfo fetches the room record as the server knows it.
func (c *ChatClient) GetRoomInfo(ctx context.Context, roomID string) (models.Room, error) {
	var resp struct {
		Room models.Room `json:"room"`
	}
	if err := c.call(ctx, "GetRoomInfo", map[string]any{"rid": roomID}, &resp); err != nil {
		return models.Room{}, err
	}
	if resp.Room.ID == "" {
		return models.Room{}, errors.Errorf("room %s not found", roomID)
	}
	return resp.Room, nil
}

// ReadMessages marks every message of the room read for the user.
func (c *ChatClient) ReadMessages(ctx context.Context, roomID string) error {
	return c.call(ctx, "ReadMessages", map[string]any{"rid": roomID}, nil)
}

// CanAutoTranslate reports whether the user may enable auto-translation.
func (c *ChatClient) CanAutoTranslate(ctx context.Context) (bool, error) {
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	err := c.call(ctx, "CanAutoTranslate", map[string]any{}, &resp)
	return resp.Allowed, err
}

// SendMessage posts a new message. The id is generated client side so a
// retried send cannot duplicate the message.
func (c *ChatClient) SendMessage(ctx context.Context, roomID, msg, tmid string, tshow bool) (models.Message, error) {
	req := map[string]any{
		"id":  uuid.NewString(),
		"rid": roomID,
		"msg": msg,
	}
	if tmid != "" {
		req["tmid"] = tmid
		req["tshow"] = tshow
	}
	var resp struct {
		Message models.Message `json:"message"`
	}
	if err := c.call(ctx, "SendMessage", req, &resp); err != nil {
		return models.Message{}, err
	}
	return resp.Message, nil
}

// EditMessage replaces the text of an existing message.
func (c *ChatClient) EditMessage(ctx context.Context, messageID, roomID, msg string) error {
	return c.call(ctx, "EditMessage", map[string]any{"id": messageID, "rid": roomID, "msg": msg}, nil)
}

// SetReaction toggles an emoji reaction on a message.
func (c *ChatClient) SetReaction(ctx context.Context, shortname, messageID string) error {
	return c.call(ctx, "SetReaction", map[string]any{"emoji": shortname, "message_id": messageID}, nil)
}

// JoinRoom joins a public room, with a join code when the room requires one.
func (c *ChatClient) JoinRoom(ctx context.Context, roomID, joinCode string, t models.RoomType) error {
	req := map[string]any{"rid": roomID, "t": string(t)}
	if joinCode != "" {
		req["join_code"] = joinCode
	}
	return c.call(ctx, "JoinRoom", req, nil)
}

// TakeInquiry accepts a queued livechat inquiry.
func (c *ChatClient) TakeInquiry(ctx context.Context, roomID string) error {
	return c.call(ctx, "TakeInquiry", map[string]any{"rid": roomID}, nil)
}

// TriggerBlockAction runs the app action bound to a message block.
func (c *ChatClient) TriggerBlockAction(ctx context.Context, action BlockAction) error {
	return c.call(ctx, "TriggerBlockAction", map[string]any{
		"action_id": action.ActionID,
		"app_id":    action.AppID,
		"block_id":  action.BlockID,
		"value":     action.Value,
		"rid":       action.RoomID,
		"mid":       action.MessageID,
	}, nil)
}

// ToggleFollowMessage follows or unfollows a thread.
func (c *ChatClient) ToggleFollowMessage(ctx context.Context, tmid string, follow bool) error {
	return c.call(ctx, "ToggleFollowMessage", map[string]any{"mid": tmid, "follow": follow}, nil)
}

var roomStreamDesc = &grpc.StreamDesc{StreamName: "StreamRoomMessages", ServerStreams: true}

// StreamRoomMessages opens the server stream of room-level messages.
func (c *ChatClient) StreamRoomMessages(ctx context.Context, roomID string, fn func(models.Message)) error {
	stream, err := c.conn.NewStream(ctx, roomStreamDesc, "/"+ServiceName+"/StreamRoomMessages")
	if err != nil {
		return errors.Wrap(err, "open room stream")
	}
	in, err := structpb.NewStruct(map[string]any{"rid": roomID})
	if err != nil {
		return errors.Wrap(err, "encode room stream request")
	}
	if err := stream.SendMsg(in); err != nil {
		return errors.Wrap(err, "send room stream request")
	}
	if err := stream.CloseSend(); err != nil {
		return errors.Wrap(err, "close room stream send")
	}
	for {
		resp := &structpb.Struct{}
		if err := stream.RecvMsg(resp); err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "receive room message")
		}
		var msg models.Message
		if err := decode(resp, &msg, "StreamRoomMessages"); err != nil {
			return err
		}
		fn(msg)
	}
}
