// Package services combines the remote chat API with the local store: it
// fetches from the server and persists what it got, and answers lookups
// from the local cache before asking the server.
package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	grpcclient "room-service/internal/grpc"
	"room-service/internal/models"
	"room-service/internal/store"
)

// RoomServices is the data access layer room sessions share.
type RoomServices struct {
	store store.Store
	api   grpcclient.ChatAPI
}

// New constructs RoomServices.
func New(st store.Store, api grpcclient.ChatAPI) *RoomServices {
	return &RoomServices{store: st, api: api}
}

// API exposes the remote client for plain actions.
func (s *RoomServices) API() grpcclient.ChatAPI { return s.api }

// Store exposes the local store.
func (s *RoomServices) Store() store.Store { return s.store }

func (s *RoomServices) persist(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		return tx.UpsertMessages(msgs)
	})
}

// GetMessages loads the latest room messages into the local store.
func (s *RoomServices) GetMessages(ctx context.Context, room models.Room) error {
	msgs, err := s.api.GetMessages(ctx, room.ID, room.Type)
	if err != nil {
		return errors.Wrapf(err, "load messages of %s", room.ID)
	}
	return s.persist(ctx, msgs)
}

// GetThreadMessages loads the messages of thread tmid into the local store.
func (s *RoomServices) GetThreadMessages(ctx context.Context, tmid, roomID string) error {
	msgs, err := s.api.GetThreadMessages(ctx, tmid, roomID)
	if err != nil {
		return errors.Wrapf(err, "load thread %s", tmid)
	}
	return s.persist(ctx, msgs)
}

// GetMoreMessages loads the page before the given timestamp.
func (s *RoomServices) GetMoreMessages(ctx context.Context, roomID, tmid string, before time.Time) error {
	msgs, err := s.api.GetMoreMessages(ctx, roomID, tmid, before)
	if err != nil {
		return errors.Wrapf(err, "load more messages of %s", roomID)
	}
	return s.persist(ctx, msgs)
}

// LoadSurroundingMessages loads the neighbours of a server-only message.
func (s *RoomServices) LoadSurroundingMessages(ctx context.Context, messageID, roomID string) error {
	msgs, err := s.api.LoadSurroundingMessages(ctx, messageID, roomID)
	if err != nil {
		return errors.Wrapf(err, "load messages around %s", messageID)
	}
	return s.persist(ctx, msgs)
}

// ReadMessages marks the room read on the server, then clears the local
// unread state and stores lastOpen as the room's last-seen marker.
func (s *RoomServices) ReadMessages(ctx context.Context, roomID string, lastOpen time.Time) error {
	if err := s.api.ReadMessages(ctx, roomID); err != nil {
		return errors.Wrapf(err, "read messages of %s", roomID)
	}
	return s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		return tx.UpdateRoom(roomID, func(r *models.Room) {
			ls := lastOpen
			r.Open = true
			r.Alert = false
			r.Unread = 0
			r.UserMentions = 0
			r.LastSeen = &ls
		})
	})
}

// GetMessageInfo looks a message up in the local messages, then among the
// local threads, then on the server. Server results are flagged FromServer.
func (s *RoomServices) GetMessageInfo(ctx context.Context, messageID string) (models.MessageInfo, error) {
	msg, err := s.store.FindMessage(ctx, messageID)
	if err == nil {
		return models.MessageInfo{Message: msg}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.MessageInfo{}, err
	}

	thread, err := s.store.FindThread(ctx, messageID)
	if err == nil {
		return models.MessageInfo{Message: models.Message{
			ID:     thread.ID,
			RoomID: thread.RoomID,
			Msg:    thread.Msg,
		}}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.MessageInfo{}, err
	}

	msg, err = s.api.GetSingleMessage(ctx, messageID)
	if err != nil {
		return models.MessageInfo{}, errors.Wrapf(err, "fetch message %s", messageID)
	}
	return models.MessageInfo{Message: msg, FromServer: true}, nil
}

// GetRoomInfo returns the local room record, fetching and storing it when
// it is not cached.
func (s *RoomServices) GetRoomInfo(ctx context.Context, roomID string) (models.Room, error) {
	room, err := s.store.FindRoom(ctx, roomID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Room{}, err
	}
	room, err = s.api.GetRoomInfo(ctx, roomID)
	if err != nil {
		return models.Room{}, errors.Wrapf(err, "fetch room %s", roomID)
	}
	if err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		return tx.UpsertRoom(room)
	}); err != nil {
		jww.WARN.Printf("cache room %s: %v", roomID, err)
	}
	return room, nil
}

// GetThreadName returns the display name of thread tmid, fetching the
// parent message when the thread is not cached. messageID is the message
// that referenced the thread.
func (s *RoomServices) GetThreadName(ctx context.Context, roomID, tmid, messageID string) (string, error) {
	thread, err := s.store.FindThread(ctx, tmid)
	if err == nil {
		return thread.Msg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	parent, err := s.api.GetSingleMessage(ctx, tmid)
	if err != nil {
		return "", errors.Wrapf(err, "fetch thread %s for message %s", tmid, messageID)
	}
	if err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		return tx.UpsertThread(models.Thread{ID: tmid, RoomID: roomID, Msg: parent.Msg})
	}); err != nil {
		jww.WARN.Printf("cache thread %s: %v", tmid, err)
	}
	return parent.Msg, nil
}

// SendMessage posts msg and stores the message the server accepted.
func (s *RoomServices) SendMessage(ctx context.Context, roomID, msg, tmid string, tshow bool) (models.Message, error) {
	sent, err := s.api.SendMessage(ctx, roomID, msg, tmid, tshow)
	if err != nil {
		return models.Message{}, errors.Wrapf(err, "send to %s", roomID)
	}
	if sent.ID != "" {
		if err := s.persist(ctx, []models.Message{sent}); err != nil {
			jww.WARN.Printf("cache sent message %s: %v", sent.ID, err)
		}
	}
	return sent, nil
}

// StreamRoomMessages stores every message posted to the room until ctx
// ends. It returns nil when ctx ended.
func (s *RoomServices) StreamRoomMessages(ctx context.Context, roomID string) error {
	err := s.api.StreamRoomMessages(ctx, roomID, func(msg models.Message) {
		if err := s.persist(ctx, []models.Message{msg}); err != nil {
			jww.WARN.Printf("room %s: store streamed message %s: %v", roomID, msg.ID, err)
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return errors.Wrapf(err, "stream room %s", roomID)
}
