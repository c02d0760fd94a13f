package client

import (
	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/command"
	"github.com/peerchat/peerchat/protocol"
)

func (c *Client) registerCommands() {
	c.registry.MustRegister(
		command.New(protocol.CltRegistrationResponse, command.ServerOnly, c.handleRegistrationResponse),
		command.New(protocol.CltRoomOpened, command.ServerOnly, c.handleRoomOpened),
		command.New(protocol.CltRoomClosed, command.ServerOnly, c.handleRoomClosed),
		command.New(protocol.CltRoomRefreshed, command.ServerOnly, c.handleRoomRefreshed),
		command.New(protocol.CltOutRoomMessage, command.ServerOnly, c.handleOutRoomMessage),
		command.New(protocol.CltOutSystemMessage, command.ServerOnly, c.handleOutSystemMessage),
		command.New(protocol.CltFilePosted, command.ServerOnly, c.handleFilePosted),
		// The owner of a file announces its removal over the peer link too,
		// so this one accepts both origins.
		command.New(protocol.CltPostedFileDeleted, command.Any, c.handlePostedFileDeleted),
		command.New(protocol.CltReadFilePart, command.PeerOnly, c.handleReadFilePart),
		command.New(protocol.CltWriteFilePart, command.PeerOnly, c.handleWriteFilePart),
		command.New(protocol.CltConnectToRendezvous, command.ServerOnly, c.handleConnectToRendezvous),
		command.New(protocol.CltWaitPeerConnection, command.ServerOnly, c.handleWaitPeerConnection),
		command.New(protocol.CltConnectToPeer, command.ServerOnly, c.handlePeerConnect),
		command.NewContentless(protocol.CltPong, command.ServerOnly, c.handlePong),
		command.NewContentless(protocol.CltPlayVoice, command.PeerOnly, c.handlePlayVoice),
	)
}

func (c *Client) handleRegistrationResponse(ctx command.Context, resp *protocol.RegistrationResponse) error {
	select {
	case c.regCh <- *resp:
	default:
	}
	c.notifier.emit(EventRegistered, RegisteredEvent{Registered: resp.Registered, Message: resp.Message})
	return nil
}

func (c *Client) handleRoomOpened(ctx command.Context, req *protocol.RoomOpened) error {
	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	delta := model.ReconcileRoom(req.Room)
	release()
	c.notifier.emit(EventRoomOpened, RoomEvent{Room: req.Room.Name, Delta: delta})
	return nil
}

// handleRoomClosed drops the local room replica and everything tied to it:
// files posted there lose that room, downloads from there are abandoned.
func (c *Client) handleRoomClosed(ctx command.Context, req *protocol.RoomClosed) error {
	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	model.DeleteRoom(req.RoomName)
	for id, posted := range model.Posted {
		if _, ok := posted.RoomNames[req.RoomName]; ok {
			model.UnpostFile(id, req.RoomName)
		}
	}
	var abandoned []chat.FileID
	for id, d := range model.Downloading {
		if d.RoomName == req.RoomName {
			abandoned = append(abandoned, id)
		}
	}
	release()
	for _, id := range abandoned {
		c.failDownload(id, "room closed")
	}
	c.notifier.emit(EventRoomClosed, RoomEvent{Room: req.RoomName})
	return nil
}

func (c *Client) handleRoomRefreshed(ctx command.Context, req *protocol.RoomRefreshed) error {
	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	delta := model.ReconcileRoom(req.Room)
	release()
	c.notifier.emit(EventRoomRefreshed, RoomEvent{Room: req.Room.Name, Delta: delta})
	return nil
}

func (c *Client) handleOutRoomMessage(ctx command.Context, req *protocol.OutRoomMessage) error {
	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	room, roomErr := model.Room(req.RoomName)
	if roomErr != nil {
		// Unknown room: the snapshot that opens it will carry the message.
		release()
		return nil
	}
	if local, ok := room.Message(req.Message.ID); ok {
		local.Text = req.Message.Text
		local.Time = req.Message.Time
	} else {
		room.PutMessage(req.Message)
	}
	release()
	c.notifier.emit(EventMessageReceived, MessageEvent{Room: req.RoomName, Message: req.Message})
	return nil
}

func (c *Client) handleOutSystemMessage(ctx command.Context, req *protocol.OutSystemMessage) error {
	c.notifier.emit(EventSystemMessage, SystemMessageEvent{Room: req.RoomName, Text: req.Message})
	return nil
}

func (c *Client) handleFilePosted(ctx command.Context, req *protocol.FilePosted) error {
	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	room, roomErr := model.Room(req.RoomName)
	if roomErr != nil {
		release()
		return nil
	}
	room.AddFile(req.File)
	release()
	c.notifier.emit(EventFilePosted, FileEvent{Room: req.RoomName, File: req.File})
	return nil
}

func (c *Client) handlePostedFileDeleted(ctx command.Context, req *protocol.PostedFileDeleted) error {
	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	if room, roomErr := model.Room(req.RoomName); roomErr == nil {
		room.RemoveFile(req.FileID)
	}
	_, downloading := model.Downloading[req.FileID]
	release()
	if downloading {
		c.failDownload(req.FileID, "file no longer posted")
	}
	c.notifier.emit(EventFileDeleted, FileDeletedEvent{Room: req.RoomName, FileID: req.FileID})
	return nil
}

func (c *Client) handlePong(ctx command.Context) error {
	c.notifier.emit(EventPong, nil)
	return nil
}
