package server

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/command"
	"github.com/peerchat/peerchat/protocol"
	"github.com/peerchat/peerchat/rendezvous"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// checkPayload rejects structurally invalid requests before any state is
// touched. A failed validation counts as a protocol violation.
func checkPayload(req any) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", command.ErrWrongContentType, err)
	}
	return nil
}

func (s *Server) registerCommands() {
	s.registry.MustRegister(
		command.New(protocol.SrvRegister, command.ServerOnly, s.handleRegister),
		command.NewContentless(protocol.SrvUnregister, command.ServerOnly, s.handleUnregister),
		command.New(protocol.SrvCreateRoom, command.ServerOnly, s.handleCreateRoom),
		command.New(protocol.SrvDeleteRoom, command.ServerOnly, s.handleDeleteRoom),
		command.New(protocol.SrvInviteUsers, command.ServerOnly, s.handleInviteUsers),
		command.New(protocol.SrvKickUsers, command.ServerOnly, s.handleKickUsers),
		command.New(protocol.SrvExitFromRoom, command.ServerOnly, s.handleExitFromRoom),
		command.New(protocol.SrvRefreshRoom, command.ServerOnly, s.handleRefreshRoom),
		command.New(protocol.SrvSetRoomAdmin, command.ServerOnly, s.handleSetRoomAdmin),
		command.New(protocol.SrvSendRoomMessage, command.ServerOnly, s.handleSendRoomMessage),
		command.New(protocol.SrvAddFileToRoom, command.ServerOnly, s.handleAddFile),
		command.New(protocol.SrvRemoveFileFromRoom, command.ServerOnly, s.handleRemoveFile),
		command.New(protocol.SrvEnableVoiceRoom, command.ServerOnly, s.handleEnableVoice),
		command.New(protocol.SrvDisableVoiceRoom, command.ServerOnly, s.handleDisableVoice),
		command.New(protocol.SrvConnectToPeer, command.ServerOnly, s.handleConnectToPeer),
		command.NewContentless(protocol.SrvPing, command.ServerOnly, s.handlePing),
	)
}

// connUser returns the registered identity bound to a connection.
func (s *Server) connUser(connID string) (chat.UserSnapshot, error) {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return chat.UserSnapshot{}, fmt.Errorf("%w: unknown connection", chat.ErrUserNotExist)
	}
	user, registered := c.identity()
	if !registered {
		return chat.UserSnapshot{}, fmt.Errorf("%w: connection not registered", chat.ErrUserNotExist)
	}
	return user, nil
}

// roomOrClosed resolves a room; when it does not exist the caller also gets
// a forced room-closed so a stale local copy is torn down.
func (s *Server) roomOrClosed(model *chat.Model, connID, name string) (*chat.Room, error) {
	room, err := model.Room(name)
	if err != nil {
		s.sendTo(connID, protocol.CltRoomClosed, protocol.RoomClosed{RoomName: name})
		return nil, err
	}
	return room, nil
}

// memberRoom resolves a room the caller must be a member of.
func (s *Server) memberRoom(model *chat.Model, connID, nick, name string) (*chat.Room, error) {
	room, err := s.roomOrClosed(model, connID, name)
	if err != nil {
		return nil, err
	}
	if !room.HasMember(nick) {
		return nil, fmt.Errorf("%w: not a member of %q", chat.ErrRoomAccessDenied, name)
	}
	return room, nil
}

// adminRoom resolves a room the caller must administer.
func (s *Server) adminRoom(model *chat.Model, connID, nick, name string) (*chat.Room, error) {
	room, err := s.memberRoom(model, connID, nick, name)
	if err != nil {
		return nil, err
	}
	if room.Admin != nick {
		return nil, fmt.Errorf("%w: not the administrator of %q", chat.ErrRoomAccessDenied, name)
	}
	return room, nil
}

func (s *Server) handleRegister(ctx command.Context, req *protocol.RegisterRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	// A connection carries exactly one identity for its lifetime; rebinding
	// would orphan the previous user in the model.
	if _, err := s.connUser(ctx.ConnectionID); err == nil {
		s.sendTo(ctx.ConnectionID, protocol.CltRegistrationResponse, protocol.RegistrationResponse{
			Registered: false,
			Message:    "connection is already registered",
		})
		return nil
	}
	if err := s.identities.Verify(req.User); err != nil {
		s.sendTo(ctx.ConnectionID, protocol.CltRegistrationResponse, protocol.RegistrationResponse{
			Registered: false,
			Message:    err.Error(),
		})
		return nil
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	nick := req.User.ID.Nickname
	if err := model.AddUser(&chat.User{ID: req.User.ID, Color: req.User.Color, Cert: req.User.Cert}); err != nil {
		s.sendTo(ctx.ConnectionID, protocol.CltRegistrationResponse, protocol.RegistrationResponse{
			Registered: false,
			Message:    fmt.Sprintf("nickname %q is already taken", nick),
		})
		return nil
	}

	s.mu.Lock()
	c, ok := s.conns[ctx.ConnectionID]
	if ok {
		s.byNick[nick] = ctx.ConnectionID
	}
	s.mu.Unlock()
	if !ok {
		// Connection vanished while registering; undo the model entry.
		model.RemoveUser(nick)
		return nil
	}
	c.register(req.User)

	s.sendTo(ctx.ConnectionID, protocol.CltRegistrationResponse, protocol.RegistrationResponse{Registered: true})

	main, _ := model.Room(chat.MainRoomName)
	s.sendTo(ctx.ConnectionID, protocol.CltRoomOpened, protocol.RoomOpened{Room: model.SnapshotRoom(main)})
	s.broadcastRefresh(model, main)
	s.logger.Info("user registered", "nickname", nick)
	return nil
}

func (s *Server) handleUnregister(ctx command.Context) error {
	s.dropConn(ctx.ConnectionID, "unregistered")
	return nil
}

func (s *Server) handleCreateRoom(ctx command.Context, req *protocol.CreateRoomRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	kind := chat.KindChat
	if req.Voice {
		kind = chat.KindVoice
	}
	room, err := model.CreateRoom(req.RoomName, kind, user.ID.Nickname)
	if err != nil {
		return err
	}
	s.sendTo(ctx.ConnectionID, protocol.CltRoomOpened, protocol.RoomOpened{Room: model.SnapshotRoom(room)})
	return nil
}

func (s *Server) handleDeleteRoom(ctx command.Context, req *protocol.RoomRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.adminRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName); err != nil {
		return err
	}
	room, err := model.DeleteRoom(req.RoomName)
	if err != nil {
		return err
	}
	for _, nick := range room.Members() {
		if connID, ok := s.connByNick(nick); ok {
			s.sendTo(connID, protocol.CltRoomClosed, protocol.RoomClosed{RoomName: room.Name})
		}
	}
	return nil
}

func (s *Server) handleInviteUsers(ctx command.Context, req *protocol.UsersRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	room, err := s.memberRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName)
	if err != nil {
		return err
	}

	var joined bool
	var missing []string
	for _, nick := range req.Users {
		if err := model.JoinRoom(room.Name, nick); err != nil {
			missing = append(missing, nick)
			continue
		}
		joined = true
		if connID, ok := s.connByNick(nick); ok {
			s.sendTo(connID, protocol.CltRoomOpened, protocol.RoomOpened{Room: model.SnapshotRoom(room)})
		}
	}
	if joined {
		s.broadcastRefresh(model, room)
	}
	if len(missing) > 0 {
		s.sendSystem(ctx.ConnectionID, room.Name,
			fmt.Sprintf("not connected: %s", strings.Join(missing, ", ")))
	}
	return nil
}

func (s *Server) handleKickUsers(ctx command.Context, req *protocol.UsersRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.adminRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName); err != nil {
		return err
	}

	var kicked, deleted bool
	var newAdmin string
	for _, nick := range req.Users {
		result, err := model.LeaveRoom(req.RoomName, nick)
		if err != nil || !result.Left {
			continue
		}
		kicked = true
		deleted = deleted || result.Deleted
		if result.NewAdmin != "" {
			newAdmin = result.NewAdmin
		}
		if connID, ok := s.connByNick(nick); ok {
			s.sendTo(connID, protocol.CltRoomClosed, protocol.RoomClosed{RoomName: req.RoomName})
		}
	}
	if !kicked || deleted {
		return nil
	}
	room, err := model.Room(req.RoomName)
	if err != nil {
		return nil
	}
	s.broadcastRefresh(model, room)
	if newAdmin != "" {
		s.notifyAdminChanged(room.Name, newAdmin)
	}
	return nil
}

func (s *Server) handleExitFromRoom(ctx command.Context, req *protocol.RoomRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.roomOrClosed(model, ctx.ConnectionID, req.RoomName); err != nil {
		return err
	}
	result, err := model.LeaveRoom(req.RoomName, user.ID.Nickname)
	if err != nil {
		return err
	}
	s.sendTo(ctx.ConnectionID, protocol.CltRoomClosed, protocol.RoomClosed{RoomName: req.RoomName})
	if !result.Left || result.Deleted {
		return nil
	}
	room, err := model.Room(req.RoomName)
	if err != nil {
		return nil
	}
	s.broadcastRefresh(model, room)
	if result.NewAdmin != "" {
		s.notifyAdminChanged(room.Name, result.NewAdmin)
	}
	return nil
}

func (s *Server) handleRefreshRoom(ctx command.Context, req *protocol.RoomRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	room, err := s.memberRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName)
	if err != nil {
		return err
	}
	s.sendTo(ctx.ConnectionID, protocol.CltRoomRefreshed, protocol.RoomRefreshed{Room: model.SnapshotRoom(room)})
	return nil
}

func (s *Server) handleSetRoomAdmin(ctx command.Context, req *protocol.SetRoomAdminRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	room, err := s.adminRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName)
	if err != nil {
		return err
	}
	if !room.HasMember(req.NewAdmin) {
		return fmt.Errorf("%w: %q is not a member of %q", chat.ErrUserNotExist, req.NewAdmin, room.Name)
	}
	room.Admin = req.NewAdmin
	s.broadcastRefresh(model, room)
	s.notifyAdminChanged(room.Name, req.NewAdmin)
	return nil
}

func (s *Server) handleSendRoomMessage(ctx command.Context, req *protocol.SendMessageRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	room, err := s.memberRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName)
	if err != nil {
		return err
	}
	msg, _ := room.AddMessage(user.ID.Nickname, req.Text, s.clock.Now())
	out := protocol.OutRoomMessage{RoomName: room.Name, Message: *msg}
	for _, nick := range room.Members() {
		if connID, ok := s.connByNick(nick); ok {
			s.sendTo(connID, protocol.CltOutRoomMessage, out)
		}
	}
	if s.archive != nil {
		archived := *msg
		roomName := room.Name
		release()
		if err := s.archive.SaveMessage(ctx.Ctx, roomName, archived); err != nil {
			s.logger.Error(fmt.Sprintf("archive message: %v", err))
		}
	}
	return nil
}

func (s *Server) handleAddFile(ctx command.Context, req *protocol.AddFileRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	room, err := s.memberRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName)
	if err != nil {
		return err
	}
	if req.File.ID.Owner != user.ID {
		return fmt.Errorf("%w: file is not owned by %q", chat.ErrRoomAccessDenied, user.ID.Nickname)
	}
	room.AddFile(req.File)
	out := protocol.FilePosted{RoomName: room.Name, File: req.File}
	for _, nick := range room.Members() {
		if connID, ok := s.connByNick(nick); ok {
			s.sendTo(connID, protocol.CltFilePosted, out)
		}
	}
	return nil
}

func (s *Server) handleRemoveFile(ctx command.Context, req *protocol.RemoveFileRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	room, err := s.memberRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName)
	if err != nil {
		return err
	}
	// The owner or the room administrator may withdraw a posting.
	if req.FileID.Owner != user.ID && room.Admin != user.ID.Nickname {
		return fmt.Errorf("%w: file is not owned by %q", chat.ErrRoomAccessDenied, user.ID.Nickname)
	}
	if _, ok := room.RemoveFile(req.FileID); !ok {
		return fmt.Errorf("%w: %v", chat.ErrFileNotPosted, req.FileID)
	}
	out := protocol.PostedFileDeleted{RoomName: room.Name, FileID: req.FileID}
	for _, nick := range room.Members() {
		if connID, ok := s.connByNick(nick); ok {
			s.sendTo(connID, protocol.CltPostedFileDeleted, out)
		}
	}
	return nil
}

func (s *Server) handleEnableVoice(ctx command.Context, req *protocol.RoomRequest) error {
	return s.setVoice(ctx, req, true)
}

func (s *Server) handleDisableVoice(ctx command.Context, req *protocol.RoomRequest) error {
	return s.setVoice(ctx, req, false)
}

func (s *Server) setVoice(ctx command.Context, req *protocol.RoomRequest, enabled bool) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}

	model, release, err := s.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	defer release()

	room, err := s.adminRoom(model, ctx.ConnectionID, user.ID.Nickname, req.RoomName)
	if err != nil {
		return err
	}
	if err := model.SetVoiceEnabled(room.Name, enabled); err != nil {
		return err
	}
	s.broadcastRefresh(model, room)
	return nil
}

func (s *Server) handleConnectToPeer(ctx command.Context, req *protocol.ConnectRequest) error {
	if err := checkPayload(req); err != nil {
		return err
	}
	user, err := s.connUser(ctx.ConnectionID)
	if err != nil {
		return err
	}
	if req.Nickname == user.ID.Nickname {
		s.sendSystem(ctx.ConnectionID, "", "cannot connect to yourself")
		return nil
	}

	targetConn, ok := s.connByNick(req.Nickname)
	if !ok {
		s.sendSystem(ctx.ConnectionID, "",
			fmt.Sprintf("user %q is not connected", req.Nickname))
		return nil
	}
	target, err := s.connUser(targetConn)
	if err != nil {
		s.sendSystem(ctx.ConnectionID, "",
			fmt.Sprintf("user %q is not connected", req.Nickname))
		return nil
	}

	s.pairer.Introduce(
		rendezvous.Party{ConnID: ctx.ConnectionID, User: user},
		rendezvous.Party{ConnID: targetConn, User: target},
	)
	return nil
}

func (s *Server) handlePing(ctx command.Context) error {
	s.sendTo(ctx.ConnectionID, protocol.CltPong, nil)
	return nil
}
