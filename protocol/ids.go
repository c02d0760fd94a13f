// Package protocol defines the command id space and payload types shared by
// the server and client halves of the framed protocol.
package protocol

// Commands handled by the server. They must arrive over a server connection
// (server-only origin).
const (
	SrvRegister uint16 = iota + 101
	SrvUnregister
	SrvCreateRoom
	SrvDeleteRoom
	SrvInviteUsers
	SrvKickUsers
	SrvExitFromRoom
	SrvRefreshRoom
	SrvSetRoomAdmin
	SrvSendRoomMessage
	SrvAddFileToRoom
	SrvRemoveFileFromRoom
	SrvEnableVoiceRoom
	SrvDisableVoiceRoom
	SrvConnectToPeer
	SrvPing
)

// Commands handled by the client. File part and voice commands only make
// sense over a direct peer link (peer-only origin); the rest arrive from the
// server.
const (
	CltRegistrationResponse uint16 = iota + 201
	CltRoomOpened
	CltRoomClosed
	CltRoomRefreshed
	CltOutRoomMessage
	CltOutSystemMessage
	CltFilePosted
	CltPostedFileDeleted
	CltReadFilePart
	CltWriteFilePart
	CltConnectToRendezvous
	CltWaitPeerConnection
	CltConnectToPeer
	CltPong
	CltPlayVoice
)

// Rendezvous roles. The sender initiated the peer connection; the receiver is
// its target.
const (
	RoleSender   byte = 1
	RoleReceiver byte = 2
)
