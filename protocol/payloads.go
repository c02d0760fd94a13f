package protocol

import (
	"github.com/peerchat/peerchat/chat"
)

// RegisterRequest asks the server to bind this connection to an identity.
// The certificate travels DER-encoded so the server can verify the claimed
// thumbprint and other clients can verify the peer after a direct connect.
type RegisterRequest struct {
	User chat.UserSnapshot `json:"user" validate:"required"`
}

type RegistrationResponse struct {
	Registered bool   `json:"registered"`
	Message    string `json:"message,omitempty"`
}

type RoomRequest struct {
	RoomName string `json:"room_name" validate:"required"`
}

type CreateRoomRequest struct {
	RoomName string `json:"room_name" validate:"required"`
	Voice    bool   `json:"voice"`
}

type UsersRequest struct {
	RoomName string   `json:"room_name" validate:"required"`
	Users    []string `json:"users" validate:"required,min=1"`
}

type SetRoomAdminRequest struct {
	RoomName string `json:"room_name" validate:"required"`
	NewAdmin string `json:"new_admin" validate:"required"`
}

type SendMessageRequest struct {
	RoomName string `json:"room_name" validate:"required"`
	Text     string `json:"text" validate:"required"`
}

type AddFileRequest struct {
	RoomName string               `json:"room_name" validate:"required"`
	File     chat.FileDescription `json:"file"`
}

type RemoveFileRequest struct {
	RoomName string      `json:"room_name" validate:"required"`
	FileID   chat.FileID `json:"file_id"`
}

// ConnectRequest asks the server to pair this client with the target user for
// a direct connection.
type ConnectRequest struct {
	Nickname string `json:"nickname" validate:"required"`
}

type RoomOpened struct {
	Room chat.RoomSnapshot `json:"room"`
}

type RoomClosed struct {
	RoomName string `json:"room_name"`
}

// RoomRefreshed carries the canonical snapshot; the receiving side derives
// the added and removed entry sets by reconciliation.
type RoomRefreshed struct {
	Room chat.RoomSnapshot `json:"room"`
}

type OutRoomMessage struct {
	RoomName string       `json:"room_name"`
	Message  chat.Message `json:"message"`
}

type OutSystemMessage struct {
	RoomName string `json:"room_name,omitempty"`
	Message  string `json:"message"`
}

type FilePosted struct {
	RoomName string               `json:"room_name"`
	File     chat.FileDescription `json:"file"`
}

type PostedFileDeleted struct {
	RoomName string      `json:"room_name"`
	FileID   chat.FileID `json:"file_id"`
}

// ReadFilePart requests one chunk of a posted file over a peer link.
type ReadFilePart struct {
	FileID   chat.FileID `json:"file_id"`
	RoomName string      `json:"room_name"`
	Start    int64       `json:"start"`
	Length   int64       `json:"length"`
}

// WriteFilePart answers with the chunk at Start; the bytes ride in the raw
// trailing section of the envelope, not the serialized content.
type WriteFilePart struct {
	FileID   chat.FileID `json:"file_id"`
	RoomName string      `json:"room_name"`
	Start    int64       `json:"start"`
}

// ConnectToRendezvous tells a client to hail the UDP rendezvous point with
// the given single-use pairing id and role.
type ConnectToRendezvous struct {
	PairingID int32  `json:"pairing_id"`
	Role      byte   `json:"role"`
	Endpoint  string `json:"endpoint"`
}

// WaitPeerConnection goes to the receiver with the sender's observed
// endpoint and public identity.
type WaitPeerConnection struct {
	PairingID int32             `json:"pairing_id"`
	Remote    string            `json:"remote"`
	User      chat.UserSnapshot `json:"user"`
}

// PeerConnect goes to the sender with the receiver's observed endpoint.
type PeerConnect struct {
	PairingID int32             `json:"pairing_id"`
	Remote    string            `json:"remote"`
	User      chat.UserSnapshot `json:"user"`
}
