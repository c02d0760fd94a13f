package chat

import "errors"

// State errors are expected business outcomes. Command handlers translate
// them into system messages for the originating connection instead of letting
// them escape.
var (
	ErrModelLockTimeout  = errors.New("model lock timeout")
	ErrRoomNotExist      = errors.New("room does not exist")
	ErrRoomAlreadyExist  = errors.New("room already exists")
	ErrRoomAccessDenied  = errors.New("room access denied")
	ErrUserNotExist      = errors.New("user does not exist")
	ErrNicknameTaken     = errors.New("nickname already taken")
	ErrMainRoomImmutable = errors.New("main room cannot be deleted or left")
	ErrNotVoiceRoom      = errors.New("not a voice room")
	ErrFileNotPosted     = errors.New("file is not posted to the room")
	ErrAlreadyDownloading = errors.New("file is already downloading")
	ErrDownloadNotExist  = errors.New("no such download")
)
