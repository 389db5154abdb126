package relay

import "encoding/json"

// Role identifies which side of a pairing a connection speaks for.
type Role string

const (
	// RoleController is the web explorer leg: it browses the device's
	// files and issues download/upload/mutation requests.
	RoleController Role = "controller"
	// RoleDevice is the mobile leg: it owns the files and answers
	// controller requests.
	RoleDevice Role = "device"
)

// Wire event names. The vocabulary is fixed: clients on both sides match on
// these strings, so renaming any of them is a breaking protocol change.
const (
	// Lifecycle, client -> relay.
	EventRegisterController = "register_controller"
	EventRegisterDevice     = "register_device"
	EventDisconnectWeb      = "disconnect_web"
	EventDisconnectMobile   = "disconnect_mobile"

	// Listing and single-shot download, device -> relay -> controller.
	EventFileList = "file_list"
	EventFileData = "file_data"

	// Download request leg, controller -> relay -> device.
	EventRequestFileDownload = "request_file_download"
	EventDownloadFileRequest = "download_file_request"
	EventDownloadError       = "download_error"

	// Chunked download, device -> relay (buffered) -> controller.
	EventFileTransferStart    = "file_transfer_start"
	EventFileChunk            = "file_chunk"
	EventFileTransferComplete = "file_transfer_complete"
	EventFileProgress         = "file_progress"

	// Upload, controller -> relay -> device, confirmed by the device.
	EventUploadFileToMobile    = "upload_file_to_mobile"
	EventUploadChunkedStart    = "upload_chunked_start"
	EventUploadChunkedData     = "upload_chunked_data"
	EventUploadChunkedComplete = "upload_chunked_complete"
	EventReceiveFileFromWeb    = "receive_file_from_web"
	EventFileReceivedFromWeb   = "file_received_from_web"
	EventUploadSuccess         = "upload_success"
	EventUploadError           = "upload_error"

	// Folder and file mutations. Each request is forwarded to the device
	// under the same name; the device's confirmation is translated into
	// the matching *_success / *_error event for the controller.
	EventCreateFolderFromWeb   = "create_folder_from_web"
	EventFolderCreatedFromWeb  = "folder_created_from_web"
	EventFolderCreatedSuccess  = "folder_created_success"
	EventFolderCreationError   = "folder_creation_error"
	EventRenameFileFromWeb     = "rename_file_from_web"
	EventFileRenamedFromWeb    = "file_renamed_from_web"
	EventFileRenameSuccess     = "file_rename_success"
	EventFileRenameError       = "file_rename_error"
	EventRenameFolderFromWeb   = "rename_folder_from_web"
	EventFolderRenamedFromWeb  = "folder_renamed_from_web"
	EventFolderRenameSuccess   = "folder_rename_success"
	EventFolderRenameError     = "folder_rename_error"
	EventDeleteFileFromWeb     = "delete_file_from_web"
	EventFileDeletedFromWeb    = "file_deleted_from_web"
	EventFileDeletedSuccess    = "file_deleted_success"
	EventFileDeletionError     = "file_deletion_error"
	EventDeleteFolderFromWeb   = "delete_folder_from_web"
	EventFolderDeletedFromWeb  = "folder_deleted_from_web"
	EventFolderDeletedSuccess  = "folder_deleted_success"
	EventFolderDeletionError   = "folder_deletion_error"

	// Relay-originated notifications.
	EventRequestFileList    = "request_file_list"
	EventMobileDisconnected = "mobile_disconnected"
	EventWebDisconnected    = "web_disconnected"
	EventRelayError         = "relay_error"
)

// senderRoles maps every inbound event to the only role allowed to send it.
// An event from the wrong role is a protocol violation and is dropped.
var senderRoles = map[string]Role{
	EventDisconnectWeb:         RoleController,
	EventDisconnectMobile:      RoleDevice,
	EventFileList:              RoleDevice,
	EventFileData:              RoleDevice,
	EventRequestFileDownload:   RoleController,
	EventFileTransferStart:     RoleDevice,
	EventFileChunk:             RoleDevice,
	EventFileTransferComplete:  RoleDevice,
	EventUploadFileToMobile:    RoleController,
	EventUploadChunkedStart:    RoleController,
	EventUploadChunkedData:     RoleController,
	EventUploadChunkedComplete: RoleController,
	EventFileReceivedFromWeb:   RoleDevice,
	EventCreateFolderFromWeb:   RoleController,
	EventFolderCreatedFromWeb:  RoleDevice,
	EventRenameFileFromWeb:     RoleController,
	EventFileRenamedFromWeb:    RoleDevice,
	EventRenameFolderFromWeb:   RoleController,
	EventFolderRenamedFromWeb:  RoleDevice,
	EventDeleteFileFromWeb:     RoleController,
	EventFileDeletedFromWeb:    RoleDevice,
	EventDeleteFolderFromWeb:   RoleController,
	EventFolderDeletedFromWeb:  RoleDevice,
}

// envelope is the minimal frame every inbound message must carry. The full
// payload is decoded per event kind once the envelope has been routed.
type envelope struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// FileInfo is the listing entry the device produces for each file or folder.
// The relay forwards listings opaquely; the type documents the contract for
// both clients.
type FileInfo struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	IsFolder       bool    `json:"isFolder"`
	ParentFolderID *string `json:"parentFolderId"`
	Size           *int64  `json:"size,omitempty"`
	DateAdded      *string `json:"dateAdded,omitempty"`
}

// transferStartPayload announces a chunked device -> controller download.
type transferStartPayload struct {
	Code        string `json:"code"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
	MimeType    string `json:"mimeType"`
}

// chunkPayload carries one base64 slice of a chunked transfer, either
// direction.
type chunkPayload struct {
	Code        string `json:"code"`
	FileName    string `json:"fileName"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	ChunkData   string `json:"chunkData"`
	UploadID    string `json:"uploadId,omitempty"`
}

// transferCompletePayload is the sender's authoritative "done" signal.
type transferCompletePayload struct {
	Code     string `json:"code"`
	FileName string `json:"fileName"`
	UploadID string `json:"uploadId,omitempty"`
}

// uploadStartPayload announces a chunked controller -> device upload.
type uploadStartPayload struct {
	Code           string `json:"code"`
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	TotalChunks    int    `json:"totalChunks"`
	MimeType       string `json:"mimeType"`
	UploadID       string `json:"uploadId"`
	ParentFolderID string `json:"parentFolderId"`
}

// decodeFields unmarshals a raw frame into a generic field map so forwarded
// events keep every field the sender put on the wire.
func decodeFields(raw []byte) map[string]any {
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]any{}
	}
	return fields
}
