package relay

import (
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrUnknownRoom indicates the event named a code with no open room.
var ErrUnknownRoom = errors.New("unknown room")

// ErrPeerNotConnected indicates the destination role is unbound.
var ErrPeerNotConnected = errors.New("peer not connected")

// ErrProtocolViolation indicates an event from a role not permitted to send
// it. Violations are dropped without touching room state.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrUnknownEvent indicates an event kind outside the wire vocabulary.
var ErrUnknownEvent = errors.New("unknown event")

const (
	reasonDeviceGone     = "device not connected"
	reasonControllerGone = "controller not connected"
)

// requestForwards describes the controller -> device request events that
// are forwarded verbatim (optionally re-tagged) and the negative
// acknowledgment owed to the controller when no device leg is bound.
type forwardRule struct {
	// retag is the outbound event name; empty keeps the inbound name.
	retag string
	// errEvent names the *_error sent back when forwarding is impossible.
	errEvent string
	// subjects are the inbound fields copied into the error payload so
	// the controller can surface the failure per item.
	subjects []string
}

var requestForwards = map[string]forwardRule{
	EventRequestFileDownload: {retag: EventDownloadFileRequest, errEvent: EventDownloadError, subjects: []string{"fileName"}},
	EventUploadFileToMobile:  {retag: EventReceiveFileFromWeb, errEvent: EventUploadError, subjects: []string{"uploadId", "fileName"}},
	EventCreateFolderFromWeb: {errEvent: EventFolderCreationError, subjects: []string{"folderName"}},
	EventRenameFileFromWeb:   {errEvent: EventFileRenameError, subjects: []string{"fileName"}},
	EventRenameFolderFromWeb: {errEvent: EventFolderRenameError, subjects: []string{"folderName"}},
	EventDeleteFileFromWeb:   {errEvent: EventFileDeletionError, subjects: []string{"fileName"}},
	EventDeleteFolderFromWeb: {errEvent: EventFolderDeletionError, subjects: []string{"folderName"}},
}

// confirmations describes the device confirmation events that are
// translated into a terminal *_success / *_error event for the controller.
type confirmRule struct {
	successEvent  string
	errorEvent    string
	successFields []string
	errorFields   []string
}

var confirmations = map[string]confirmRule{
	EventFileReceivedFromWeb:  {EventUploadSuccess, EventUploadError, []string{"uploadId", "fileName"}, []string{"uploadId", "fileName"}},
	EventFolderCreatedFromWeb: {EventFolderCreatedSuccess, EventFolderCreationError, []string{"folderName", "parentFolderId"}, []string{"folderName"}},
	EventFileRenamedFromWeb:   {EventFileRenameSuccess, EventFileRenameError, []string{"fileName", "newFileName"}, []string{"fileName"}},
	EventFolderRenamedFromWeb: {EventFolderRenameSuccess, EventFolderRenameError, []string{"folderName", "newFolderName"}, []string{"folderName"}},
	EventFileDeletedFromWeb:   {EventFileDeletedSuccess, EventFileDeletionError, []string{"fileName"}, []string{"fileName"}},
	EventFolderDeletedFromWeb: {EventFolderDeletedSuccess, EventFolderDeletionError, []string{"folderName"}, []string{"folderName"}},
}

// Router is the stateless dispatch layer: for every inbound event it looks
// up the room, enforces the sender-role rule, and forwards or rejects.
type Router struct {
	hub *Hub
}

// NewRouter creates a router bound to a hub.
func NewRouter(h *Hub) *Router {
	return &Router{hub: h}
}

// Route dispatches one inbound event. Every recoverable failure that a
// client is waiting on produces exactly one *_error event back to the
// sender; the returned error exists for logging only.
func (r *Router) Route(from Sender, senderRole Role, kind, code string, raw []byte) error {
	permitted, known := senderRoles[kind]
	if !known {
		logrus.WithFields(logrus.Fields{
			"event": kind,
			"conn":  from.ID(),
		}).Debug("Dropping event outside the wire vocabulary")
		return ErrUnknownEvent
	}
	if senderRole != permitted {
		logrus.WithFields(logrus.Fields{
			"event":     kind,
			"conn":      from.ID(),
			"role":      senderRole,
			"permitted": permitted,
		}).Warn("Dropping event from wrong role")
		return ErrProtocolViolation
	}

	if rule, ok := requestForwards[kind]; ok {
		return r.forwardRequest(from, code, kind, rule, decodeFields(raw))
	}
	if rule, ok := confirmations[kind]; ok {
		return r.relayConfirmation(from, code, kind, rule, decodeFields(raw))
	}

	switch kind {
	case EventFileList:
		return r.forwardToController(from, code, kind, decodeFields(raw))
	case EventFileData:
		return r.handleFileData(from, code, decodeFields(raw))
	case EventFileTransferStart:
		return r.handleTransferStart(from, code, raw)
	case EventFileChunk:
		return r.handleFileChunk(code, raw)
	case EventFileTransferComplete:
		return r.handleTransferComplete(from, code, raw)
	case EventUploadChunkedStart:
		return r.handleUploadStart(from, code, raw)
	case EventUploadChunkedData:
		return r.handleUploadChunk(code, raw)
	case EventUploadChunkedComplete:
		return r.handleUploadComplete(from, code, raw)
	case EventDisconnectWeb:
		r.hub.Unbind(code, RoleController, from.ID())
		return nil
	case EventDisconnectMobile:
		r.hub.Unbind(code, RoleDevice, from.ID())
		return nil
	}
	return ErrUnknownEvent
}

// nack sends the single negative acknowledgment owed to a sender, copying
// the named subject fields so the failure can be surfaced per item.
func (r *Router) nack(to Sender, errEvent string, fields map[string]any, subjects []string, reason string) {
	out := map[string]any{"type": errEvent, "error": reason}
	for _, key := range subjects {
		if v, ok := fields[key]; ok {
			out[key] = v
		}
	}
	_ = to.Send(out)
}

// relayNack is the fallback negative acknowledgment for device-originated
// events that have no *_error of their own in the wire contract.
func (r *Router) relayNack(to Sender, kind, reason string) {
	_ = to.Send(map[string]any{"type": EventRelayError, "event": kind, "error": reason})
}

func (r *Router) forwardRequest(from Sender, code, kind string, rule forwardRule, fields map[string]any) error {
	rm := r.hub.room(code)
	if rm == nil {
		r.nack(from, rule.errEvent, fields, rule.subjects, reasonDeviceGone)
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	device := rm.device
	rm.mu.Unlock()

	if device == nil {
		r.nack(from, rule.errEvent, fields, rule.subjects, reasonDeviceGone)
		return ErrPeerNotConnected
	}

	if rule.retag != "" {
		fields["type"] = rule.retag
	}
	fields["code"] = code
	_ = device.Send(fields)

	logrus.WithFields(logrus.Fields{
		"event": kind,
		"code":  code,
	}).Debug("Forwarded request to device")
	return nil
}

func (r *Router) relayConfirmation(from Sender, code, kind string, rule confirmRule, fields map[string]any) error {
	rm := r.hub.room(code)
	if rm == nil {
		r.relayNack(from, kind, reasonControllerGone)
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	controller := rm.controller
	rm.mu.Unlock()

	if controller == nil {
		r.relayNack(from, kind, reasonControllerGone)
		return ErrPeerNotConnected
	}

	success, _ := fields["success"].(bool)
	var out map[string]any
	if success {
		out = map[string]any{"type": rule.successEvent}
		for _, key := range rule.successFields {
			if v, ok := fields[key]; ok {
				out[key] = v
			}
		}
	} else {
		out = map[string]any{"type": rule.errorEvent}
		for _, key := range rule.errorFields {
			if v, ok := fields[key]; ok {
				out[key] = v
			}
		}
		out["error"] = fields["error"]
	}
	_ = controller.Send(out)

	logrus.WithFields(logrus.Fields{
		"event":   kind,
		"code":    code,
		"success": success,
	}).Debug("Relayed device confirmation to controller")
	return nil
}

func (r *Router) forwardToController(from Sender, code, kind string, fields map[string]any) error {
	rm := r.hub.room(code)
	if rm == nil {
		r.relayNack(from, kind, reasonControllerGone)
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	controller := rm.controller
	rm.mu.Unlock()

	if controller == nil {
		r.relayNack(from, kind, reasonControllerGone)
		return ErrPeerNotConnected
	}

	fields["type"] = kind
	_ = controller.Send(fields)
	return nil
}

func (r *Router) handleFileData(from Sender, code string, fields map[string]any) error {
	rm := r.hub.room(code)
	if rm == nil {
		r.nack(from, EventDownloadError, fields, []string{"fileName"}, reasonControllerGone)
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	controller := rm.controller
	rm.mu.Unlock()

	if controller == nil {
		r.nack(from, EventDownloadError, fields, []string{"fileName"}, reasonControllerGone)
		return ErrPeerNotConnected
	}

	fields["type"] = EventFileData
	_ = controller.Send(fields)
	return nil
}

func (r *Router) handleTransferStart(from Sender, code string, raw []byte) error {
	var p transferStartPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	errFields := map[string]any{"fileName": p.FileName}

	rm := r.hub.room(code)
	if rm == nil {
		r.nack(from, EventDownloadError, errFields, []string{"fileName"}, reasonControllerGone)
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	if rm.controller == nil {
		rm.mu.Unlock()
		r.nack(from, EventDownloadError, errFields, []string{"fileName"}, reasonControllerGone)
		return ErrPeerNotConnected
	}
	if p.TotalChunks <= 0 || p.FileSize < 0 {
		rm.mu.Unlock()
		r.nack(from, EventDownloadError, errFields, []string{"fileName"}, "invalid transfer announcement")
		return ErrTransferValidation
	}
	if rm.download != nil {
		logrus.WithFields(logrus.Fields{
			"code":      code,
			"abandoned": rm.download.FileName,
			"file_name": p.FileName,
		}).Warn("New download transfer abandons in-flight buffer")
	}
	rm.download = NewTransferBuffer(DirectionDownload, p.FileName, p.FileSize, p.TotalChunks, p.MimeType)
	controller := rm.controller
	rm.mu.Unlock()

	_ = controller.Send(map[string]any{
		"type":        EventFileTransferStart,
		"fileName":    p.FileName,
		"fileSize":    p.FileSize,
		"totalChunks": p.TotalChunks,
	})
	return nil
}

func (r *Router) handleFileChunk(code string, raw []byte) error {
	var p chunkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}

	rm := r.hub.room(code)
	if rm == nil {
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.download == nil {
		logrus.WithFields(logrus.Fields{
			"code":      code,
			"file_name": p.FileName,
		}).Debug("Dropping chunk with no active download transfer")
		return nil
	}

	rm.download.PutChunk(p.ChunkIndex, p.ChunkData)

	if rm.controller != nil {
		_ = rm.controller.Send(map[string]any{
			"type":     EventFileProgress,
			"fileName": rm.download.FileName,
			"progress": rm.download.Progress(),
		})
	}
	return nil
}

func (r *Router) handleTransferComplete(from Sender, code string, raw []byte) error {
	var p transferCompletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	errFields := map[string]any{"fileName": p.FileName}

	rm := r.hub.room(code)
	if rm == nil {
		r.nack(from, EventDownloadError, errFields, []string{"fileName"}, "no active download transfer")
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	buf := rm.download
	rm.download = nil
	controller := rm.controller
	rm.mu.Unlock()

	if buf == nil {
		r.nack(from, EventDownloadError, errFields, []string{"fileName"}, "no active download transfer")
		return nil
	}
	if controller == nil {
		r.nack(from, EventDownloadError, errFields, []string{"fileName"}, reasonControllerGone)
		return ErrPeerNotConnected
	}

	payload, mime, err := buf.Finalize()
	if err != nil {
		_ = controller.Send(map[string]any{
			"type":     EventDownloadError,
			"fileName": buf.FileName,
			"error":    err.Error(),
		})
		return err
	}

	_ = controller.Send(map[string]any{
		"type":     EventFileData,
		"fileName": buf.FileName,
		"fileData": payload,
		"mimeType": mime,
	})
	return nil
}

func (r *Router) handleUploadStart(from Sender, code string, raw []byte) error {
	var p uploadStartPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	errFields := map[string]any{"uploadId": p.UploadID, "fileName": p.FileName}

	rm := r.hub.room(code)
	if rm == nil {
		r.nack(from, EventUploadError, errFields, []string{"uploadId", "fileName"}, reasonDeviceGone)
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.device == nil {
		r.nack(from, EventUploadError, errFields, []string{"uploadId", "fileName"}, reasonDeviceGone)
		return ErrPeerNotConnected
	}
	if p.TotalChunks <= 0 || p.FileSize < 0 {
		r.nack(from, EventUploadError, errFields, []string{"uploadId", "fileName"}, "invalid transfer announcement")
		return ErrTransferValidation
	}
	if rm.upload != nil {
		logrus.WithFields(logrus.Fields{
			"code":      code,
			"abandoned": rm.upload.FileName,
			"file_name": p.FileName,
		}).Warn("New upload transfer abandons in-flight buffer")
	}

	buf := NewTransferBuffer(DirectionUpload, p.FileName, p.FileSize, p.TotalChunks, p.MimeType)
	buf.UploadID = p.UploadID
	buf.ParentFolderID = p.ParentFolderID
	rm.upload = buf
	return nil
}

func (r *Router) handleUploadChunk(code string, raw []byte) error {
	var p chunkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}

	rm := r.hub.room(code)
	if rm == nil {
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.upload == nil {
		logrus.WithFields(logrus.Fields{
			"code":      code,
			"file_name": p.FileName,
		}).Debug("Dropping chunk with no active upload transfer")
		return nil
	}

	rm.upload.PutChunk(p.ChunkIndex, p.ChunkData)
	return nil
}

func (r *Router) handleUploadComplete(from Sender, code string, raw []byte) error {
	var p transferCompletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	errFields := map[string]any{"uploadId": p.UploadID, "fileName": p.FileName}

	rm := r.hub.room(code)
	if rm == nil {
		r.nack(from, EventUploadError, errFields, []string{"uploadId", "fileName"}, reasonDeviceGone)
		return ErrUnknownRoom
	}

	rm.mu.Lock()
	buf := rm.upload
	rm.upload = nil
	device := rm.device
	rm.mu.Unlock()

	if buf == nil {
		r.nack(from, EventUploadError, errFields, []string{"uploadId", "fileName"}, "no active upload transfer")
		return nil
	}
	if device == nil {
		r.nack(from, EventUploadError, errFields, []string{"uploadId", "fileName"}, reasonDeviceGone)
		return ErrPeerNotConnected
	}

	payload, mime, err := buf.Finalize()
	if err != nil {
		_ = from.Send(map[string]any{
			"type":     EventUploadError,
			"uploadId": buf.UploadID,
			"fileName": buf.FileName,
			"error":    err.Error(),
		})
		return err
	}

	_ = device.Send(map[string]any{
		"type":           EventReceiveFileFromWeb,
		"fileName":       buf.FileName,
		"fileData":       payload,
		"fileSize":       buf.FileSize,
		"mimeType":       mime,
		"uploadId":       buf.UploadID,
		"code":           code,
		"parentFolderId": buf.ParentFolderID,
	})
	return nil
}
