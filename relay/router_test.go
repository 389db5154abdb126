package relay

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCode = "ABCD1234WXYZ5678"

// pairedRoom binds a fresh controller and device into a room and clears
// the bind-time refresh event from the device's capture.
func pairedRoom(h *Hub) (*fakeSender, *fakeSender) {
	dev := newFakeSender("dev-1")
	ctrl := newFakeSender("ctrl-1")
	h.Bind(testCode, RoleDevice, dev)
	h.Bind(testCode, RoleController, ctrl)
	dev.reset()
	return ctrl, dev
}

func TestRouteUnknownRoom(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl := newFakeSender("ctrl-1")

	err := r.Route(ctrl, RoleController, EventRequestFileDownload, "NOPE", frame(map[string]any{
		"type": EventRequestFileDownload, "code": "NOPE", "fileId": "f1", "fileName": "a.txt",
	}))

	assert.ErrorIs(t, err, ErrUnknownRoom)
	nacks := ctrl.ofType(EventDownloadError)
	require.Len(t, nacks, 1, "exactly one negative acknowledgment")
	assert.Equal(t, "a.txt", nacks[0]["fileName"])
	assert.Equal(t, "device not connected", nacks[0]["error"])
}

func TestRoutePeerNotConnected(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl := newFakeSender("ctrl-1")
	h.Bind(testCode, RoleController, ctrl)

	err := r.Route(ctrl, RoleController, EventDeleteFileFromWeb, testCode, frame(map[string]any{
		"type": EventDeleteFileFromWeb, "code": testCode, "fileId": "f9", "fileName": "gone.txt",
	}))

	assert.ErrorIs(t, err, ErrPeerNotConnected)
	nacks := ctrl.ofType(EventFileDeletionError)
	require.Len(t, nacks, 1)
	assert.Equal(t, "gone.txt", nacks[0]["fileName"])
}

func TestRouteWrongRoleDroppedSilently(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	// only the controller may request a download
	err := r.Route(dev, RoleDevice, EventRequestFileDownload, testCode, frame(map[string]any{
		"type": EventRequestFileDownload, "code": testCode, "fileId": "f1", "fileName": "a.txt",
	}))

	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Empty(t, dev.sent())
	assert.Empty(t, ctrl.sent())
}

func TestRouteUnknownEvent(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, _ := pairedRoom(h)

	err := r.Route(ctrl, RoleController, "made_up_event", testCode, frame(map[string]any{
		"type": "made_up_event", "code": testCode,
	}))

	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestSingleFileDownload(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	err := r.Route(ctrl, RoleController, EventRequestFileDownload, testCode, frame(map[string]any{
		"type": EventRequestFileDownload, "code": testCode, "fileId": "f1", "fileName": "a.txt",
	}))
	require.NoError(t, err)

	reqs := dev.ofType(EventDownloadFileRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "f1", reqs[0]["fileId"])
	assert.Equal(t, "a.txt", reqs[0]["fileName"])
	assert.Equal(t, testCode, reqs[0]["code"])

	err = r.Route(dev, RoleDevice, EventFileData, testCode, frame(map[string]any{
		"type": EventFileData, "code": testCode,
		"fileName": "a.txt", "fileData": "SGVsbG8=", "mimeType": "text/plain",
	}))
	require.NoError(t, err)

	files := ctrl.ofType(EventFileData)
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0]["fileName"])
	assert.Equal(t, "text/plain", files[0]["mimeType"])

	decoded, err := base64.StdEncoding.DecodeString(files[0]["fileData"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), decoded)
}

func TestFileListForwarded(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	parent := "folder-1"
	files := []FileInfo{
		{ID: "f1", Name: "a.txt", IsFolder: false, ParentFolderID: &parent},
		{ID: "folder-1", Name: "docs", IsFolder: true, ParentFolderID: nil},
	}
	err := r.Route(dev, RoleDevice, EventFileList, testCode, frame(map[string]any{
		"type": EventFileList, "code": testCode, "files": files,
	}))
	require.NoError(t, err)

	lists := ctrl.ofType(EventFileList)
	require.Len(t, lists, 1)
	entries, ok := lists[0]["files"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 2)
}

func TestFileListWithoutControllerNacks(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	dev := newFakeSender("dev-1")
	h.Bind(testCode, RoleDevice, dev)

	err := r.Route(dev, RoleDevice, EventFileList, testCode, frame(map[string]any{
		"type": EventFileList, "code": testCode, "files": []FileInfo{},
	}))

	assert.ErrorIs(t, err, ErrPeerNotConnected)
	nacks := dev.ofType(EventRelayError)
	require.Len(t, nacks, 1)
	assert.Equal(t, EventFileList, nacks[0]["event"])
}

func TestChunkedDownloadFlow(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	data := []byte("chunked download payload with enough bytes to split")
	encoded := base64.StdEncoding.EncodeToString(data)
	chunks := splitChunks(encoded, 3)

	err := r.Route(dev, RoleDevice, EventFileTransferStart, testCode, frame(map[string]any{
		"type": EventFileTransferStart, "code": testCode,
		"fileName": "big.bin", "fileSize": len(data), "totalChunks": 3, "mimeType": "application/octet-stream",
	}))
	require.NoError(t, err)

	starts := ctrl.ofType(EventFileTransferStart)
	require.Len(t, starts, 1)
	assert.Equal(t, float64(3), starts[0]["totalChunks"])

	// chunks arrive out of order
	for _, i := range []int{1, 2, 0} {
		err := r.Route(dev, RoleDevice, EventFileChunk, testCode, frame(map[string]any{
			"type": EventFileChunk, "code": testCode,
			"fileName": "big.bin", "chunkIndex": i, "totalChunks": 3, "chunkData": chunks[i],
		}))
		require.NoError(t, err)
	}
	progress := ctrl.ofType(EventFileProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, float64(100), progress[2]["progress"])

	err = r.Route(dev, RoleDevice, EventFileTransferComplete, testCode, frame(map[string]any{
		"type": EventFileTransferComplete, "code": testCode, "fileName": "big.bin",
	}))
	require.NoError(t, err)

	files := ctrl.ofType(EventFileData)
	require.Len(t, files, 1)
	assert.Equal(t, "big.bin", files[0]["fileName"])
	assert.Equal(t, encoded, files[0]["fileData"])
	assert.Empty(t, ctrl.ofType(EventDownloadError))
}

func TestChunkedDownloadMissingChunk(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	data := []byte("payload that will arrive incomplete, sadly")
	encoded := base64.StdEncoding.EncodeToString(data)
	chunks := splitChunks(encoded, 3)

	require.NoError(t, r.Route(dev, RoleDevice, EventFileTransferStart, testCode, frame(map[string]any{
		"type": EventFileTransferStart, "code": testCode,
		"fileName": "short.bin", "fileSize": len(data), "totalChunks": 3, "mimeType": "",
	})))
	for _, i := range []int{0, 2} {
		require.NoError(t, r.Route(dev, RoleDevice, EventFileChunk, testCode, frame(map[string]any{
			"type": EventFileChunk, "code": testCode,
			"fileName": "short.bin", "chunkIndex": i, "totalChunks": 3, "chunkData": chunks[i],
		})))
	}

	err := r.Route(dev, RoleDevice, EventFileTransferComplete, testCode, frame(map[string]any{
		"type": EventFileTransferComplete, "code": testCode, "fileName": "short.bin",
	}))
	assert.ErrorIs(t, err, ErrTransferValidation)

	nacks := ctrl.ofType(EventDownloadError)
	require.Len(t, nacks, 1)
	assert.Contains(t, nacks[0]["error"], "missing chunks: 1")
	assert.Empty(t, ctrl.ofType(EventFileData))
}

func TestDeviceDisconnectAbandonsDownload(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	require.NoError(t, r.Route(dev, RoleDevice, EventFileTransferStart, testCode, frame(map[string]any{
		"type": EventFileTransferStart, "code": testCode,
		"fileName": "doomed.bin", "fileSize": 100, "totalChunks": 4, "mimeType": "",
	})))
	require.NoError(t, r.Route(dev, RoleDevice, EventFileChunk, testCode, frame(map[string]any{
		"type": EventFileChunk, "code": testCode,
		"fileName": "doomed.bin", "chunkIndex": 0, "totalChunks": 4, "chunkData": "AAAA",
	})))

	h.DropConnection(dev.ID())
	ctrl.reset()

	// a straggling complete after the disconnect must never produce a
	// delivery for the abandoned transfer
	dev2 := newFakeSender("dev-2")
	h.Bind(testCode, RoleDevice, dev2)
	err := r.Route(dev2, RoleDevice, EventFileTransferComplete, testCode, frame(map[string]any{
		"type": EventFileTransferComplete, "code": testCode, "fileName": "doomed.bin",
	}))
	require.NoError(t, err)

	assert.Empty(t, ctrl.ofType(EventFileData))
	assert.Empty(t, ctrl.ofType(EventFileTransferComplete))
	nacks := dev2.ofType(EventDownloadError)
	require.Len(t, nacks, 1)
	assert.Equal(t, "no active download transfer", nacks[0]["error"])
}

func TestNewTransferStartAbandonsPrevious(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	require.NoError(t, r.Route(dev, RoleDevice, EventFileTransferStart, testCode, frame(map[string]any{
		"type": EventFileTransferStart, "code": testCode,
		"fileName": "first.bin", "fileSize": 100, "totalChunks": 5, "mimeType": "",
	})))

	data := []byte("second transfer wins")
	encoded := base64.StdEncoding.EncodeToString(data)
	require.NoError(t, r.Route(dev, RoleDevice, EventFileTransferStart, testCode, frame(map[string]any{
		"type": EventFileTransferStart, "code": testCode,
		"fileName": "second.bin", "fileSize": len(data), "totalChunks": 1, "mimeType": "text/plain",
	})))
	require.NoError(t, r.Route(dev, RoleDevice, EventFileChunk, testCode, frame(map[string]any{
		"type": EventFileChunk, "code": testCode,
		"fileName": "second.bin", "chunkIndex": 0, "totalChunks": 1, "chunkData": encoded,
	})))
	require.NoError(t, r.Route(dev, RoleDevice, EventFileTransferComplete, testCode, frame(map[string]any{
		"type": EventFileTransferComplete, "code": testCode, "fileName": "second.bin",
	})))

	files := ctrl.ofType(EventFileData)
	require.Len(t, files, 1)
	assert.Equal(t, "second.bin", files[0]["fileName"])
}

func TestChunkedUploadFlow(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	data := []byte("uploaded bytes heading for the device side")
	encoded := base64.StdEncoding.EncodeToString(data)
	chunks := splitChunks(encoded, 2)

	require.NoError(t, r.Route(ctrl, RoleController, EventUploadChunkedStart, testCode, frame(map[string]any{
		"type": EventUploadChunkedStart, "code": testCode,
		"fileName": "up.bin", "fileSize": len(data), "totalChunks": 2,
		"mimeType": "application/octet-stream", "uploadId": "u-1", "parentFolderId": "folder-9",
	})))
	for i, chunk := range chunks {
		require.NoError(t, r.Route(ctrl, RoleController, EventUploadChunkedData, testCode, frame(map[string]any{
			"type": EventUploadChunkedData, "code": testCode,
			"fileName": "up.bin", "chunkIndex": i, "totalChunks": 2, "chunkData": chunk, "uploadId": "u-1",
		})))
	}
	require.NoError(t, r.Route(ctrl, RoleController, EventUploadChunkedComplete, testCode, frame(map[string]any{
		"type": EventUploadChunkedComplete, "code": testCode, "fileName": "up.bin", "uploadId": "u-1",
	})))

	received := dev.ofType(EventReceiveFileFromWeb)
	require.Len(t, received, 1)
	assert.Equal(t, "up.bin", received[0]["fileName"])
	assert.Equal(t, encoded, received[0]["fileData"])
	assert.Equal(t, "u-1", received[0]["uploadId"])
	assert.Equal(t, "folder-9", received[0]["parentFolderId"])
	assert.Equal(t, float64(len(data)), received[0]["fileSize"])
	assert.Empty(t, ctrl.ofType(EventUploadError))
}

func TestChunkedUploadOutOfRangeIndex(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	data := []byte("three chunks but one goes astray!")
	encoded := base64.StdEncoding.EncodeToString(data)
	chunks := splitChunks(encoded, 3)

	require.NoError(t, r.Route(ctrl, RoleController, EventUploadChunkedStart, testCode, frame(map[string]any{
		"type": EventUploadChunkedStart, "code": testCode,
		"fileName": "astray.bin", "fileSize": len(data), "totalChunks": 3, "mimeType": "", "uploadId": "u-2",
	})))

	// the middle chunk declares an out-of-range index and is dropped
	sendChunk := func(index int, data string) {
		require.NoError(t, r.Route(ctrl, RoleController, EventUploadChunkedData, testCode, frame(map[string]any{
			"type": EventUploadChunkedData, "code": testCode,
			"fileName": "astray.bin", "chunkIndex": index, "totalChunks": 3, "chunkData": data, "uploadId": "u-2",
		})))
	}
	sendChunk(0, chunks[0])
	sendChunk(5, chunks[1])
	sendChunk(2, chunks[2])

	err := r.Route(ctrl, RoleController, EventUploadChunkedComplete, testCode, frame(map[string]any{
		"type": EventUploadChunkedComplete, "code": testCode, "fileName": "astray.bin", "uploadId": "u-2",
	}))
	assert.ErrorIs(t, err, ErrTransferValidation)

	nacks := ctrl.ofType(EventUploadError)
	require.Len(t, nacks, 1)
	assert.Contains(t, nacks[0]["error"], "missing chunks: 1")
	assert.Equal(t, "u-2", nacks[0]["uploadId"])
	assert.Empty(t, dev.ofType(EventReceiveFileFromWeb))
}

func TestUploadStartWithoutDevice(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl := newFakeSender("ctrl-1")
	h.Bind(testCode, RoleController, ctrl)

	err := r.Route(ctrl, RoleController, EventUploadChunkedStart, testCode, frame(map[string]any{
		"type": EventUploadChunkedStart, "code": testCode,
		"fileName": "lost.bin", "fileSize": 10, "totalChunks": 1, "mimeType": "", "uploadId": "u-3",
	}))

	assert.ErrorIs(t, err, ErrPeerNotConnected)
	nacks := ctrl.ofType(EventUploadError)
	require.Len(t, nacks, 1)
	assert.Equal(t, "device not connected", nacks[0]["error"])
	assert.Equal(t, "u-3", nacks[0]["uploadId"])
}

func TestSingleUploadForwardedToDevice(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	require.NoError(t, r.Route(ctrl, RoleController, EventUploadFileToMobile, testCode, frame(map[string]any{
		"type": EventUploadFileToMobile, "code": testCode,
		"fileName": "small.txt", "fileData": "SGVsbG8=", "fileSize": 5,
		"mimeType": "text/plain", "uploadId": "u-4", "parentFolderId": nil,
	})))

	received := dev.ofType(EventReceiveFileFromWeb)
	require.Len(t, received, 1)
	assert.Equal(t, "small.txt", received[0]["fileName"])
	assert.Equal(t, "SGVsbG8=", received[0]["fileData"])
	assert.Equal(t, testCode, received[0]["code"])
}

func TestUploadConfirmationTranslation(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	require.NoError(t, r.Route(dev, RoleDevice, EventFileReceivedFromWeb, testCode, frame(map[string]any{
		"type": EventFileReceivedFromWeb, "code": testCode,
		"uploadId": "u-5", "fileName": "ok.txt", "success": true,
	})))
	oks := ctrl.ofType(EventUploadSuccess)
	require.Len(t, oks, 1)
	assert.Equal(t, "u-5", oks[0]["uploadId"])
	assert.Equal(t, "ok.txt", oks[0]["fileName"])

	require.NoError(t, r.Route(dev, RoleDevice, EventFileReceivedFromWeb, testCode, frame(map[string]any{
		"type": EventFileReceivedFromWeb, "code": testCode,
		"uploadId": "u-6", "fileName": "bad.txt", "success": false, "error": "disk full",
	})))
	errs := ctrl.ofType(EventUploadError)
	require.Len(t, errs, 1)
	assert.Equal(t, "disk full", errs[0]["error"])
}

func TestFolderCreateRoundTrip(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	require.NoError(t, r.Route(ctrl, RoleController, EventCreateFolderFromWeb, testCode, frame(map[string]any{
		"type": EventCreateFolderFromWeb, "code": testCode,
		"folderName": "Photos", "parentFolderId": nil,
	})))
	reqs := dev.ofType(EventCreateFolderFromWeb)
	require.Len(t, reqs, 1)
	assert.Equal(t, "Photos", reqs[0]["folderName"])

	require.NoError(t, r.Route(dev, RoleDevice, EventFolderCreatedFromWeb, testCode, frame(map[string]any{
		"type": EventFolderCreatedFromWeb, "code": testCode,
		"folderName": "Photos", "parentFolderId": nil, "success": true,
	})))
	oks := ctrl.ofType(EventFolderCreatedSuccess)
	require.Len(t, oks, 1)
	assert.Equal(t, "Photos", oks[0]["folderName"])
}

func TestRenameConfirmationError(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	require.NoError(t, r.Route(dev, RoleDevice, EventFileRenamedFromWeb, testCode, frame(map[string]any{
		"type": EventFileRenamedFromWeb, "code": testCode,
		"fileName": "old.txt", "newFileName": "new.txt", "success": false, "error": "name taken",
	})))

	errs := ctrl.ofType(EventFileRenameError)
	require.Len(t, errs, 1)
	assert.Equal(t, "old.txt", errs[0]["fileName"])
	assert.Equal(t, "name taken", errs[0]["error"])
}

func TestExplicitDeviceDisconnect(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	require.NoError(t, r.Route(dev, RoleDevice, EventDisconnectMobile, testCode, frame(map[string]any{
		"type": EventDisconnectMobile, "code": testCode,
	})))

	require.Len(t, ctrl.ofType(EventMobileDisconnected), 1)
	snap, ok := h.Lookup(testCode)
	require.True(t, ok)
	assert.Nil(t, snap.Device)
}

func TestChunkWithoutActiveTransferIgnored(t *testing.T) {
	h := newTestHub()
	r := NewRouter(h)
	ctrl, dev := pairedRoom(h)

	err := r.Route(dev, RoleDevice, EventFileChunk, testCode, frame(map[string]any{
		"type": EventFileChunk, "code": testCode,
		"fileName": "ghost.bin", "chunkIndex": 0, "totalChunks": 2, "chunkData": "AAAA",
	}))

	require.NoError(t, err)
	assert.Empty(t, ctrl.sent())
}
