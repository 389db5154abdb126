package relay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// ErrTransferValidation indicates a reassembled payload failed validation:
// missing chunks, a base64 decode failure, or a size mismatch against the
// announced total. It aborts only the one transfer it names.
var ErrTransferValidation = errors.New("transfer validation failed")

// TransferDirection distinguishes the two buffered paths through a room.
type TransferDirection uint8

const (
	// DirectionDownload buffers device -> controller transfers.
	DirectionDownload TransferDirection = iota
	// DirectionUpload buffers controller -> device transfers.
	DirectionUpload
)

func (d TransferDirection) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// TransferState tracks the reassembly buffer's lifecycle.
type TransferState uint8

const (
	// TransferAnnounced means the start event arrived but no chunk has.
	TransferAnnounced TransferState = iota
	// TransferAccumulating means at least one chunk slot is populated.
	TransferAccumulating
	// TransferComplete means finalization validated the full payload.
	TransferComplete
	// TransferFailed means finalization rejected the payload.
	TransferFailed
)

// TransferBuffer accumulates the base64 chunks of one in-flight transfer.
// All mutation happens under the owning room's lock; the buffer itself is
// not safe for unsynchronized concurrent use.
type TransferBuffer struct {
	Direction      TransferDirection
	FileName       string
	FileSize       int64
	TotalChunks    int
	MimeType       string
	UploadID       string
	ParentFolderID string

	chunks   []string
	received int
	state    TransferState
}

// NewTransferBuffer creates an announced buffer with one empty slot per
// declared chunk.
func NewTransferBuffer(dir TransferDirection, fileName string, fileSize int64, totalChunks int, mimeType string) *TransferBuffer {
	logrus.WithFields(logrus.Fields{
		"direction":    dir,
		"file_name":    fileName,
		"file_size":    fileSize,
		"total_chunks": totalChunks,
	}).Info("Transfer buffer announced")

	return &TransferBuffer{
		Direction:   dir,
		FileName:    fileName,
		FileSize:    fileSize,
		TotalChunks: totalChunks,
		MimeType:    mimeType,
		chunks:      make([]string, totalChunks),
		state:       TransferAnnounced,
	}
}

// State returns the buffer's current lifecycle state.
func (b *TransferBuffer) State() TransferState { return b.state }

// PutChunk writes a chunk into its declared slot. Out-of-range indices are
// dropped as a no-op: a single malformed chunk must not abort a transfer
// that later chunks may still complete. Re-delivery of an index overwrites
// the slot without double-counting it.
func (b *TransferBuffer) PutChunk(index int, data string) bool {
	if index < 0 || index >= b.TotalChunks {
		logrus.WithFields(logrus.Fields{
			"direction":    b.Direction,
			"file_name":    b.FileName,
			"chunk_index":  index,
			"total_chunks": b.TotalChunks,
		}).Warn("Dropping chunk with out-of-range index")
		return false
	}

	if b.chunks[index] == "" {
		b.received++
	}
	b.chunks[index] = data
	b.state = TransferAccumulating
	return true
}

// Progress reports the fill percentage, rounded to an integer.
func (b *TransferBuffer) Progress() int {
	if b.TotalChunks == 0 {
		return 0
	}
	return int(float64(b.received)/float64(b.TotalChunks)*100 + 0.5)
}

// Finalize runs at the sender's explicit completion signal. It verifies
// every slot is populated, concatenates the slots in index order, decodes
// the base64 result, and checks the decoded byte length against the
// announced size. On success it returns the reassembled base64 payload and
// the effective MIME type (sniffed from the decoded bytes when none was
// announced). On failure the returned error wraps ErrTransferValidation
// with a human-readable reason; the caller discards the buffer either way.
func (b *TransferBuffer) Finalize() (string, string, error) {
	if missing := b.missingIndices(); len(missing) > 0 {
		b.state = TransferFailed
		return "", "", fmt.Errorf("%w: missing chunks: %s", ErrTransferValidation, joinIndices(missing))
	}

	payload := strings.Join(b.chunks, "")
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		b.state = TransferFailed
		return "", "", fmt.Errorf("%w: invalid base64 payload: %v", ErrTransferValidation, err)
	}

	if int64(len(decoded)) != b.FileSize {
		b.state = TransferFailed
		return "", "", fmt.Errorf("%w: size mismatch: expected %d bytes, got %d", ErrTransferValidation, b.FileSize, len(decoded))
	}

	mime := b.MimeType
	if mime == "" {
		mime = mimetype.Detect(decoded).String()
	}

	b.state = TransferComplete

	logrus.WithFields(logrus.Fields{
		"direction": b.Direction,
		"file_name": b.FileName,
		"file_size": b.FileSize,
		"mime_type": mime,
	}).Info("Transfer reassembled and validated")

	return payload, mime, nil
}

func (b *TransferBuffer) missingIndices() []int {
	var missing []int
	for i, chunk := range b.chunks {
		if chunk == "" {
			missing = append(missing, i)
		}
	}
	return missing
}

func joinIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ", ")
}
