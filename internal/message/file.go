package message

import "strings"

// FileKind is the coarse classification of an attached file.
type FileKind string

const (
	FileKindImage FileKind = "image"
	FileKindAudio FileKind = "audio"
	FileKindOther FileKind = "other"
)

// FileDescriptor describes one attachment of a user turn.
//
// Bytes is populated only at ingress; it is stripped before any state is
// snapshotted or logged. Description is filled in by the decision node once
// the model has looked at the file.
type FileDescriptor struct {
	Filename    string   `json:"filename"`
	Kind        FileKind `json:"kind"`
	MIME        string   `json:"mime"`
	Size        int64    `json:"size"`
	Bytes       []byte   `json:"-"`
	Description string   `json:"description,omitempty"`
}

// NewFileDescriptor classifies the attachment by MIME type and records its
// size from the payload.
func NewFileDescriptor(filename, mime string, data []byte) FileDescriptor {
	return FileDescriptor{
		Filename: filename,
		Kind:     KindForMIME(mime),
		MIME:     mime,
		Size:     int64(len(data)),
		Bytes:    data,
	}
}

// KindForMIME maps a MIME type to a [FileKind].
func KindForMIME(mime string) FileKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return FileKindImage
	case strings.HasPrefix(mime, "audio/"):
		return FileKindAudio
	default:
		return FileKindOther
	}
}

// WithoutBytes returns a copy of f with the payload dropped.
func (f FileDescriptor) WithoutBytes() FileDescriptor {
	f.Bytes = nil
	return f
}

// StripBytes returns a copy of files with every payload dropped. Descriptors
// keep their metadata so prompts and logs can still reference the attachment.
func StripBytes(files []FileDescriptor) []FileDescriptor {
	if files == nil {
		return nil
	}
	out := make([]FileDescriptor, len(files))
	for i, f := range files {
		out[i] = f.WithoutBytes()
	}
	return out
}

// CloneFiles deep-copies descriptors including any ingress payload, so a
// rolled-back state can retry with the original bytes intact.
func CloneFiles(files []FileDescriptor) []FileDescriptor {
	if files == nil {
		return nil
	}
	out := make([]FileDescriptor, len(files))
	for i, f := range files {
		if f.Bytes != nil {
			b := make([]byte, len(f.Bytes))
			copy(b, f.Bytes)
			f.Bytes = b
		}
		out[i] = f
	}
	return out
}
