package email

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/shineum/mailkit/pkg/mailerr"
)

const defaultContentType = "application/octet-stream"

// Disposition tells the recipient's client how to present an attachment.
type Disposition int

const (
	Attached Disposition = iota
	Inline
)

func (d Disposition) String() string {
	if d == Inline {
		return "inline"
	}
	return "attachment"
}

// MarshalText implements encoding.TextMarshaler.
func (d Disposition) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Disposition) UnmarshalText(text []byte) error {
	switch string(text) {
	case "inline":
		*d = Inline
	case "attachment", "":
		*d = Attached
	default:
		return fmt.Errorf("unknown disposition %q", text)
	}
	return nil
}

// Attachment is file content carried by an Email. The content is either held
// in memory or read from a path when the message is serialized for sending.
type Attachment struct {
	Filename    string
	ContentType string
	Disposition Disposition
	// ContentID is referenced from HTML bodies as "cid:<id>" for inline parts.
	ContentID string

	data []byte
	// path is set for deferred attachments; data is read at send time.
	path string
	size int64
}

// AttachmentFromBytes builds an attachment from in-memory content. The
// content type is guessed from the filename extension.
func AttachmentFromBytes(filename string, data []byte) Attachment {
	return Attachment{
		Filename:    filename,
		ContentType: ContentTypeFor(filename),
		data:        data,
		size:        int64(len(data)),
	}
}

// AttachmentFromPath reads the file at path immediately.
func AttachmentFromPath(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, mailerr.Attachment(fmt.Sprintf("cannot read %s", path), err)
	}
	return AttachmentFromBytes(filepath.Base(path), data), nil
}

// AttachmentFromPathLazy checks that path exists and defers reading it until
// the message is sent. A file removed in between surfaces as a delivery-time
// error.
func AttachmentFromPathLazy(path string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, mailerr.Attachment(fmt.Sprintf("cannot stat %s", path), err)
	}
	if info.IsDir() {
		return Attachment{}, mailerr.Attachment(fmt.Sprintf("%s is a directory", path), nil)
	}

	filename := filepath.Base(path)
	return Attachment{
		Filename:    filename,
		ContentType: ContentTypeFor(filename),
		path:        path,
		size:        info.Size(),
	}, nil
}

// ContentTypeFor guesses a media type from a filename extension, falling
// back to application/octet-stream.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return defaultContentType
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return defaultContentType
}

// WithContentType overrides the guessed media type.
func (a Attachment) WithContentType(contentType string) Attachment {
	a.ContentType = contentType
	return a
}

// WithFilename overrides the filename without changing the content type.
func (a Attachment) WithFilename(filename string) Attachment {
	a.Filename = filename
	return a
}

// AsInline marks the attachment inline. The content id defaults to the
// filename when none was set.
func (a Attachment) AsInline() Attachment {
	a.Disposition = Inline
	if a.ContentID == "" {
		a.ContentID = a.Filename
	}
	return a
}

// WithContentID sets the content id and marks the attachment inline.
func (a Attachment) WithContentID(id string) Attachment {
	a.Disposition = Inline
	a.ContentID = id
	return a
}

// IsInline reports whether the attachment is shown inline.
func (a Attachment) IsInline() bool {
	return a.Disposition == Inline
}

// IsDeferred reports whether the content is read from disk at send time.
func (a Attachment) IsDeferred() bool {
	return a.path != ""
}

// Path returns the source path of a deferred attachment.
func (a Attachment) Path() string {
	return a.path
}

// Size returns the content length in bytes. For deferred attachments this is
// the size observed at construction.
func (a Attachment) Size() int64 {
	return a.size
}

// Bytes returns the attachment content, reading deferred content from disk.
func (a Attachment) Bytes() ([]byte, error) {
	if a.path == "" {
		return a.data, nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, mailerr.Attachment(fmt.Sprintf("cannot read %s", a.path), err)
	}
	return data, nil
}

// Materialize returns a copy with deferred content loaded into memory.
func (a Attachment) Materialize() (Attachment, error) {
	if a.path == "" {
		return a, nil
	}
	data, err := a.Bytes()
	if err != nil {
		return Attachment{}, err
	}
	a.data = data
	a.path = ""
	a.size = int64(len(data))
	return a, nil
}

type attachmentJSON struct {
	Filename    string      `json:"filename"`
	ContentType string      `json:"content_type"`
	Disposition Disposition `json:"disposition"`
	ContentID   string      `json:"content_id,omitempty"`
	Data        []byte      `json:"data,omitempty"`
	Path        string      `json:"path,omitempty"`
	Size        int64       `json:"size"`
}

// MarshalJSON encodes in-memory content as base64 and deferred content as
// its path.
func (a Attachment) MarshalJSON() ([]byte, error) {
	return json.Marshal(attachmentJSON{
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Disposition: a.Disposition,
		ContentID:   a.ContentID,
		Data:        a.data,
		Path:        a.path,
		Size:        a.size,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Attachment) UnmarshalJSON(b []byte) error {
	var v attachmentJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*a = Attachment{
		Filename:    v.Filename,
		ContentType: v.ContentType,
		Disposition: v.Disposition,
		ContentID:   v.ContentID,
		data:        v.Data,
		path:        v.Path,
		size:        v.Size,
	}
	return nil
}
