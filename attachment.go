package chatsync

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MaxAttachmentSize is the largest file the backend accepts on a message.
const MaxAttachmentSize = 2 * 1024 * 1024

var allowedAttachmentTypes = setOf(
	"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp", "image/bmp",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"text/plain", "text/csv",
	"application/zip", "application/x-rar-compressed",
	"video/mp4", "video/webm", "video/ogg",
	"audio/mpeg", "audio/wav", "audio/ogg",
)

var allowedAttachmentExts = setOf(
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp",
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".txt", ".csv",
	".zip", ".rar",
	".mp4", ".webm", ".ogg", ".mp3", ".wav",
)

func setOf(values ...string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Attachment is a file sent with a group message or used as an image.
type Attachment struct {
	FileName string
	Data     []byte
	MimeType string
}

// LoadAttachment reads a file from disk and guesses its MIME type.
func LoadAttachment(path string) (*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	name := filepath.Base(path)
	return &Attachment{FileName: name, Data: data, MimeType: guessMimeType(name)}, nil
}

func (a *Attachment) mimeType() string {
	if a.MimeType != "" {
		return a.MimeType
	}
	return guessMimeType(a.FileName)
}

// Validate rejects empty, oversized and unsupported files before upload.
func (a *Attachment) Validate() error {
	if a == nil || len(a.Data) == 0 {
		return &ValidationError{Field: "attachment", Reason: "file is empty"}
	}
	if len(a.Data) > MaxAttachmentSize {
		return &ValidationError{
			Field:  "attachment",
			Reason: fmt.Sprintf("%s is %d bytes, the limit is %d", a.FileName, len(a.Data), MaxAttachmentSize),
		}
	}
	ext := strings.ToLower(filepath.Ext(a.FileName))
	if !allowedAttachmentExts[ext] {
		return &ValidationError{Field: "attachment", Reason: fmt.Sprintf("extension %q is not allowed", ext)}
	}
	if mt := a.mimeType(); !allowedAttachmentTypes[mt] {
		return &ValidationError{Field: "attachment", Reason: fmt.Sprintf("type %q is not allowed", mt)}
	}
	return nil
}

func (a *Attachment) validateImage() error {
	if err := a.Validate(); err != nil {
		return err
	}
	if !strings.HasPrefix(a.mimeType(), "image/") {
		return &ValidationError{Field: "image", Reason: "file must be an image"}
	}
	return nil
}

// multipartForm is a form body that can be rebuilt for retries.
type multipartForm struct {
	fields map[string]string
	files  map[string]*Attachment
}

func (f *multipartForm) body() bodyFunc {
	return func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)

		for _, k := range sortedKeys(f.fields) {
			if err := w.WriteField(k, f.fields[k]); err != nil {
				return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
			}
		}
		for _, k := range sortedKeys(f.files) {
			file := f.files[k]
			part, err := w.CreateFormFile(k, file.FileName)
			if err != nil {
				return nil, "", fmt.Errorf("failed to create form file: %w", err)
			}
			if _, err := part.Write(file.Data); err != nil {
				return nil, "", fmt.Errorf("failed to write file data: %w", err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close form: %w", err)
		}
		return &buf, w.FormDataContentType(), nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Registries differ between platforms for these.
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm", ".bmp": "image/bmp",
		".txt": "text/plain", ".csv": "text/csv", ".mp4": "video/mp4",
		".zip": "application/zip", ".rar": "application/x-rar-compressed",
		".mp3": "audio/mpeg", ".wav": "audio/wav", ".ogg": "audio/ogg",
		".doc": "application/msword", ".xls": "application/vnd.ms-excel",
		".ppt": "application/vnd.ms-powerpoint",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
