package constants

import (
	"path/filepath"
	"strings"
)

// MimeTypes maps attachment file extensions to the content type sent in
// multipart uploads.
var MimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".zip":  "application/zip",
}

// DefaultMimeType is used for extensions missing from MimeTypes.
const DefaultMimeType = "application/octet-stream"

// MimeTypeForPath returns the content type for a file name.
func MimeTypeForPath(path string) string {
	if mt, ok := MimeTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mt
	}
	return DefaultMimeType
}
