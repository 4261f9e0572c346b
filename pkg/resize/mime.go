package resize

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MIME mapping to avoid opening files repeatedly.
var extMime = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
}

// MIMEFromExt returns the MIME type implied by the file extension, or ""
// when unknown (sniff the content instead).
func MIMEFromExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if m, ok := extMime[ext]; ok {
		return m
	}
	return ""
}

// SniffContentType reads the first 512 bytes and detects the MIME type.
func SniffContentType(path string) string { // fallback only
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if n == 0 {
		return ""
	}
	return http.DetectContentType(buf[:n])
}

// DetectMIME resolves a file's MIME type, extension first, sniff fallback.
func DetectMIME(path string) string {
	if m := MIMEFromExt(path); m != "" {
		return m
	}
	return SniffContentType(path)
}

// IsImageMIME reports whether the MIME type goes through the resize path.
// Everything else is uploaded verbatim.
func IsImageMIME(mime string) bool {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}
