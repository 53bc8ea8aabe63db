package ocr

import (
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

func init() {
	ensureMimeType(".pdf", "application/pdf")
	ensureMimeType(".tif", "image/tiff")
	ensureMimeType(".tiff", "image/tiff")
	ensureMimeType(".webp", "image/webp")
}

func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		log.Printf("ocr: failed to register MIME type for %s: %v", ext, err)
	}
}

var supportedTypes = map[string]bool{
	"application/pdf": true,
	"image/tiff":      true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/bmp":       true,
	"image/webp":      true,
}

// documentType resolves the MIME type from the file name when known, then
// from the content.
func documentType(name string, content []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if typ := mime.TypeByExtension(strings.ToLower(ext)); typ != "" {
			return baseType(typ)
		}
	}
	return baseType(http.DetectContentType(content))
}

func baseType(typ string) string {
	if i := strings.IndexByte(typ, ';'); i >= 0 {
		typ = typ[:i]
	}
	return strings.TrimSpace(typ)
}
