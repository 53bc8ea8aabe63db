// Package ocr extracts invoice fields and a confidence score from uploaded
// documents.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
)

// MaxDocumentBytes caps the size of a document sent for extraction.
const MaxDocumentBytes = 20 << 20

var (
	ErrDocumentTooLarge    = errors.New("ocr: document too large")
	ErrUnsupportedDocument = errors.New("ocr: unsupported document type")
	ErrDocumentNotFound    = errors.New("ocr: document not found")
)

// Result is the extraction outcome. Confidence is between 0 and 100.
type Result struct {
	Confidence float64
	Fields     map[string]string
}

// Extractor reads a document and returns what it recognised.
type Extractor interface {
	Extract(ctx context.Context, doc io.Reader) (Result, error)
}

// FromDocument maps Document AI entities to fields. The confidence is the
// mean entity confidence scaled to 0..100; a document with no entities
// scores zero.
func FromDocument(doc *documentaipb.Document) Result {
	res := Result{Fields: map[string]string{}}
	if doc == nil || len(doc.GetEntities()) == 0 {
		return res
	}
	var sum float64
	for _, entity := range doc.GetEntities() {
		sum += float64(entity.GetConfidence())
		value := strings.TrimSpace(entity.GetMentionText())
		if nv := entity.GetNormalizedValue(); nv != nil && nv.GetText() != "" {
			value = nv.GetText()
		}
		if value == "" {
			continue
		}
		key := fieldName(entity.GetType())
		if _, seen := res.Fields[key]; !seen {
			res.Fields[key] = value
		}
	}
	res.Confidence = math.Round(sum/float64(len(doc.GetEntities()))*10000) / 100
	return res
}

func fieldName(entityType string) string {
	switch entityType {
	case "invoice_id":
		return "invoice_number"
	case "supplier_name", "vendor_name":
		return "supplier_name"
	case "receiver_name", "customer_name":
		return "buyer_name"
	case "total_amount", "gross_amount":
		return "amount"
	default:
		return entityType
	}
}

// DirSource opens documents stored below a root directory by their
// reference.
type DirSource struct {
	root string
}

// NewDirSource builds a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Open returns the document for ref. References must stay inside the root.
func (s *DirSource) Open(ref string) (*os.File, error) {
	ref = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(ref)), "/")
	if ref == "" || !filepath.IsLocal(filepath.FromSlash(ref)) {
		return nil, fmt.Errorf("%w: %q", ErrDocumentNotFound, ref)
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(ref)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrDocumentNotFound, ref)
	}
	return f, err
}
