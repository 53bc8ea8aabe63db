package ocr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
)

// DocumentAIConfig locates the Document AI processor.
type DocumentAIConfig struct {
	ProjectID       string
	Location        string
	ProcessorID     string
	CredentialsFile string
	Timeout         time.Duration
}

func (c DocumentAIConfig) processorName() string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s", c.ProjectID, c.Location, c.ProcessorID)
}

type processFunc func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error)

// DocumentAI extracts invoices with a Google Document AI processor.
type DocumentAI struct {
	cfg     DocumentAIConfig
	process processFunc
	close   func() error
	logger  *slog.Logger
}

// NewDocumentAI dials the regional Document AI endpoint.
func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig, logger *slog.Logger) (*DocumentAI, error) {
	if cfg.ProjectID == "" || cfg.ProcessorID == "" {
		return nil, fmt.Errorf("ocr: project and processor id are required")
	}
	if cfg.Location == "" {
		cfg.Location = "us"
	}
	var opts []option.ClientOption
	if cfg.Location != "us" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", cfg.Location)))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ocr: document ai client for %s: %w", cfg.Location, err)
	}
	d := newDocumentAI(cfg, func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
		return client.ProcessDocument(ctx, req)
	}, logger)
	d.close = client.Close
	return d, nil
}

func newDocumentAI(cfg DocumentAIConfig, process processFunc, logger *slog.Logger) *DocumentAI {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &DocumentAI{
		cfg:     cfg,
		process: process,
		close:   func() error { return nil },
		logger:  logger.With(slog.String("component", "document-ai")),
	}
}

// Extract sends doc to the processor. When doc has a Name (an *os.File) its
// extension decides the MIME type; otherwise the content is sniffed.
func (d *DocumentAI) Extract(ctx context.Context, doc io.Reader) (Result, error) {
	content, err := io.ReadAll(io.LimitReader(doc, MaxDocumentBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("ocr: read document: %w", err)
	}
	if len(content) > MaxDocumentBytes {
		return Result{}, ErrDocumentTooLarge
	}
	var name string
	if named, ok := doc.(interface{ Name() string }); ok {
		name = named.Name()
	}
	mimeType := documentType(name, content)
	if !supportedTypes[mimeType] {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedDocument, mimeType)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	resp, err := d.process(ctx, &documentaipb.ProcessRequest{
		Name: d.cfg.processorName(),
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{Content: content, MimeType: mimeType},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("ocr: process document: %w", err)
	}
	res := FromDocument(resp.GetDocument())
	d.logger.Debug("document extracted",
		slog.String("mime_type", mimeType),
		slog.Int("fields", len(res.Fields)),
		slog.Float64("confidence", res.Confidence))
	return res, nil
}

// Close releases the client connection.
func (d *DocumentAI) Close() error {
	return d.close()
}
