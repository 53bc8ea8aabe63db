package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradefin/tradefin/internal/app"
	"github.com/tradefin/tradefin/internal/ocr"
)

func newOCRCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ocr <document>",
		Short: "Run Document AI extraction on a local invoice document",
		Long: `Sends a PDF or image to the configured Document AI processor and prints the
extracted fields and confidence. Requires OCR_PROJECT_ID and OCR_PROCESSOR_ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			extractor, err := ocr.NewDocumentAI(ctx, ocr.DocumentAIConfig{
				ProjectID:       cfg.OCRProjectID,
				Location:        cfg.OCRLocation,
				ProcessorID:     cfg.OCRProcessorID,
				CredentialsFile: cfg.OCRCredentialsFile,
				Timeout:         timeout,
			}, app.NewLogger(cfg))
			if err != nil {
				return err
			}
			defer extractor.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := extractor.Extract(ctx, f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "processing timeout")
	return cmd
}
