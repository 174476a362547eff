// Package export publishes monthly usage reports to object storage.
//
// DESIGN: The export is a pull of the month's rollups from the ledger,
// serialized to one JSON document, and written to S3 under a predictable
// key. Finance tooling downstream reads the bucket; nothing in the serving
// path depends on this package.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/config"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/ledger"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/utils"
)

// Report is the exported monthly document.
type Report struct {
	Month       string                 `json:"month"`
	GeneratedAt time.Time              `json:"generated_at"`
	Users       []ledger.MonthlyRecord `json:"users"`

	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// Exporter writes monthly usage reports to an S3 bucket.
type Exporter struct {
	client *s3.Client
	store  ledger.Store
	bucket string
	prefix string
}

// NewExporter creates an exporter using the ambient AWS credential chain.
// A custom endpoint switches the client to path-style addressing for
// S3-compatible stores (MinIO, LocalStack).
func NewExporter(ctx context.Context, cfg config.ExportConfig, store ledger.Store) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export: bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Exporter{
		client: client,
		store:  store,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// ExportMonth builds the report for month (YYYY-MM) and uploads it. Returns
// the object key written.
func (e *Exporter) ExportMonth(ctx context.Context, month string) (string, error) {
	report, err := e.BuildReport(ctx, month)
	if err != nil {
		return "", err
	}
	payload, err := utils.MarshalNoEscape(report)
	if err != nil {
		return "", fmt.Errorf("export: marshal report: %w", err)
	}

	key := fmt.Sprintf("%s/%s/usage-%s.json", e.prefix, month, month)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("export: s3 put %s: %w", key, err)
	}

	log.Info().
		Str("month", month).
		Str("bucket", e.bucket).
		Str("key", key).
		Int("users", len(report.Users)).
		Msg("export: monthly report uploaded")
	return key, nil
}

// BuildReport assembles the month's report without uploading it.
func (e *Exporter) BuildReport(ctx context.Context, month string) (*Report, error) {
	records, err := e.store.ListMonthlyUsage(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("export: list monthly usage: %w", err)
	}

	report := &Report{
		Month:       month,
		GeneratedAt: time.Now().UTC(),
		Users:       records,
	}
	for _, rec := range records {
		report.TotalTokens += rec.TotalTokens
		report.TotalCost += rec.EstimatedCost
	}
	return report, nil
}
