package invoices

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/pkg/logging"
)

// DocumentStore persists rendered invoice documents.
type DocumentStore interface {
	// Put stores body and returns its key. An empty key means nothing was stored.
	Put(ctx context.Context, inv *Invoice, body []byte) (string, error)
}

// S3API is the subset of the S3 client used by S3DocumentStore.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3DocumentStore writes invoice documents to S3. With no bucket configured
// every Put is a no-op.
type S3DocumentStore struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

func NewS3DocumentStore(s3Client S3API, bucket string, logger *logging.Logger) *S3DocumentStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &S3DocumentStore{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if a bucket and client are configured.
func (s *S3DocumentStore) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

func (s *S3DocumentStore) Put(ctx context.Context, inv *Invoice, body []byte) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	issued := inv.CreatedAt.UTC()
	key := fmt.Sprintf("invoices/v1/%d/%02d/%s.txt", issued.Year(), issued.Month(), inv.Number)

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("invoices: s3 put %s: %w", key, err)
	}
	s.logger.FromContext(ctx).Info("stored invoice document",
		"invoice_id", inv.ID,
		"invoice_number", inv.Number,
		"s3_key", key,
	)
	return key, nil
}

var documentTemplate = template.Must(template.New("invoice").Option("missingkey=error").Parse(`INVOICE {{.Number}}
Issued: {{.Issued}}
Due:    {{.Due}}

Billed to: {{.ClientName}} <{{.ClientEmail}}>
Service:   {{.Service}} on {{.ScheduledAt}}

Amount: {{.Amount}} {{.Currency}}
Tax:    {{.Tax}} {{.Currency}}
Total:  {{.Total}} {{.Currency}}

Status: {{.Status}}
`))

// Render produces the plain-text invoice document for inv.
func Render(inv *Invoice, b *bookings.Booking) ([]byte, error) {
	data := map[string]any{
		"Number":      inv.Number,
		"Issued":      inv.CreatedAt.UTC().Format("2006-01-02"),
		"Due":         inv.DueAt.UTC().Format("2006-01-02"),
		"ClientName":  b.Client.Name,
		"ClientEmail": b.Client.Email,
		"Service":     b.Title,
		"ScheduledAt": b.ScheduledAt.UTC().Format("2006-01-02 15:04 MST"),
		"Amount":      pricing.FormatMinor(inv.AmountMinor),
		"Tax":         pricing.FormatMinor(inv.TaxMinor),
		"Total":       pricing.FormatMinor(inv.TotalMinor),
		"Currency":    inv.Currency,
		"Status":      string(inv.Status),
	}
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("invoices: render %s: %w", inv.Number, err)
	}
	return buf.Bytes(), nil
}
