package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// seams for tests
var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in)
	}
)

// ArchiveConfig points the archiver at an S3-compatible endpoint
// (MinIO in the compose setup).
type ArchiveConfig struct {
	Region       string
	RootUser     string
	RootPassword string
	Bucket       string
	BaseEndpoint string
}

// Archiver keeps a copy of every produced workbook in object storage.
// Archiving is best-effort: the caller still delivers the workbook to the
// user when the upload fails.
type Archiver struct {
	cfg ArchiveConfig
	log logging.Logger
	now func() time.Time
}

func NewArchiver(cfg ArchiveConfig, log logging.Logger) *Archiver {
	return &Archiver{cfg: cfg, log: log, now: time.Now}
}

func (a *Archiver) client(ctx context.Context) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(a.cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			a.cfg.RootUser,
			a.cfg.RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}
	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(a.cfg.BaseEndpoint)
		o.UsePathStyle = true
	}), nil
}

// storageKey partitions archived workbooks by year and month.
func (a *Archiver) storageKey() string {
	d := a.now()
	return fmt.Sprintf("reports/%d/%02d/%v.xlsx", d.Year(), int(d.Month()), uuid.New())
}

// Upload stores the workbook and returns the object key.
func (a *Archiver) Upload(ctx context.Context, workbook []byte) (string, error) {
	client, err := a.client(ctx)
	if err != nil {
		return "", fmt.Errorf("archive client: %w", err)
	}

	key := a.storageKey()
	_, err = putObject(client, ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(workbook),
		ContentType: aws.String(xlsxContentType),
	})
	if err != nil {
		return "", fmt.Errorf("archive upload: %w", err)
	}

	a.log.Info(ctx, "workbook archived", "key", key, "bytes", len(workbook))
	return key, nil
}
