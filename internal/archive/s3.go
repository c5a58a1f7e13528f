// Package archive copies concluded workflow instances to object storage
// before they are removed with their case.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

// ObjectPutter is the subset of the S3 API the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// A custom endpoint targets S3-compatible stores such as MinIO.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3Archiver writes each instance as a JSON document under
// {prefix}/{template}/{case_id}/{instance_id}.json.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archiver creates an archiver for the configured bucket.
func NewS3Archiver(client ObjectPutter, cfg config.ArchiveConfig, logger *zap.Logger) *S3Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.Named("archive"),
	}
}

// Key returns the object key for inst.
func (a *S3Archiver) Key(inst model.WorkflowInstance) string {
	return path.Join(a.prefix, inst.TemplateName, inst.CaseID, inst.ID+".json")
}

// Archive uploads inst. It implements the workflow engine's Archiver.
func (a *S3Archiver) Archive(ctx context.Context, inst model.WorkflowInstance) error {
	body, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow instance: %w", err)
	}

	key := a.Key(inst)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"case-id":     inst.CaseID,
			"instance-id": inst.ID,
			"status":      string(inst.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3://%s: %w", key, a.bucket, err)
	}

	a.logger.Info("workflow instance archived",
		zap.String("case_id", inst.CaseID),
		zap.String("path", fmt.Sprintf("s3://%s/%s", a.bucket, key)),
	)
	return nil
}
