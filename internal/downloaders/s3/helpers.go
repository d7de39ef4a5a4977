package s3sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// IsS3URL reports whether an output target names an S3 object.
func IsS3URL(target string) bool {
	return strings.HasPrefix(target, "s3://")
}

// ParseS3URL splits s3://bucket/key. The key is required since a sink writes
// exactly one object.
func ParseS3URL(target string) (string, string, error) {
	trimmed := strings.TrimPrefix(target, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid S3 URL format: %s", target)
	}
	return parts[0], parts[1], nil
}

// NewUploader builds a multipart uploader from the shared AWS config for
// profile ("" selects the default chain).
func NewUploader(ctx context.Context, profile string) (*manager.Uploader, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode("adaptive")}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return manager.NewUploader(s3.NewFromConfig(cfg)), nil
}
