package s3sink

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Uploader is the part of manager.Uploader used by Sink.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Sink streams written bytes into a single S3 object. The upload runs while
// the download is in progress; Close waits for it to finish.
type Sink struct {
	bucket string
	key    string
	pw     *io.PipeWriter
	result chan error
}

func NewSink(ctx context.Context, uploader Uploader, bucket, key string) *Sink {
	pr, pw := io.Pipe()
	s := &Sink{
		bucket: bucket,
		key:    key,
		pw:     pw,
		result: make(chan error, 1),
	}
	go func() {
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		// unblock writers if the upload gave up early
		pr.CloseWithError(err)
		s.result <- err
	}()
	return s
}

func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.pw.Write(p)
	if err != nil {
		return n, fmt.Errorf("error streaming to s3://%s/%s: %v", s.bucket, s.key, err)
	}
	return n, nil
}

func (s *Sink) Close() error {
	s.pw.Close()
	if err := <-s.result; err != nil {
		return fmt.Errorf("error uploading s3://%s/%s: %v", s.bucket, s.key, err)
	}
	log.Debug().Str("op", "s3/sink").Msgf("Uploaded s3://%s/%s", s.bucket, s.key)
	return nil
}

// CloseWithError aborts the upload so no partial object is stored.
func (s *Sink) CloseWithError(cause error) error {
	s.pw.CloseWithError(cause)
	err := <-s.result
	log.Debug().Str("op", "s3/sink").Err(err).Msgf("Upload to s3://%s/%s aborted", s.bucket, s.key)
	return nil
}
