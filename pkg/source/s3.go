package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/relieflab/demflow/pkg/geo"
)

// S3Fetcher fetches per-cell objects from an S3 bucket. The descriptor
// endpoint is the bucket name; open-data buckets are read without
// credentials.
type S3Fetcher struct {
	desc    Descriptor
	client  *s3.Client
	timeout time.Duration
}

// S3Options tunes S3 fetcher construction.
type S3Options struct {
	// Region of the bucket. Open terrain buckets live in eu-central-1.
	Region string

	// Anonymous disables request signing for public buckets.
	Anonymous bool

	// Timeout bounds one fetch attempt.
	Timeout time.Duration
}

// NewS3Fetcher builds a fetcher reading from the descriptor's bucket
// using the SDK default credential chain, or unsigned requests for
// public buckets.
func NewS3Fetcher(ctx context.Context, d Descriptor, opts S3Options) (*S3Fetcher, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("source %s: load aws config: %w", d.ID, err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Anonymous {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.Credentials = aws.AnonymousCredentials{}
		})
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	return &S3Fetcher{
		desc:    d,
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		timeout: timeout,
	}, nil
}

func (f *S3Fetcher) Source() Descriptor { return f.desc }

func (f *S3Fetcher) Fetch(ctx context.Context, block geo.Block) ([]byte, error) {
	if block.CellCount() != 1 {
		return nil, f.wrap(block, fmt.Errorf("source %s cannot serve %d-cell blocks", f.desc.ID, block.CellCount()))
	}
	cell := block.Cells()[0]

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.desc.Endpoint),
		Key:    aws.String(f.desc.ExpandKey(cell)),
	})
	if err != nil {
		return nil, f.wrap(block, classifyS3Error(err))
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxPayloadBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, f.wrap(block, ErrTimeout)
		}
		return nil, f.wrap(block, fmt.Errorf("%w: read body: %v", ErrUnavailable, err))
	}
	if len(data) > maxPayloadBytes {
		return nil, f.wrap(block, fmt.Errorf("%w: payload exceeds %d bytes", ErrCorruptPayload, maxPayloadBytes))
	}
	return data, nil
}

func (f *S3Fetcher) wrap(block geo.Block, err error) error {
	return &FetchError{Op: "Fetch", Source: f.desc.ID, Fragment: block.Bounds().String(), Err: err}
}

func classifyS3Error(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return ErrNoData
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNoData
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return ErrThrottled
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return ErrAuthRequired
		case "InternalError", "ServiceUnavailable":
			return ErrUnavailable
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
