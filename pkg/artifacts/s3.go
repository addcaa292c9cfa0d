package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/mangoml/trackoor/pkg/config"
)

// defaultPrefix is the key prefix used when none is configured.
const defaultPrefix = "trackoor"

// s3Store implements Store for S3-compatible storage.
type s3Store struct {
	log    logrus.FieldLogger
	cfg    *config.ArtifactsConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Store = (*s3Store)(nil)

// NewS3Store creates an artifact store from the given configuration.
func NewS3Store(
	log logrus.FieldLogger,
	cfg *config.ArtifactsConfig,
) Store {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Store{
		log:    log.WithField("component", "artifact-store"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// Preflight verifies S3 connectivity by writing a small test object.
func (s *s3Store) Preflight(ctx context.Context) error {
	content := fmt.Sprintf(
		"trackoor write test: %s", time.Now().UTC().Format(time.RFC3339),
	)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(".trackoor-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", s.cfg.Bucket, err)
	}

	return nil
}

// PutCrashReport uploads the supplied crash artifacts for a run.
func (s *s3Store) PutCrashReport(
	ctx context.Context, runID string,
	errorLog, report, analysis []byte,
) (*CrashKeys, error) {
	keys := &CrashKeys{}

	parts := []struct {
		data        []byte
		filename    string
		contentType string
		key         **string
	}{
		{errorLog, "error.log", "text/plain", &keys.ErrorLog},
		{report, "report.md", "text/markdown", &keys.Report},
		{analysis, "analysis.md", "text/markdown", &keys.Analysis},
	}

	count := 0

	for _, p := range parts {
		if p.data == nil {
			continue
		}

		key := crashReportKey(s.prefix(), runID, p.filename)

		if err := s.putObject(ctx, key, p.data, p.contentType); err != nil {
			return nil, err
		}

		*p.key = &key
		count++
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"files":  count,
		"bucket": s.cfg.Bucket,
	}).Info("Crash report uploaded")

	return keys, nil
}

// PutConversation uploads a run's agent conversation transcript.
func (s *s3Store) PutConversation(
	ctx context.Context, runID string, data []byte,
) (string, error) {
	key := conversationKey(s.prefix(), runID)

	if err := s.putObject(ctx, key, data, "application/jsonl"); err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"key":    key,
		"bucket": s.cfg.Bucket,
	}).Info("Conversation uploaded")

	return key, nil
}

// GetObject reads one stored artifact.
// Returns (nil, nil) when the key does not exist.
func (s *s3Store) GetObject(
	ctx context.Context, key string,
) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

func (s *s3Store) putObject(
	ctx context.Context, key string, data []byte, contentType string,
) error {
	s.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": s.cfg.Bucket,
	}).Debug("Uploading artifact")

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}

	return nil
}

func (s *s3Store) prefix() string {
	if s.cfg.Prefix == "" {
		return defaultPrefix
	}

	return strings.TrimRight(s.cfg.Prefix, "/")
}

// crashReportKey builds the key for one crash artifact:
// {prefix}/crash-reports/{runID}/{filename}.
func crashReportKey(prefix, runID, filename string) string {
	return prefix + "/crash-reports/" + runID + "/" + filename
}

// conversationKey builds the key for a conversation transcript:
// {prefix}/conversations/{runID}.jsonl.
func conversationKey(prefix, runID string) string {
	return prefix + "/conversations/" + runID + ".jsonl"
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}
