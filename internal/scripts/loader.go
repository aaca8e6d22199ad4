// Package scripts loads the page-script bundle injected into each
// ready tab, from the local filesystem by default or from S3 when the
// configured location is an s3:// URI. S3 support is grounded on
// ndrandal-feed-simulator's use of aws-sdk-go-v2's config+service/s3
// pair.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Bundle is the loaded page-script source plus a content hash used to
// detect whether a previously-injected script is stale.
type Bundle struct {
	Source string
	Hash   string
}

// Load resolves location (a local path or an s3:// URI) into a
// Bundle.
func Load(ctx context.Context, location string) (Bundle, error) {
	if strings.HasPrefix(location, "s3://") {
		return loadFromS3(ctx, location)
	}
	return loadFromDisk(location)
}

func loadFromDisk(path string) (Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("scripts: read bundle %s: %w", path, err)
	}
	return Bundle{Source: string(raw), Hash: contentHash(raw)}, nil
}

func loadFromS3(ctx context.Context, location string) (Bundle, error) {
	bucket, key, err := parseS3URI(location)
	if err != nil {
		return Bundle{}, err
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("scripts: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("scripts: get s3 object %s: %w", location, err)
	}
	defer out.Body.Close()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := out.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return Bundle{}, fmt.Errorf("scripts: read s3 object %s: %w", location, rerr)
		}
	}
	return Bundle{Source: string(buf), Hash: contentHash(buf)}, nil
}

func parseS3URI(location string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("scripts: malformed s3 uri %q", location)
	}
	return parts[0], parts[1], nil
}
