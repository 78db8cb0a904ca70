// Package archive uploads closed logs to S3-compatible storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kjk/reclog/frame"
	"github.com/kjk/reclog/recovery"
	"github.com/kjk/reclog/rotate"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ContentType of uploaded logs
const ContentType = "application/x-reclog"

type Config struct {
	Access   string
	Secret   string
	Bucket   string
	Endpoint string
	Region   string
	// Prefix is prepended to names of uploaded logs
	Prefix string
	// if true, use http instead of https
	Insecure     bool
	RequestTrace io.Writer
}

// objectStore is the part of *minio.Client we use
type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

type Client struct {
	Bucket string
	config Config
	store  objectStore
}

func validateConfig(c *Config) error {
	if c == nil {
		return errors.New("must provide config")
	}
	if c.Access == "" || c.Secret == "" || c.Bucket == "" || c.Endpoint == "" {
		return errors.New("must provide Access, Secret, Bucket and Endpoint in config")
	}
	return nil
}

// New creates a client and checks that the bucket exists
func New(ctx context.Context, config *Config) (*Client, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	c := config
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if c.RequestTrace != nil {
		mc.TraceOn(c.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}
	return &Client{
		Bucket: c.Bucket,
		config: *c,
		store:  mc,
	}, nil
}

// RemoteName returns the name under which a log is stored:
// <prefix>/<yyyy-mm-dd>/<file id>.rlog, where date is t in UTC
func RemoteName(prefix string, hdr *frame.Header, t time.Time) string {
	name := hdr.ID.String() + rotate.Ext
	return path.Join(prefix, t.UTC().Format("2006-01-02"), name)
}

// Upload uploads the valid part of the log at localPath. The file must not
// be open for writing. Returns the remote name.
func (c *Client) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	res, err := recovery.Scan(f, st.Size())
	if err != nil {
		return "", fmt.Errorf("%s: %w", localPath, err)
	}
	if res.Header == nil {
		return "", fmt.Errorf("%s: %w: file has no header", localPath, frame.ErrBadHeader)
	}

	remoteName := RemoteName(c.config.Prefix, res.Header, st.ModTime())
	opts := minio.PutObjectOptions{
		ContentType: ContentType,
		UserMetadata: map[string]string{
			"reclog-codec":  res.Header.Codec.String(),
			"reclog-frames": strconv.Itoa(res.Frames),
			"reclog-name":   filepath.Base(localPath),
		},
	}
	// trailing garbage is not uploaded
	r := io.NewSectionReader(f, 0, res.ValidOffset)
	_, err = c.store.PutObject(ctx, c.Bucket, remoteName, r, res.ValidOffset, opts)
	if err != nil {
		return "", fmt.Errorf("uploading %s as %s: %w", localPath, remoteName, err)
	}
	return remoteName, nil
}

// Exists returns true if remoteName exists
func (c *Client) Exists(ctx context.Context, remoteName string) bool {
	_, err := c.store.StatObject(ctx, c.Bucket, remoteName, minio.StatObjectOptions{})
	return err == nil
}

// Download downloads a log to dstPath and checks that it's a valid log
func (c *Client) Download(ctx context.Context, remoteName string, dstPath string) error {
	// ensure there's a dir for destination file
	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	// FGetObject downloads to a temporary file and renames it
	err := c.store.FGetObject(ctx, c.Bucket, remoteName, dstPath, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	res, err := recovery.ScanFile(dstPath)
	if err != nil {
		return err
	}
	if !res.Clean() {
		return fmt.Errorf("%s: %w at %d", remoteName, frame.ErrCorrupt, res.ValidOffset)
	}
	return nil
}

// List returns names of logs whose names start with prefix
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}
	var res []string
	for obj := range c.store.ListObjects(ctx, c.Bucket, opts) {
		if obj.Err != nil {
			return res, obj.Err
		}
		if strings.HasSuffix(obj.Key, rotate.Ext) {
			res = append(res, obj.Key)
		}
	}
	return res, nil
}

// Remove removes a log
func (c *Client) Remove(ctx context.Context, remoteName string) error {
	return c.store.RemoveObject(ctx, c.Bucket, remoteName, minio.RemoveObjectOptions{})
}

// Uploader uploads logs in the background after rotate.Log closes them
type Uploader struct {
	c *Client
	// if true, the local file is deleted after a successful upload
	RemoveAfterUpload bool
	Logf              func(format string, args ...any)

	wg sync.WaitGroup
}

// NewUploader creates an uploader
func (c *Client) NewUploader() *Uploader {
	return &Uploader{
		c: c,
	}
}

func (u *Uploader) logf(format string, args ...any) {
	if u.Logf != nil {
		u.Logf(format, args...)
	}
}

// DidClose can be used as rotate.Config.DidClose. Only rotated files are
// uploaded: a file closed by Close() might be appended to again.
func (u *Uploader) DidClose(path string, didRotate bool) {
	if !didRotate {
		return
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute*5)
		defer cancel()
		timeStart := time.Now()
		remoteName, err := u.c.Upload(ctx, path)
		if err != nil {
			u.logf("archive: upload of %s failed: %s\n", path, err)
			return
		}
		u.logf("archive: uploaded %s as %s in %s\n", path, remoteName, time.Since(timeStart))
		if u.RemoveAfterUpload {
			if err = os.Remove(path); err != nil {
				u.logf("archive: %s\n", err)
			}
		}
	}()
}

// Wait waits for uploads in progress
func (u *Uploader) Wait() {
	u.wg.Wait()
}
