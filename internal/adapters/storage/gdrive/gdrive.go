// Package gdrive stores objects in a Google Drive folder.
package gdrive

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"storyclip/internal/pkg/errors"
	"storyclip/internal/ports"
)

// Client implements ports.StorageProvider on Drive. Uploads use the given
// object key as the file name; the returned object key is the Drive file
// id, which Get and Delete expect.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object_key is required")
	}

	file := &drive.File{Name: in.ObjectKey}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).SupportsAllDrives(true)
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return ports.PutObjectOutput{}, classify(err, "gdrive.put", in.ObjectKey)
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: in.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	resp, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, classify(err, "gdrive.get", objectKey)
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

// DeleteObject removes the file. A file already gone is not an error.
func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	err := c.srv.Files.Delete(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		if e := classify(err, "gdrive.delete", objectKey); !errors.IsNotFound(e) {
			return e
		}
	}
	return nil
}

// GetSignedURL is not supported on Drive; content is proxied by the API.
func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{URL: "", ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

func classify(err error, op, key string) error {
	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return errors.NotFound("object", key)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return errors.WrapWithCode(err, errors.CodeTransient, op, "drive request failed")
		default:
			return errors.WrapWithCode(err, errors.CodeFailedPrecond, op, "drive rejected the request")
		}
	}
	return errors.WrapWithCode(err, errors.CodeUnavailable, op, "drive request failed")
}
