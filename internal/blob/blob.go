package blob

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidURL = errors.New("invalid blob url")
)

// Store saves opaque files under a folder and hands back a URL that
// Download accepts.
type Store interface {
	Save(ctx context.Context, name string, data []byte, folder string) (string, error)
	Download(ctx context.Context, url string) (name string, data []byte, err error)
}

type Options struct {
	Driver    string
	LocalDir  string
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// Open returns the backend selected by opts.Driver: "local" (default) or
// "s3".
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "local":
		return NewLocal(opts.LocalDir)
	case "s3":
		return NewS3(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid blob name %q", name)
	}
	for _, c := range name {
		if c == '/' || c == '\\' {
			return fmt.Errorf("invalid blob name %q", name)
		}
	}
	return nil
}
