// Package weights resolves a model identifier to a local directory holding
// the exported graphs and tokenizer files, downloading them when needed.
package weights

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type Kind int

const (
	KindLocal Kind = iota
	KindHub
	KindS3
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindHub:
		return "hub"
	case KindS3:
		return "s3"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	ErrInvalidSource = errors.New("invalid model source")

	repoPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*/[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Source is a parsed model identifier.
type Source struct {
	Kind Kind

	// Path is the directory of a local source.
	Path string

	// Repo and Revision address a hub repository.
	Repo     string
	Revision string

	Bucket string
	Prefix string
}

// ParseSource interprets model as a local directory, a hub repository
// (`org/name` or `hf://org/name`) or an S3 prefix (`s3://bucket/prefix`).
// An existing directory always wins over the hub form.
func ParseSource(model, revision string) (Source, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Source{}, fmt.Errorf("%w: empty", ErrInvalidSource)
	}
	if revision == "" {
		revision = "main"
	}

	switch {
	case strings.HasPrefix(model, "file://"):
		u, err := url.Parse(model)
		if err != nil || u.Path == "" {
			return Source{}, fmt.Errorf("%w: %q", ErrInvalidSource, model)
		}
		return Source{Kind: KindLocal, Path: filepath.Clean(u.Path)}, nil
	case strings.HasPrefix(model, "hf://"):
		repo := strings.Trim(strings.TrimPrefix(model, "hf://"), "/")
		if !repoPattern.MatchString(repo) {
			return Source{}, fmt.Errorf("%w: %q is not an org/name repository", ErrInvalidSource, model)
		}
		return Source{Kind: KindHub, Repo: repo, Revision: revision}, nil
	case strings.HasPrefix(model, "s3://"):
		rest := strings.TrimPrefix(model, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Source{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidSource, model)
		}
		return Source{Kind: KindS3, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
	}

	if filepath.IsAbs(model) || strings.HasPrefix(model, ".") {
		return Source{Kind: KindLocal, Path: filepath.Clean(model)}, nil
	}
	if fi, err := os.Stat(model); err == nil && fi.IsDir() {
		return Source{Kind: KindLocal, Path: filepath.Clean(model)}, nil
	}
	if repoPattern.MatchString(model) {
		return Source{Kind: KindHub, Repo: model, Revision: revision}, nil
	}
	return Source{}, fmt.Errorf("%w: %q", ErrInvalidSource, model)
}

// String is the stable model name used in logs and cache keys.
func (s Source) String() string {
	switch s.Kind {
	case KindHub:
		return s.Repo + "@" + s.Revision
	case KindS3:
		if s.Prefix == "" {
			return "s3://" + s.Bucket
		}
		return "s3://" + s.Bucket + "/" + s.Prefix
	default:
		return s.Path
	}
}

// cacheDir is where a remote source is materialized under root.
func (s Source) cacheDir(root string) string {
	switch s.Kind {
	case KindHub:
		return filepath.Join(root, strings.ReplaceAll(s.Repo, "/", "--"), s.Revision)
	case KindS3:
		return filepath.Join(root, "s3", s.Bucket, filepath.FromSlash(s.Prefix))
	default:
		return s.Path
	}
}
