package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/replicate/go/httpclient"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/captioner/internal/errs"
	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/model"
	"github.com/replicate/captioner/internal/version"
)

const (
	DefaultEndpoint = "https://huggingface.co"

	maxParallelDownloads = 4
)

var errNotFound = errors.New("not found")

// ObjectGetter is the subset of *s3.Client the fetcher uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	CacheDir   string
	HFToken    string
	HFEndpoint string
	S3Endpoint string

	// Static S3 keys; when empty the default AWS credential chain applies.
	S3AccessKeyID     string
	S3SecretAccessKey string

	// HTTPClient and S3 override the default clients.
	HTTPClient *http.Client
	S3         ObjectGetter
}

type Fetcher struct {
	cacheDir   string
	endpoint   *url.URL
	s3Endpoint string
	s3Creds    aws.CredentialsProvider

	client *http.Client

	s3Once sync.Once
	s3     ObjectGetter
	s3Err  error

	logger *logging.Logger
}

func NewFetcher(opts Options, baseLogger *logging.Logger) (*Fetcher, error) {
	raw := opts.HFEndpoint
	if raw == "" {
		raw = DefaultEndpoint
	}
	endpoint, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid hub endpoint %q", raw)
	}

	client := opts.HTTPClient
	if client == nil {
		t := &transport{headers: map[string]string{"User-Agent": version.UserAgent()}}
		if opts.HFToken != "" {
			t.authentication = map[string]string{endpoint.Host: "Bearer " + opts.HFToken}
		}
		client = httpclient.ApplyRetryPolicy(&http.Client{Transport: t})
	}

	f := &Fetcher{
		cacheDir:   opts.CacheDir,
		endpoint:   endpoint,
		s3Endpoint: opts.S3Endpoint,
		s3Creds:    staticCredentials(opts.S3AccessKeyID, opts.S3SecretAccessKey),
		client:     client,
		logger:     baseLogger.Named("weights"),
	}
	if opts.S3 != nil {
		f.s3Once.Do(func() { f.s3 = opts.S3 })
	}
	return f, nil
}

// Fetch returns a directory holding every required model file for src.
// Remote sources are downloaded into the cache directory first; files
// already present there are reused.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (string, error) {
	log := f.logger.Sugar().With("source", src.String())

	if src.Kind == KindLocal {
		if err := checkComplete(src.Path); err != nil {
			return "", errs.Startup(err, "model directory %s is incomplete", src.Path)
		}
		log.Debugw("using local model directory", "dir", src.Path)
		return src.Path, nil
	}

	if f.cacheDir == "" {
		return "", errs.Startup(errors.New("no cache directory configured"), "cannot download model %s", src)
	}
	dir := src.cacheDir(f.cacheDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Startup(err, "failed to create model cache directory")
	}

	var get func(ctx context.Context, name string) (io.ReadCloser, error)
	switch src.Kind {
	case KindHub:
		get = func(ctx context.Context, name string) (io.ReadCloser, error) { return f.getHub(ctx, src, name) }
	case KindS3:
		client, err := f.s3Client(ctx)
		if err != nil {
			return "", errs.Startup(err, "failed to configure S3 client")
		}
		get = func(ctx context.Context, name string) (io.ReadCloser, error) { return getS3(ctx, client, src, name) }
	default:
		return "", errs.Startup(fmt.Errorf("%w: kind %s", ErrInvalidSource, src.Kind), "unsupported model source")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for _, name := range model.RequiredFiles() {
		g.Go(func() error { return f.download(gctx, get, dir, name, true) })
	}
	for _, name := range model.OptionalFiles() {
		g.Go(func() error { return f.download(gctx, get, dir, name, false) })
	}
	if err := g.Wait(); err != nil {
		return "", errs.Startup(err, "failed to download model %s", src)
	}

	log.Infow("model files ready", "dir", dir)
	return dir, nil
}

func (f *Fetcher) download(ctx context.Context, get func(context.Context, string) (io.ReadCloser, error), dir, name string, required bool) error {
	log := f.logger.Sugar().With("file", name)
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err == nil {
		log.Tracew("file already cached")
		return nil
	}

	body, err := get(ctx, name)
	if errors.Is(err, errNotFound) && !required {
		log.Debugw("optional file not present")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	n, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Debugw("downloaded file", "bytes", n)
	return nil
}

func (f *Fetcher) getHub(ctx context.Context, src Source, name string) (io.ReadCloser, error) {
	u := *f.endpoint
	u.Path = path.Join(u.Path, src.Repo, "resolve", url.PathEscape(src.Revision), name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, errNotFound
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", u.String(), resp.Status)
	}
}

func (f *Fetcher) s3Client(ctx context.Context) (ObjectGetter, error) {
	f.s3Once.Do(func() {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if f.s3Creds != nil {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(f.s3Creds))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			f.s3Err = err
			return
		}
		f.s3 = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if f.s3Endpoint != "" {
				o.BaseEndpoint = aws.String(f.s3Endpoint)
				o.UsePathStyle = true
			}
		})
	})
	return f.s3, f.s3Err
}

// staticCredentials returns nil unless both keys are set.
func staticCredentials(id, secret string) aws.CredentialsProvider {
	if id == "" || secret == "" {
		return nil
	}
	return credentials.NewStaticCredentialsProvider(id, secret, "")
}

func getS3(ctx context.Context, client ObjectGetter, src Source, name string) (io.ReadCloser, error) {
	key := name
	if src.Prefix != "" {
		key = src.Prefix + "/" + name
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(src.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var re *awshttp.ResponseError
		if errors.As(err, &nsk) || (errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("s3://%s/%s: %w", src.Bucket, key, err)
	}
	return out.Body, nil
}

func checkComplete(dir string) error {
	var missing []string
	for _, name := range model.RequiredFiles() {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}
