package weights

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()

	testCases := []struct {
		name     string
		model    string
		revision string
		want     Source
		str      string
	}{
		{
			name:  "hub repo",
			model: "Salesforce/blip-image-captioning-large",
			want:  Source{Kind: KindHub, Repo: "Salesforce/blip-image-captioning-large", Revision: "main"},
			str:   "Salesforce/blip-image-captioning-large@main",
		},
		{
			name:     "hub scheme with revision",
			model:    "hf://org/name/",
			revision: "v1.0",
			want:     Source{Kind: KindHub, Repo: "org/name", Revision: "v1.0"},
			str:      "org/name@v1.0",
		},
		{
			name:  "absolute path",
			model: "/models/blip/",
			want:  Source{Kind: KindLocal, Path: "/models/blip"},
			str:   "/models/blip",
		},
		{
			name:  "relative path",
			model: "./blip",
			want:  Source{Kind: KindLocal, Path: "blip"},
			str:   "blip",
		},
		{
			name:  "file url",
			model: "file:///srv/blip",
			want:  Source{Kind: KindLocal, Path: "/srv/blip"},
			str:   "/srv/blip",
		},
		{
			name:  "existing directory",
			model: localDir,
			want:  Source{Kind: KindLocal, Path: filepath.Clean(localDir)},
			str:   filepath.Clean(localDir),
		},
		{
			name:  "s3 prefix",
			model: "s3://weights/blip/large/",
			want:  Source{Kind: KindS3, Bucket: "weights", Prefix: "blip/large"},
			str:   "s3://weights/blip/large",
		},
		{
			name:  "s3 bucket root",
			model: "s3://weights",
			want:  Source{Kind: KindS3, Bucket: "weights"},
			str:   "s3://weights",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseSource(tc.model, tc.revision)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.str, got.String())
		})
	}
}

func TestParseSourceErrors(t *testing.T) {
	t.Parallel()

	for _, model := range []string{"", "   ", "hf://justaname", "s3://", "not a model", "a/b/c"} {
		_, err := ParseSource(model, "")
		assert.ErrorIs(t, err, ErrInvalidSource, "model %q", model)
	}
}

func TestCacheDir(t *testing.T) {
	t.Parallel()

	hub := Source{Kind: KindHub, Repo: "org/name", Revision: "main"}
	assert.Equal(t, filepath.Join("/cache", "org--name", "main"), hub.cacheDir("/cache"))

	s3src := Source{Kind: KindS3, Bucket: "b", Prefix: "x/y"}
	assert.Equal(t, filepath.Join("/cache", "s3", "b", "x", "y"), s3src.cacheDir("/cache"))
}
