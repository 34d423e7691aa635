package naming

import (
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	token := NewToken()
	assert.Len(t, token, 32)
	assert.NotContains(t, token, "-")
	assert.Equal(t, strings.ToLower(token), token)
}

func TestNewStagingPathConcurrentUniqueness(t *testing.T) {
	const n = 10000

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		segments = make(map[string]struct{}, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := NewStagingPath("/app", "/upload")
			segment := strings.TrimPrefix(p, "/app/upload/")
			mu.Lock()
			segments[segment] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, segments, n)
}

func TestFilterByNamespace(t *testing.T) {
	paths := []string{
		"/public/1/a.txt",
		"/upload/x/c.txt",
		"/public/1/a.txt",
		"/publicity/2/b.txt",
		"/public/2/b.txt",
		"/elsewhere/3/d.txt",
	}

	assert.Equal(t, []string{"/public/1/a.txt", "/public/2/b.txt"}, FilterByNamespace(paths, "", "/public"))
	assert.Equal(t, []string{"/upload/x/c.txt"}, FilterByNamespace(paths, "", "/upload"))
	assert.Empty(t, FilterByNamespace(paths, "/app", "/public"))
	assert.Empty(t, FilterByNamespace(nil, "", "/public"))
}

func TestFilterByNamespacePartition(t *testing.T) {
	c := NewCodec("/app", "", "")
	paths := []string{
		"/app/public/1/a",
		"/app/upload/x/b",
		"/app/public/1/a",
		"/public/2/c",
		"/app/upload/y/d",
		"garbage",
	}

	public := c.PublicFiles(paths)
	staging := c.StagingFiles(paths)

	for _, p := range public {
		assert.NotContains(t, staging, p)
	}

	var malformed []string
	for _, p := range paths {
		if c.Namespace(p) == NamespaceUnknown {
			malformed = append(malformed, p)
		}
	}

	union := map[string]struct{}{}
	for _, group := range [][]string{public, staging, malformed} {
		for _, p := range group {
			union[p] = struct{}{}
		}
	}
	want := map[string]struct{}{}
	for _, p := range paths {
		want[p] = struct{}{}
	}
	assert.Equal(t, want, union)
}

func TestCodecDefaults(t *testing.T) {
	c := NewCodec("", "", "")
	assert.Equal(t, "/public", c.PublicRoot)
	assert.Equal(t, "/upload", c.StagingRoot)
	assert.Equal(t, "", c.MountPrefix)
}

func TestCodecNamespace(t *testing.T) {
	c := NewCodec("/app", "/public", "/upload")

	tests := []struct {
		path string
		want Namespace
	}{
		{"/app/public/id/a.txt", NamespacePublic},
		{"/app/upload/tok/a.txt", NamespaceStaging},
		{"/public/id/a.txt", NamespaceUnknown},
		{"/app/publicx/id/a.txt", NamespaceUnknown},
		{"", NamespaceUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Namespace(tt.path))
		})
	}
}

func TestCodecToContentID(t *testing.T) {
	c := NewCodec("/app", "", "")

	id, err := c.ToContentID("/app/public/0190a1b2c3/report%201.pdf")
	require.NoError(t, err)
	assert.Equal(t, "0190a1b2c3", id)

	_, err = c.ToContentID("/app/upload/0190a1b2c3/report.pdf")
	assert.ErrorIs(t, err, ErrNotPublic)

	_, err = c.ToContentID("/public/0190a1b2c3/report.pdf")
	assert.ErrorIs(t, err, ErrNotPublic)

	for _, p := range []string{
		"/app/public/0190a1b2c3",
		"/app/public//report.pdf",
		"/app/public/../report.pdf",
		"/app/public/id/",
		"/app/public/id/..",
		"/app/public/id/a%2Fb",
		"/app/public/id/bad%zz",
	} {
		_, err := c.ToContentID(p)
		assert.ErrorIs(t, err, ErrMalformedPath, p)
	}
}

func TestCodecPublicPathRoundTrip(t *testing.T) {
	c := NewCodec("/app", "", "")
	id := NewToken()

	p := c.PublicPath(id, "my report?.pdf")
	assert.Equal(t, "/app/public/"+id+"/my%20report%3F.pdf", p)

	got, err := c.ToContentID(p)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	name, err := c.Filename(p)
	require.NoError(t, err)
	assert.Equal(t, "my report?.pdf", name)
}

func TestCodecResolve(t *testing.T) {
	c := NewCodec("/app", "/files/public", "/files/upload")

	rel, err := c.Resolve("/app/files/public/abc/a%20b.txt")
	require.NoError(t, err)
	assert.Equal(t, "files/public/abc/a b.txt", rel)

	rel, err = c.Resolve("/app/files/upload/tok/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "files/upload/tok/c.txt", rel)

	_, err = c.Resolve("/app/other/tok/c.txt")
	assert.ErrorIs(t, err, ErrMalformedPath)
}

func TestValidFilename(t *testing.T) {
	valid := []string{"a.txt", "report 1.pdf", ".hidden"}
	invalid := []string{"", ".", "..", "a/b", `a\b`}

	for _, name := range valid {
		assert.True(t, ValidFilename(name), name)
	}
	for _, name := range invalid {
		assert.False(t, ValidFilename(name), name)
	}
}

func TestNamespaceString(t *testing.T) {
	names := []string{NamespaceUnknown.String(), NamespaceStaging.String(), NamespacePublic.String()}
	sort.Strings(names)
	assert.Equal(t, []string{"public", "staging", "unknown"}, names)
}
