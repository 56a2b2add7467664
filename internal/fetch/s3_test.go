package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func newTestS3(t *testing.T, fake *fakeS3) *S3 {
	t.Helper()
	svc, err := NewS3(nil, S3Options{
		Bucket:     "test-bucket",
		Prefix:     "apps/peerpress/bundles",
		ExtractDir: filepath.Join(t.TempDir(), "extract"),
	})
	if err != nil {
		t.Fatal(err)
	}
	svc.client = fake
	return svc
}

func TestS3_PublishFetchRoundTrip(t *testing.T) {
	fake := &fakeS3{}
	svc := newTestS3(t, fake)
	ctx := context.Background()
	root := writeSite(t, map[string]string{
		"index.html":   "<html>s3</html>",
		"img/logo.png": "pngbytes",
	})

	id, err := svc.Publish(ctx, root)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// both archive and manifest uploaded under the prefix
	if _, ok := fake.objects["apps/peerpress/bundles/"+id+".tar.gz"]; !ok {
		t.Fatal("archive not uploaded")
	}
	if _, ok := fake.objects["apps/peerpress/bundles/"+id+".manifest.json"]; !ok {
		t.Fatal("manifest not uploaded")
	}

	dir, err := svc.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "<html>s3</html>" {
		t.Fatalf("fetched content = %q", got)
	}
	nested, err := os.ReadFile(filepath.Join(dir, "img", "logo.png"))
	if err != nil {
		t.Fatal(err)
	}
	if string(nested) != "pngbytes" {
		t.Fatalf("nested content = %q", nested)
	}
}

func TestS3_FetchUnknown(t *testing.T) {
	svc := newTestS3(t, &fakeS3{})
	_, err := svc.Fetch(context.Background(), strings.Repeat("ab", 32))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestS3_FetchCachedExtraction(t *testing.T) {
	fake := &fakeS3{}
	svc := newTestS3(t, fake)
	ctx := context.Background()
	root := writeSite(t, map[string]string{"index.html": "cached"})

	id, err := svc.Publish(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	first, err := svc.Fetch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	// drop the archive: a second fetch must serve the intact extraction
	// without re-downloading
	delete(fake.objects, "apps/peerpress/bundles/"+id+".tar.gz")

	second, err := svc.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("cached Fetch: %v", err)
	}
	if first != second {
		t.Fatalf("cache miss: %s vs %s", first, second)
	}
}

func TestS3_FetchTamperedArchiveRejected(t *testing.T) {
	fake := &fakeS3{}
	svc := newTestS3(t, fake)
	ctx := context.Background()
	root := writeSite(t, map[string]string{"index.html": "original content here"})

	id, err := svc.Publish(ctx, root)
	if err != nil {
		t.Fatal(err)
	}

	// replace the archive with one holding different content
	other := writeSite(t, map[string]string{"index.html": "attacker content haha"})
	otherID, err := svc.Publish(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	fake.objects["apps/peerpress/bundles/"+id+".tar.gz"] = fake.objects["apps/peerpress/bundles/"+otherID+".tar.gz"]

	if _, err := svc.Fetch(ctx, id); err == nil {
		t.Fatal("Fetch accepted an archive that does not match its manifest")
	}
}

func TestS3_Status(t *testing.T) {
	fake := &fakeS3{}
	svc := newTestS3(t, fake)
	ctx := context.Background()
	root := writeSite(t, map[string]string{"index.html": "x"})

	id, err := svc.Publish(ctx, root)
	if err != nil {
		t.Fatal(err)
	}

	st, err := svc.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Available {
		t.Fatal("published bundle not available")
	}

	st, err = svc.Status(ctx, strings.Repeat("cd", 32))
	if err != nil {
		t.Fatal(err)
	}
	if st.Available {
		t.Fatal("unknown bundle reported available")
	}
}

// tar safety

func TestExtractTarGz_RejectsTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeEvilArchive(t, archive, "../../escape.html")

	err := extractTarGz(archive, t.TempDir())
	if err == nil {
		t.Fatal("archive with traversal path extracted")
	}
}

func TestExtractTarGz_RejectsAbsolutePath(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeEvilArchive(t, archive, "/etc/cron.d/evil")

	err := extractTarGz(archive, t.TempDir())
	if err == nil {
		t.Fatal("archive with absolute path extracted")
	}
}
