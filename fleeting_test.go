package fleeting_test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"testing"

	"impractical.co/fleeting"
	"impractical.co/fleeting/localfs"
	"impractical.co/fleeting/memory"
	yall "yall.in"
	"yall.in/colour"
)

type Factory interface {
	NewStorer(ctx context.Context) (fleeting.Storer, error)
	TeardownStorers() error
}

var factories []Factory

var (
	testpng = pad([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01"), 400)
	testgif = pad([]byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\xff\xff\xff\x00\x00\x00!\xf9\x04"), 400)
)

func pad(in []byte, size int) []byte {
	out := append([]byte{}, in...)
	for len(out) < size {
		out = append(out, 0)
	}
	return out
}

func TestMain(m *testing.M) {
	flag.Parse()

	// set up our test storers
	factories = append(factories, memory.Factory{}, localfs.Factory{})

	// run the tests
	result := m.Run()

	// tear down all the storers we created
	for _, factory := range factories {
		err := factory.TeardownStorers()
		if err != nil {
			log.Printf("Error cleaning up after %T: %+v\n", factory, err)
		}
	}

	// return the test result
	os.Exit(result)
}

func testContext() context.Context {
	logger := yall.New(colour.New(os.Stdout, yall.Debug))
	return yall.InContext(context.Background(), logger)
}

func runTest(t *testing.T, f func(*testing.T, fleeting.Storer, context.Context)) {
	t.Parallel()
	for _, factory := range factories {
		ctx := testContext()
		storer, err := factory.NewStorer(ctx)
		if err != nil {
			t.Fatalf("Error creating Storer from %T: %+v\n", factory, err)
		}
		t.Run(fmt.Sprintf("Storer=%T", storer), func(t *testing.T) {
			t.Parallel()
			f(t, storer, ctx)
		})
	}
}

func TestUploadOpenDelete(t *testing.T) {
	type input struct {
		name string
		data []byte
		opts fleeting.UploadOptions
	}
	type output struct {
		size        int64
		contentType string
	}
	type uploadTest struct {
		in  input
		out output
	}
	table := map[string]uploadTest{
		"helloworld": {
			in:  input{name: "hello.txt", data: []byte("hello, world")},
			out: output{size: 12, contentType: "application/octet-stream"},
		},
		"png": {
			in:  input{name: "pixel.png", data: testpng, opts: fleeting.UploadOptions{AcceptedMIMEs: []string{"image/*"}}},
			out: output{size: int64(len(testpng)), contentType: "image/png"},
		},
		"gifAtSizeLimit": {
			in:  input{name: "holiday photos/pixel.gif", data: testgif, opts: fleeting.UploadOptions{MaxBytes: int64(len(testgif))}},
			out: output{size: int64(len(testgif)), contentType: "image/gif"},
		},
		"largestSizeLimit": {
			in:  input{name: "pixel.png", data: testpng, opts: fleeting.UploadOptions{MaxBytes: math.MaxInt64}},
			out: output{size: int64(len(testpng)), contentType: "image/png"},
		},
	}
	for id, testcase := range table {
		id, testcase := id, testcase
		t.Run("ID="+id, func(t *testing.T) {
			runTest(t, func(t *testing.T, storer fleeting.Storer, ctx context.Context) {
				result, err := fleeting.Upload(ctx, storer, io.NopCloser(bytes.NewReader(testcase.in.data)), testcase.in.name, testcase.in.opts)
				if err != nil {
					t.Errorf("Unexpected error: %s", err)
					return
				}
				if err := fleeting.ValidateID(result.ID); err != nil {
					t.Errorf("Upload generated an invalid ID %q: %s", result.ID, err)
					return
				}
				if result.Size != testcase.out.size {
					t.Errorf("Expected size to be %d, got %d", testcase.out.size, result.Size)
					return
				}
				if result.ContentType != testcase.out.contentType {
					t.Errorf("Expected content type to be %q, got %q", testcase.out.contentType, result.ContentType)
					return
				}

				rc, blob, err := fleeting.Open(ctx, storer, result.ID)
				if err != nil {
					t.Errorf("Unexpected error: %s", err)
					return
				}
				b, err := io.ReadAll(rc)
				rc.Close()
				if err != nil {
					t.Errorf("Unexpected error: %s", err)
					return
				}
				if !bytes.Equal(testcase.in.data, b) {
					t.Errorf("Expected download to be %q, got %q", testcase.in.data, b)
					return
				}
				if blob.Size != testcase.out.size {
					t.Errorf("Expected stat size to be %d, got %d", testcase.out.size, blob.Size)
					return
				}

				err = storer.Delete(ctx, result.ID)
				if err != nil {
					t.Errorf("Unexpected error: %s", err)
					return
				}
				_, _, err = fleeting.Open(ctx, storer, result.ID)
				if !errors.Is(err, fleeting.ErrFileNotFound) {
					t.Errorf("Expected %q, got %q", fleeting.ErrFileNotFound, err)
					return
				}
				err = storer.Delete(ctx, result.ID)
				if !errors.Is(err, fleeting.ErrFileNotFound) {
					t.Errorf("Expected %q, got %q", fleeting.ErrFileNotFound, err)
					return
				}
			})
		})
	}
}

func TestUploadRejected(t *testing.T) {
	table := map[string]struct {
		data []byte
		opts fleeting.UploadOptions
		err  error
	}{
		"unsupportedType": {
			data: pad([]byte("just some text, not a picture"), 400),
			opts: fleeting.UploadOptions{AcceptedMIMEs: []string{"image/*", "video/*"}},
			err:  fleeting.ErrUnsupportedFile,
		},
		"unsupportedShortFile": {
			data: []byte("tiny"),
			opts: fleeting.UploadOptions{AcceptedMIMEs: []string{"image/png"}},
			err:  fleeting.ErrUnsupportedFile,
		},
		"tooLarge": {
			data: testpng,
			opts: fleeting.UploadOptions{MaxBytes: int64(len(testpng)) - 1},
			err:  fleeting.ErrTooLarge,
		},
	}
	for id, testcase := range table {
		id, testcase := id, testcase
		t.Run("ID="+id, func(t *testing.T) {
			runTest(t, func(t *testing.T, storer fleeting.Storer, ctx context.Context) {
				_, err := fleeting.Upload(ctx, storer, bytes.NewReader(testcase.data), "upload.bin", testcase.opts)
				if !errors.Is(err, testcase.err) {
					t.Errorf("Expected error to be %q, got %v", testcase.err, err)
					return
				}
				blobs, err := storer.List(ctx)
				if err != nil {
					t.Errorf("Unexpected error: %s", err)
					return
				}
				if len(blobs) != 0 {
					t.Errorf("Expected rejected upload not to be stored, found %+v", blobs)
				}
			})
		})
	}
}

func TestStorerRejectsInvalidIDs(t *testing.T) {
	runTest(t, func(t *testing.T, storer fleeting.Storer, ctx context.Context) {
		for _, id := range []string{"", "../escape", "nested/path", ".tmp", "nul\x00byte"} {
			_, err := storer.Put(ctx, id, strings.NewReader("data"))
			if !errors.Is(err, fleeting.ErrInvalidID) {
				t.Errorf("Expected Put(%q) to fail with %q, got %v", id, fleeting.ErrInvalidID, err)
			}
		}
	})
}

func TestStorerList(t *testing.T) {
	runTest(t, func(t *testing.T, storer fleeting.Storer, ctx context.Context) {
		for _, id := range []string{"b", "a", "c"} {
			if _, err := storer.Put(ctx, id, strings.NewReader(id)); err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
		}
		blobs, err := storer.List(ctx)
		if err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}
		var ids []string
		for _, b := range blobs {
			ids = append(ids, b.ID)
		}
		if strings.Join(ids, ",") != "a,b,c" {
			t.Errorf("Expected blobs a,b,c, got %v", ids)
		}
	})
}
