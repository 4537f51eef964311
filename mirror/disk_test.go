package mirror

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-linking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

func startImageServer(t *testing.T) string {
	t.Helper()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/avatar.png", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "image/png")
		return c.Send(pngBytes)
	})
	app.Get("/avatar.jpg", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "image/jpeg; charset=binary")
		return c.Send([]byte("jpeg"))
	})
	app.Get("/page", func(c *fiber.Ctx) error {
		return c.SendString("<html></html>")
	})
	app.Get("/big.png", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "image/png")
		return c.Send(bytes.Repeat([]byte{1}, 64))
	})
	// No Content-Length, the body arrives chunked.
	app.Get("/stream.png", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "image/png")
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			chunk := bytes.Repeat([]byte{1}, 1024)
			for i := 0; i < 256; i++ {
				if _, err := w.Write(chunk); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		})
		return nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = app.Listener(ln)
	}()
	t.Cleanup(func() {
		_ = app.Shutdown()
	})

	return "http://" + ln.Addr().String()
}

func TestDiskMirrorStoresImage(t *testing.T) {
	base := startImageServer(t)
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, d.Mirror(context.Background(), "id-1", base+"/avatar.png"))

	path, ok := d.Path("id-1")
	require.True(t, ok)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)

	require.NoError(t, d.Mirror(context.Background(), "id-1", base+"/avatar.jpg"))
	path, ok = d.Path("id-1")
	require.True(t, ok)
	assert.Contains(t, path, "id-1.jpg")
}

func TestDiskMirrorRejects(t *testing.T) {
	base := startImageServer(t)
	d, err := NewDisk(t.TempDir(), WithMaxBytes(32))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, d.Mirror(ctx, "id-1", base+"/page"), "non image content")
	assert.Error(t, d.Mirror(ctx, "id-1", base+"/missing.png"), "not found")
	assert.Error(t, d.Mirror(ctx, "id-1", base+"/big.png"), "too large")
	assert.Error(t, d.Mirror(ctx, "../escape", base+"/avatar.png"), "path traversal")
	assert.Error(t, d.Mirror(ctx, "id-1", "ftp://example.com/a.png"), "scheme")

	_, ok := d.Path("id-1")
	assert.False(t, ok)
}

func TestDiskMirrorStopsAtSizeCap(t *testing.T) {
	base := startImageServer(t)
	d, err := NewDisk(t.TempDir(), WithMaxBytes(32))
	require.NoError(t, err)
	ctx := context.Background()

	for _, path := range []string{"/big.png", "/stream.png"} {
		t.Run(path, func(t *testing.T) {
			err := d.Mirror(ctx, "id-1", base+path)
			require.Error(t, err)
			assert.True(t, linking.HasTextCode(err, TextCodeImageTooLarge))

			_, ok := d.Path("id-1")
			assert.False(t, ok)
		})
	}

	require.NoError(t, d.Mirror(ctx, "id-1", base+"/avatar.png"), "images under the cap still pass")
}

func TestDiskMirrorCanceledContext(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Mirror(ctx, "id-1", "http://127.0.0.1/avatar.png"), context.Canceled)
}

func TestNewDiskRequiresDir(t *testing.T) {
	_, err := NewDisk(" ")
	assert.Error(t, err)
}

func TestDiskMirrorThroughWorkerQueue(t *testing.T) {
	base := startImageServer(t)
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)

	q := linking.NewWorkerQueue(1, 4, nil)
	ok := q.Submit("mirror_profile_image", func(ctx context.Context) error {
		return d.Mirror(ctx, "id-9", base+"/avatar.png")
	})
	require.True(t, ok)
	require.NoError(t, q.Close(context.Background()))

	_, stored := d.Path("id-9")
	assert.True(t, stored)
}
