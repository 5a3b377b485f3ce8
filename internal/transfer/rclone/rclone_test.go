package rclone

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ep1cman/unifi-protect-backup/internal/transfer"
)

// writeFakeRclone writes a shell script standing in for the rclone binary
// so tests never depend on rclone actually being installed.
func writeFakeRclone(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rclone")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestStreamUploadInvokesRcat(t *testing.T) {
	bin := writeFakeRclone(t, `
if [ "$1" != "rcat" ]; then echo "unexpected args: $@" >&2; exit 1; fi
cat > /dev/null
exit 0
`)
	a := New(Config{BinPath: bin, Destination: "remote:bucket"})
	err := a.StreamUpload(context.Background(), "cam/clip.mp4", strings.NewReader("data"))
	require.NoError(t, err)
}

func TestDeleteTreatsNotFoundAsErrNotFound(t *testing.T) {
	bin := writeFakeRclone(t, `
echo "object not found" >&2
exit 1
`)
	a := New(Config{BinPath: bin, Destination: "remote:bucket"})
	err := a.Delete(context.Background(), "cam/clip.mp4")
	assert.ErrorIs(t, err, transfer.ErrNotFound)
}

func TestDeletePropagatesOtherErrors(t *testing.T) {
	bin := writeFakeRclone(t, `
echo "connection refused" >&2
exit 1
`)
	a := New(Config{BinPath: bin, Destination: "remote:bucket"})
	err := a.Delete(context.Background(), "cam/clip.mp4")
	require.Error(t, err)
	assert.NotErrorIs(t, err, transfer.ErrNotFound)
}

func TestListParsesLsjson(t *testing.T) {
	bin := writeFakeRclone(t, `
echo '[{"Path":"a.mp4","IsDir":false},{"Path":"sub","IsDir":true}]'
exit 0
`)
	a := New(Config{BinPath: bin, Destination: "remote:bucket"})
	paths, err := a.List(context.Background(), "cam")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4"}, paths)
}

func TestFullPathJoinsDestinationAndTrimsSlashes(t *testing.T) {
	a := New(Config{Destination: "remote:bucket/"})
	assert.Equal(t, "remote:bucket/cam/clip.mp4", a.fullPath("/cam/clip.mp4"))
}
