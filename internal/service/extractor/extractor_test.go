package extractor

import (
	"archive/tar"
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/server-provisioner/internal/domain/release"
)

type entry struct {
	name     string
	body     string
	mode     os.FileMode
	dir      bool
	linkname string
	hardlink string
}

func writeZip(t *testing.T, path string, entries []entry) {
	t.Helper()

	file, err := os.Create(path)
	require.NoError(t, err)

	writer := zip.NewWriter(file)

	for _, e := range entries {
		header := &zip.FileHeader{Name: e.name, Method: zip.Deflate}

		switch {
		case e.dir:
			header.SetMode(os.ModeDir | 0o755)
		case e.linkname != "":
			header.SetMode(os.ModeSymlink | 0o777)
		default:
			header.SetMode(e.mode)
		}

		w, createErr := writer.CreateHeader(header)
		require.NoError(t, createErr)

		body := e.body
		if e.linkname != "" {
			body = e.linkname
		}

		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())
	require.NoError(t, file.Close())
}

func writeTarGz(t *testing.T, path string, entries []entry) {
	t.Helper()

	file, err := os.Create(path)
	require.NoError(t, err)

	compressor := gzip.NewWriter(file)
	writer := tar.NewWriter(compressor)

	for _, e := range entries {
		header := &tar.Header{Name: e.name, Mode: int64(e.mode), Size: int64(len(e.body)), Typeflag: tar.TypeReg}

		switch {
		case e.dir:
			header.Typeflag = tar.TypeDir
			header.Mode = 0o755
			header.Size = 0
		case e.linkname != "":
			header.Typeflag = tar.TypeSymlink
			header.Linkname = e.linkname
			header.Size = 0
		case e.hardlink != "":
			header.Typeflag = tar.TypeLink
			header.Linkname = e.hardlink
			header.Size = 0
		}

		require.NoError(t, writer.WriteHeader(header))

		if header.Typeflag == tar.TypeReg {
			_, err = writer.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, writer.Close())
	require.NoError(t, compressor.Close())
	require.NoError(t, file.Close())
}

func writeGzip(t *testing.T, path, body string) {
	t.Helper()

	file, err := os.Create(path)
	require.NoError(t, err)

	compressor := gzip.NewWriter(file)
	_, err = compressor.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, compressor.Close())
	require.NoError(t, file.Close())
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(contents)
}

func TestExtract_Zip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "server.zip")
	target := filepath.Join(dir, "out")

	writeZip(t, archive, []entry{
		{name: "bin/", dir: true},
		{name: "bin/server", body: "#!/bin/sh\n", mode: 0o755},
		{name: "share/README", body: "readme", mode: 0o644},
	})

	require.NoError(t, New().Extract(context.Background(), archive, release.FormatZip, target, "bin/server"))

	require.Equal(t, "#!/bin/sh\n", readFile(t, filepath.Join(target, "bin", "server")))
	require.Equal(t, "readme", readFile(t, filepath.Join(target, "share", "README")))
	require.NoFileExists(t, archive)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(target, "bin", "server"))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	}
}

func TestExtract_TarGzip(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	dir := t.TempDir()
	archive := filepath.Join(dir, "tool-linux-x64.tar.gz")
	target := filepath.Join(dir, "out")

	writeTarGz(t, archive, []entry{
		{name: "tool-1.0/", dir: true},
		{name: "tool-1.0/bin/tool", body: "binary", mode: 0o755},
		{name: "tool-1.0/tool", linkname: "bin/tool"},
	})

	require.NoError(t, New().Extract(context.Background(), archive, release.FormatTarGzip, target, "tool-1.0/tool"))

	require.Equal(t, "binary", readFile(t, filepath.Join(target, "tool-1.0", "tool")))

	link, err := os.Readlink(filepath.Join(target, "tool-1.0", "tool"))
	require.NoError(t, err)
	require.Equal(t, "bin/tool", link)
	require.NoFileExists(t, archive)
}

func TestExtract_GzipSingleExecutable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "server.gz")
	target := filepath.Join(dir, "out")

	writeGzip(t, archive, "executable bytes")

	require.NoError(t, New().Extract(context.Background(), archive, release.FormatGzip, target, "server"))

	executable := filepath.Join(target, "server")
	require.Equal(t, "executable bytes", readFile(t, executable))

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files may remain")

	if runtime.GOOS != "windows" {
		info, statErr := os.Stat(executable)
		require.NoError(t, statErr)
		require.NotZero(t, info.Mode().Perm()&0o100, "executable bit must be set")
	}
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	t.Parallel()

	cases := map[string]func(t *testing.T, path string){
		"zip parent": func(t *testing.T, path string) {
			t.Helper()
			writeZip(t, path, []entry{{name: "../evil", body: "x", mode: 0o644}})
		},
		"tar parent": func(t *testing.T, path string) {
			t.Helper()
			writeTarGz(t, path, []entry{{name: "ok/../../evil", body: "x", mode: 0o644}})
		},
		"tar absolute": func(t *testing.T, path string) {
			t.Helper()
			writeTarGz(t, path, []entry{{name: "/etc/evil", body: "x", mode: 0o644}})
		},
		"tar symlink": func(t *testing.T, path string) {
			t.Helper()
			writeTarGz(t, path, []entry{{name: "link", linkname: "../../etc/passwd"}})
		},
		"tar link chain": func(t *testing.T, path string) {
			t.Helper()
			writeTarGz(t, path, []entry{
				{name: "a", linkname: "."},
				{name: "a/b", linkname: ".."},
				{name: "a/b/evil", body: "x", mode: 0o644},
			})
		},
		"tar link chain via parent": func(t *testing.T, path string) {
			t.Helper()
			writeTarGz(t, path, []entry{
				{name: "a", linkname: "."},
				{name: "up", linkname: "a/.."},
				{name: "up/evil", body: "x", mode: 0o644},
			})
		},
		"tar hard link": func(t *testing.T, path string) {
			t.Helper()
			writeTarGz(t, path, []entry{{name: "evil", hardlink: "../secret"}})
		},
		"zip link chain": func(t *testing.T, path string) {
			t.Helper()
			writeZip(t, path, []entry{
				{name: "a", linkname: "."},
				{name: "a/b", linkname: ".."},
				{name: "a/b/evil", body: "x", mode: 0o644},
			})
		},
	}

	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if strings.Contains(name, "link chain") && runtime.GOOS == "windows" {
				t.Skip("symlinks need privileges on windows")
			}

			dir := t.TempDir()
			target := filepath.Join(dir, "out")
			archive := filepath.Join(dir, "archive")

			build(t, archive)

			format := release.FormatTarGzip
			if strings.HasPrefix(name, "zip") {
				format = release.FormatZip
			}

			err := New().Extract(context.Background(), archive, format, target, "server")
			require.ErrorIs(t, err, release.ErrExtraction)
			require.ErrorIs(t, err, errUnsafePath)
			require.FileExists(t, archive, "archive is kept on failure")
			require.NoFileExists(t, filepath.Join(dir, "evil"))
		})
	}
}

func TestExtract_TarHardLink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "server.tar.gz")
	target := filepath.Join(dir, "out")

	writeTarGz(t, archive, []entry{
		{name: "bin/server", body: "binary", mode: 0o755},
		{name: "server", hardlink: "bin/server"},
	})

	require.NoError(t, New().Extract(context.Background(), archive, release.FormatTarGzip, target, "server"))
	require.Equal(t, "binary", readFile(t, filepath.Join(target, "server")))
}

func TestExtract_FileReplacesLinkWithoutFollowingIt(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	dir := t.TempDir()
	archive := filepath.Join(dir, "server.tar.gz")
	target := filepath.Join(dir, "out")

	writeTarGz(t, archive, []entry{
		{name: "data.txt", body: "original", mode: 0o644},
		{name: "server", linkname: "data.txt"},
		{name: "server", body: "binary", mode: 0o755},
	})

	require.NoError(t, New().Extract(context.Background(), archive, release.FormatTarGzip, target, "server"))
	require.Equal(t, "original", readFile(t, filepath.Join(target, "data.txt")))

	info, err := os.Lstat(filepath.Join(target, "server"))
	require.NoError(t, err)
	require.True(t, info.Mode().IsRegular())
}

func TestExtract_UnknownFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "server.rar")
	require.NoError(t, os.WriteFile(archive, []byte("rar"), 0o600))

	err := New().Extract(context.Background(), archive, "rar", filepath.Join(dir, "out"), "server")
	require.ErrorIs(t, err, release.ErrExtraction)
	require.ErrorIs(t, err, errUnknownFormat)
	require.FileExists(t, archive)
}

func TestExtract_Canceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "server.zip")
	writeZip(t, archive, []entry{{name: "server", body: "x", mode: 0o755}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New().Extract(ctx, archive, release.FormatZip, filepath.Join(dir, "out"), "server")
	require.ErrorIs(t, err, context.Canceled)
	require.FileExists(t, archive)
}

func TestResolveWithin(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	root := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.Symlink(".", filepath.Join(root, "self")))

	got, err := resolveWithin(root, root, "sub/../sub", 0)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "sub"), got)

	got, err = resolveWithin(root, filepath.Join(root, "sub"), "../self/sub", 0)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "sub"), got)

	for _, linkname := range []string{"..", "self/..", "sub/../self/../x", "/etc"} {
		_, err = resolveWithin(root, root, linkname, 0)
		require.ErrorIs(t, err, errUnsafePath, linkname)
	}
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "root")

	got, err := safeJoin(dir, "a/b/../c")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "a", "c"), got)

	for _, name := range []string{"", "..", "../x", "a/../../x", "/abs", `..\x`} {
		_, err = safeJoin(dir, name)
		require.ErrorIs(t, err, errUnsafePath, name)
	}
}
