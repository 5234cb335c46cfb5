package extractor

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goupdate "github.com/doitdistributed/go-update"
	"github.com/klauspost/compress/gzip"

	"github.com/oshokin/server-provisioner/internal/domain/release"
	"github.com/oshokin/server-provisioner/internal/logger"
)

const (
	// ExecutableMode is the mode of an executable unpacked from a gzip stream.
	ExecutableMode os.FileMode = 0o755

	defaultDirMode  os.FileMode = 0o755
	defaultFileMode os.FileMode = 0o644

	maxLinkHops = 40
)

var (
	errUnsafePath      = errors.New("entry escapes target directory")
	errUnknownFormat   = errors.New("unknown archive format")
	errUnsupportedType = errors.New("unsupported entry type")
)

// Extractor unpacks archives.
type Extractor struct{}

// New creates an extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract unpacks archivePath into targetDir. For release.FormatGzip the
// stream is written to targetDir/executable. The archive is removed after a
// successful extraction and kept otherwise. Errors wrap release.ErrExtraction.
func (e *Extractor) Extract(ctx context.Context, archivePath string, format release.ArchiveFormat, targetDir, executable string) error {
	ctx = logger.WithName(ctx, "extractor")

	logger.DebugKV(ctx, "Extracting archive", "archive", archivePath, "format", format, "target", targetDir)

	if err := os.MkdirAll(targetDir, defaultDirMode); err != nil {
		return fmt.Errorf("%w: create target directory: %w", release.ErrExtraction, err)
	}

	var err error

	switch format {
	case release.FormatZip:
		err = unzip(ctx, archivePath, targetDir)
	case release.FormatTarGzip:
		err = untar(ctx, archivePath, targetDir)
	case release.FormatGzip:
		err = gunzip(archivePath, targetDir, executable)
	default:
		err = fmt.Errorf("%w: %q", errUnknownFormat, format)
	}

	if err != nil {
		return fmt.Errorf("%w: %s: %w", release.ErrExtraction, filepath.Base(archivePath), err)
	}

	if err = os.Remove(archivePath); err != nil {
		logger.Warnf(ctx, "Unable to remove archive %s: %v", archivePath, err)
	}

	return nil
}

// unzip extracts every zip entry preserving relative paths and modes.
func unzip(ctx context.Context, archivePath, targetDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		_ = reader.Close()

		return fmt.Errorf("%w: %w", errUnsafePath, err)
	}

	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}

	defer reader.Close()

	for _, file := range reader.File {
		if err = ctx.Err(); err != nil {
			return err
		}

		var target string

		target, err = safeJoin(targetDir, file.Name)
		if err != nil {
			return err
		}

		if err = checkParents(targetDir, target); err != nil {
			return err
		}

		info := file.FileInfo()

		switch {
		case info.IsDir():
			err = os.MkdirAll(target, defaultDirMode)
		case info.Mode()&os.ModeSymlink != 0:
			err = unzipSymlink(file, targetDir, target)
		default:
			err = unzipFile(file, target, info.Mode().Perm())
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func unzipFile(file *zip.File, target string, mode os.FileMode) error {
	contents, err := file.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", file.Name, err)
	}

	defer contents.Close()

	return writeFile(target, contents, mode)
}

func unzipSymlink(file *zip.File, targetDir, target string) error {
	contents, err := file.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", file.Name, err)
	}

	defer contents.Close()

	linkname, err := io.ReadAll(contents)
	if err != nil {
		return fmt.Errorf("read link %s: %w", file.Name, err)
	}

	return writeSymlink(targetDir, target, string(linkname))
}

// untar extracts a gzip-compressed tarball.
func untar(ctx context.Context, archivePath, targetDir string) error {
	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	defer file.Close()

	decompressor, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}

	defer decompressor.Close()

	reader := tar.NewReader(decompressor)

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		var header *tar.Header

		header, err = reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %w", errUnsafePath, err)
		}

		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		var target string

		target, err = safeJoin(targetDir, header.Name)
		if err != nil {
			return err
		}

		if err = checkParents(targetDir, target); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, defaultDirMode)
		case tar.TypeReg:
			err = writeFile(target, reader, header.FileInfo().Mode().Perm())
		case tar.TypeSymlink:
			err = writeSymlink(targetDir, target, header.Linkname)
		case tar.TypeLink:
			err = writeHardlink(targetDir, target, header.Linkname)
		case tar.TypeXGlobalHeader:
			continue
		default:
			err = fmt.Errorf("%s (type %q): %w", header.Name, header.Typeflag, errUnsupportedType)
		}

		if err != nil {
			return err
		}
	}
}

// gunzip decompresses a single gzip stream into targetDir/executable. The file
// is applied atomically, so a partially written executable never appears.
func gunzip(archivePath, targetDir, executable string) error {
	target, err := safeJoin(targetDir, executable)
	if err != nil {
		return err
	}

	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	defer file.Close()

	decompressor, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}

	defer decompressor.Close()

	if err = os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(target), err)
	}

	// go-update replaces an existing file only.
	if _, err = os.Stat(target); errors.Is(err, os.ErrNotExist) {
		var placeholder *os.File

		if placeholder, err = os.Create(target); err != nil {
			return fmt.Errorf("create %s: %w", target, err)
		}

		_ = placeholder.Close()
	}

	err = goupdate.Apply(decompressor, goupdate.Options{
		TargetPath: target,
		TargetMode: ExecutableMode,
	})
	if err != nil {
		return fmt.Errorf("write executable %s: %w", target, err)
	}

	return nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = defaultFileMode
	}

	if err := os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(target), err)
	}

	if err := removeLink(target); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}

	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()

		return fmt.Errorf("copy data to file %s: %w", target, err)
	}

	if err = out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}

	// OpenFile applies the umask.
	if err = os.Chmod(target, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", target, err)
	}

	return nil
}

// writeSymlink creates a link whose destination stays inside targetDir once
// the links already on disk are followed.
func writeSymlink(targetDir, target, linkname string) error {
	if _, err := resolveWithin(targetDir, filepath.Dir(target), linkname, 0); err != nil {
		return fmt.Errorf("link %s -> %s: %w", target, linkname, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(target), err)
	}

	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("create symlink %s: %w", target, err)
	}

	return nil
}

// writeHardlink links target to an earlier regular file of the archive.
// Tar stores the source relative to the archive root.
func writeHardlink(targetDir, target, linkname string) error {
	source, err := safeJoin(targetDir, linkname)
	if err != nil {
		return fmt.Errorf("hard link %s -> %s: %w", target, linkname, err)
	}

	if err = checkParents(targetDir, source); err != nil {
		return fmt.Errorf("hard link %s -> %s: %w", target, linkname, err)
	}

	info, err := os.Lstat(source)
	if err != nil {
		return fmt.Errorf("hard link %s -> %s: %w", target, linkname, err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("hard link %s -> %s: %w", target, linkname, errUnsupportedType)
	}

	if err = os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(target), err)
	}

	if err = removeLink(target); err != nil {
		return err
	}

	if err = os.Link(source, target); err != nil {
		return fmt.Errorf("create hard link %s: %w", target, err)
	}

	return nil
}

// checkParents rejects a target whose directories below targetDir include a
// symlink. Writing through one could land outside targetDir.
func checkParents(targetDir, target string) error {
	rel, err := filepath.Rel(filepath.Clean(targetDir), filepath.Dir(target))
	if err != nil {
		return fmt.Errorf("%s: %w", target, errUnsafePath)
	}

	if rel == "." {
		return nil
	}

	current := filepath.Clean(targetDir)

	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)

		info, statErr := os.Lstat(current)
		if errors.Is(statErr, os.ErrNotExist) {
			return nil
		}

		if statErr != nil {
			return fmt.Errorf("inspect %s: %w", current, statErr)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%s passes through link %s: %w", target, current, errUnsafePath)
		}
	}

	return nil
}

// resolveWithin follows linkname from dir the way the filesystem would,
// including links already on disk, and fails as soon as the walk leaves root.
func resolveWithin(root, dir, linkname string, hops int) (string, error) {
	if filepath.IsAbs(linkname) || filepath.VolumeName(linkname) != "" || strings.HasPrefix(linkname, "/") {
		return "", errUnsafePath
	}

	current := filepath.Clean(dir)

	for _, part := range strings.Split(strings.ReplaceAll(linkname, `\`, "/"), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			current = filepath.Dir(current)
		default:
			next := filepath.Join(current, part)

			info, err := os.Lstat(next)
			if err == nil && info.Mode()&os.ModeSymlink != 0 {
				if hops >= maxLinkHops {
					return "", errUnsafePath
				}

				inner, readErr := os.Readlink(next)
				if readErr != nil {
					return "", fmt.Errorf("read link %s: %w", next, readErr)
				}

				if next, err = resolveWithin(root, current, inner, hops+1); err != nil {
					return "", err
				}
			}

			current = next
		}

		if !within(root, current) {
			return "", errUnsafePath
		}
	}

	return current, nil
}

// removeLink deletes target when it is a symlink so writes never follow it.
func removeLink(target string) error {
	info, err := os.Lstat(target)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return nil
	}

	if err = os.Remove(target); err != nil {
		return fmt.Errorf("replace link %s: %w", target, err)
	}

	return nil
}

// safeJoin joins a relative archive entry name to dir and rejects names that
// are absolute or climb out of dir.
func safeJoin(dir, name string) (string, error) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	if normalized == "" || strings.HasPrefix(normalized, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%q: %w", name, errUnsafePath)
	}

	target := filepath.Join(dir, filepath.FromSlash(normalized))
	if !within(dir, target) {
		return "", fmt.Errorf("%q: %w", name, errUnsafePath)
	}

	return target, nil
}

func within(dir, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(target))
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
