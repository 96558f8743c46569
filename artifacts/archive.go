package artifacts

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultExcludes are never packed into a source archive.
var DefaultExcludes = []string{".git", "data", "node_modules"}

// ArchiveName returns the canonical archive name for a project at a
// commit, e.g. "tool-1a2b3c4d.tar.gz".
func ArchiveName(project, commit string) string {
	return ArchivePrefix(project, commit) + ".tar.gz"
}

// ArchivePrefix returns the single leading directory every archive
// entry lives under.
func ArchivePrefix(project, commit string) string {
	short := commit
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		return project
	}
	return project + "-" + short
}

// ExtractCommand is the shell equivalent of ExtractArchive, used on
// remote targets.
func ExtractCommand(archivePath, dest string) string {
	return fmt.Sprintf("mkdir -p %s && tar -xzf %s --strip-components=1 -C %s",
		shellQuote(dest), shellQuote(archivePath), shellQuote(dest))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WriteSourceArchive packs the tree under root into a gzip-compressed tar
// written to w. Every entry is placed under prefix/, entries are sorted
// and ownership and timestamps are zeroed so the same tree always yields
// the same bytes. Top-level names listed in excludes are skipped.
func WriteSourceArchive(w io.Writer, root, prefix string, excludes []string) error {
	excluded := make(map[string]bool, len(excludes))
	for _, name := range excludes {
		excluded[name] = true
	}

	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if excluded[top] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk source tree: %w", err)
	}
	sort.Strings(paths)

	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     prefix + "/",
		Mode:     0755,
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatPAX,
	}); err != nil {
		return fmt.Errorf("failed to write archive root: %w", err)
	}

	for _, rel := range paths {
		if err := addArchiveEntry(tw, root, rel, prefix); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func addArchiveEntry(tw *tar.Writer, root, rel, prefix string) error {
	full := filepath.Join(root, rel)
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(full)
		if err != nil {
			return fmt.Errorf("failed to read link %s: %w", rel, err)
		}
	}
	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", rel, err)
	}
	header.Name = path.Join(prefix, filepath.ToSlash(rel))
	if info.IsDir() {
		header.Name += "/"
	}
	header.ModTime = time.Unix(0, 0)
	header.AccessTime = time.Time{}
	header.ChangeTime = time.Time{}
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""
	header.Format = tar.FormatPAX

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer file.Close()
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to archive %s: %w", rel, err)
	}
	return nil
}

// ExtractArchive unpacks a .tar.gz stream into dest, stripping exactly one
// leading path component from every entry. Entries that would land
// outside dest are rejected.
func ExtractArchive(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		stripped := stripComponent(header.Name)
		if stripped == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(stripped))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", stripped, err)
			}
		case tar.TypeReg:
			if err := writeArchiveFile(tr, target, os.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("failed to extract %s: %w", stripped, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", stripped, err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to link %s: %w", stripped, err)
			}
		}
	}
}

func writeArchiveFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// stripComponent drops the first element of an archive path.
func stripComponent(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	_, rest, found := strings.Cut(name, "/")
	if !found {
		return ""
	}
	return rest
}
