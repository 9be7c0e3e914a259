package artifact

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// MagicTimestamp is the fixed modification time stamped on every tar
// entry so independently-produced archives are byte-identical,
// regardless of wall-clock time. Ported from MAGIC_TIMESTAMP in
// tally_election/performer_jobs.py.
const MagicTimestamp = 1394060400

const (
	fixedUID   = 1000
	fixedGID   = 100
	fileMode   = 0o644
	dirMode    = 0o755
)

// Entry describes one file or directory to stage into a deterministic
// archive: a source path on disk and the name it should carry inside
// the archive.
type Entry struct {
	SourcePath string
	ArcName    string
}

// BuildDeterministicTarGz writes a gzip-compressed tar archive to
// destPath containing entries, in the order given, applying fixed
// timestamp/uid/gid/mode metadata and sorting directory children
// lexicographically so the result depends only on file contents.
// Mirrors deterministic_tar_add()/create_deterministic_tar_file().
func BuildDeterministicTarGz(destPath string, entries []Entry) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", destPath, err)
	}
	defer out.Close()

	// klauspost/compress/gzip, used instead of stdlib compress/gzip,
	// lets us suppress the embedded mtime the same way stdlib would
	// but matches the library the rest of the module already depends
	// on for compression.
	gz, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("artifact: gzip writer: %w", err)
	}
	gz.ModTime = timeFromUnix(0) // no embedded timestamp
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, e := range entries {
		if err := addDeterministic(tw, e.SourcePath, e.ArcName); err != nil {
			return err
		}
	}
	return nil
}

// addDeterministic recursively adds filePath (file or directory) to
// tw under arcName, with directory children visited in sorted order.
func addDeterministic(tw *tar.Writer, filePath, arcName string) error {
	info, err := os.Lstat(filePath)
	if err != nil {
		return fmt.Errorf("artifact: stat %s: %w", filePath, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("artifact: tar header for %s: %w", filePath, err)
	}
	hdr.Name = arcName
	if info.IsDir() && hdr.Name[len(hdr.Name)-1] != '/' {
		hdr.Name += "/"
	}
	hdr.Uid = fixedUID
	hdr.Gid = fixedGID
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.ModTime = timeFromUnix(MagicTimestamp)
	hdr.AccessTime = timeFromUnix(0)
	hdr.ChangeTime = timeFromUnix(0)
	if info.IsDir() {
		hdr.Mode = dirMode
	} else {
		hdr.Mode = fileMode
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("artifact: write header for %s: %w", arcName, err)
	}

	if !info.IsDir() {
		f, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("artifact: open %s: %w", filePath, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("artifact: write %s: %w", arcName, err)
		}
		return nil
	}

	children, err := os.ReadDir(filePath)
	if err != nil {
		return fmt.Errorf("artifact: readdir %s: %w", filePath, err)
	}
	names := make([]string, 0, len(children))
	for _, c := range children {
		names = append(names, c.Name())
	}
	sort.Strings(names) // deterministic order, or it won't be reproducible
	for _, name := range names {
		if err := addDeterministic(tw, filepath.Join(filePath, name), filepath.Join(arcName, name)); err != nil {
			return err
		}
	}
	return nil
}
