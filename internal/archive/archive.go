// Package archive packs unit directories into compressed tarballs and stores
// them in a local directory, a MinIO bucket, or an S3 bucket.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names the compression applied to the tar stream.
type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecNone Codec = "none"
)

// Ext returns the file extension of an archive written with c.
func (c Codec) Ext() string {
	switch c {
	case CodecZstd:
		return ".tar.zst"
	case CodecLZ4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

func (c Codec) valid() bool {
	return c == CodecZstd || c == CodecLZ4 || c == CodecNone
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecNone, "":
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", c)
}

func decompressor(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case CodecZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecNone, "":
		return io.NopCloser(r), nil
	}
	return nil, fmt.Errorf("unknown codec %q", c)
}

// Pack writes the tree rooted at dir to w as a tar stream compressed with c.
// Entry names are relative to dir. Only regular files and directories are
// stored.
func Pack(w io.Writer, dir string, c Codec) error {
	cw, err := compressor(w, c)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		cw.Close()
		return fmt.Errorf("packing %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

// Unpack extracts an archive written by Pack into dst.
func Unpack(r io.Reader, dst string, c Codec) error {
	dr, err := decompressor(r, c)
	if err != nil {
		return err
	}
	defer dr.Close()
	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		name := filepath.FromSlash(path.Clean(hdr.Name))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes the destination", hdr.Name)
		}
		target := filepath.Join(dst, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// Archiver packs unit directories and hands them to a Sink.
type Archiver struct {
	Sink   Sink
	Codec  Codec
	Logger *slog.Logger
}

// ArchiveDir stores dir under "<prefix>/<base of dir><ext>" and returns the key.
func (a *Archiver) ArchiveDir(ctx context.Context, prefix, dir string) (string, error) {
	codec := a.Codec
	if codec == "" {
		codec = CodecZstd
	}
	tmp, err := os.CreateTemp("", "batcheval-archive-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := Pack(tmp, dir, codec); err != nil {
		return "", err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	key := path.Join(prefix, filepath.Base(dir)+codec.Ext())
	if err := a.Sink.Put(ctx, key, tmp, size); err != nil {
		return "", fmt.Errorf("storing %s: %w", key, err)
	}
	if a.Logger != nil {
		a.Logger.Info("archived unit", "dir", dir, "key", key, "bytes", size)
	}
	return key, nil
}
