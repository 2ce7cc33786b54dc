// Package xmeta stores and reads the width/height/fps triple that must be
// attached to every raw segment file before any frame bytes are written to
// it. On Linux it uses real extended file attributes (user.width,
// user.height, user.fps); on platforms without xattr support it falls back
// to a sidecar "<path>.meta" file holding the same three big-endian uint16
// fields concatenated, so the on-disk contract is portable even though the
// storage mechanism isn't.
package xmeta

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Meta is the width/height/fps triple recorded alongside a raw segment.
type Meta struct {
	Width  uint16
	Height uint16
	FPS    uint16
}

const (
	attrWidth  = "user.width"
	attrHeight = "user.height"
	attrFPS    = "user.fps"
)

func encodeU16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

// Write attaches m to the file at path. It must be called immediately after
// the file is created and before any frame bytes are written.
func Write(path string, m Meta) error {
	if err := unix.Setxattr(path, attrWidth, encodeU16(m.Width), 0); err != nil {
		return writeSidecar(path, m)
	}
	if err := unix.Setxattr(path, attrHeight, encodeU16(m.Height), 0); err != nil {
		return writeSidecar(path, m)
	}
	if err := unix.Setxattr(path, attrFPS, encodeU16(m.FPS), 0); err != nil {
		return writeSidecar(path, m)
	}
	return nil
}

// Read recovers the metadata previously attached to path by Write.
func Read(path string) (Meta, error) {
	if m, err := readXattr(path); err == nil {
		return m, nil
	}
	return readSidecar(path)
}

func readXattr(path string) (Meta, error) {
	var m Meta
	buf := make([]byte, 2)

	n, err := unix.Getxattr(path, attrWidth, buf)
	if err != nil || n != 2 {
		return Meta{}, fmt.Errorf("xmeta: read %s: %w", attrWidth, err)
	}
	m.Width = binary.BigEndian.Uint16(buf)

	n, err = unix.Getxattr(path, attrHeight, buf)
	if err != nil || n != 2 {
		return Meta{}, fmt.Errorf("xmeta: read %s: %w", attrHeight, err)
	}
	m.Height = binary.BigEndian.Uint16(buf)

	n, err = unix.Getxattr(path, attrFPS, buf)
	if err != nil || n != 2 {
		return Meta{}, fmt.Errorf("xmeta: read %s: %w", attrFPS, err)
	}
	m.FPS = binary.BigEndian.Uint16(buf)

	return m, nil
}

func sidecarPath(path string) string {
	return path + ".meta"
}

func writeSidecar(path string, m Meta) error {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], m.Width)
	binary.BigEndian.PutUint16(buf[2:4], m.Height)
	binary.BigEndian.PutUint16(buf[4:6], m.FPS)
	return os.WriteFile(sidecarPath(path), buf, 0o644)
}

func readSidecar(path string) (Meta, error) {
	data, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		return Meta{}, err
	}
	if len(data) != 6 {
		return Meta{}, fmt.Errorf("xmeta: sidecar %s: bad length %d", sidecarPath(path), len(data))
	}
	return Meta{
		Width:  binary.BigEndian.Uint16(data[0:2]),
		Height: binary.BigEndian.Uint16(data[2:4]),
		FPS:    binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// HasSidecar reports whether path has a sidecar metadata file, which is
// useful for callers that want to clean it up alongside the raw file.
func HasSidecar(path string) bool {
	_, err := os.Stat(sidecarPath(path))
	return err == nil
}

// RemoveSidecar deletes the sidecar file for path, if any. It is a no-op if
// none exists.
func RemoveSidecar(path string) error {
	err := os.Remove(sidecarPath(path))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// RenameSidecar moves oldPath's sidecar file to newPath's, if one exists.
// Callers that rename a raw file on a filesystem without xattr support must
// call this alongside the rename so the metadata stays discoverable at the
// file's new path; it is a no-op if oldPath has no sidecar (xattrs worked).
func RenameSidecar(oldPath, newPath string) error {
	if !HasSidecar(oldPath) {
		return nil
	}
	return os.Rename(sidecarPath(oldPath), sidecarPath(newPath))
}
