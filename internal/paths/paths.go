// Package paths normalizes the slash-separated paths used as stable keys
// for remote resources and root-relative local files.
//
// Keys are for matching only. Files are read and written under their raw
// names, which keep the bytes the file system or server reported.
package paths

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TempPrefix marks in-flight transfers on either side. Names carrying it
// are never synced.
const TempPrefix = ".davsync-"

// IsTemp reports whether a name is an in-flight transfer.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// Remote normalizes a remote path: a single leading slash, no trailing
// slash, repeated slashes collapsed, non-breaking spaces folded and
// Unicode NFC. A backslash is an ordinary name byte. The root is "/".
func Remote(p string) string {
	p = clean(p)
	if p == "" {
		return "/"
	}

	return "/" + p
}

// Local normalizes a root-relative local path. The root itself is "".
func Local(p string) string {
	return clean(p)
}

// JoinRemote joins a remote directory and a child name.
func JoinRemote(dir, name string) string {
	return Remote(dir + "/" + name)
}

// Raw cleans a root-relative path used for I/O: repeated and surrounding
// slashes are dropped, every other byte is kept.
func Raw(p string) string {
	return collapse(p)
}

// RawRemote is Raw with a single leading slash. The root is "/".
func RawRemote(p string) string {
	return "/" + collapse(p)
}

// JoinRaw joins a raw root-relative directory and a raw child name.
func JoinRaw(dir, name string) string {
	return Raw(dir + "/" + name)
}

// JoinRawRemote joins a raw remote directory and a raw child name.
func JoinRawRemote(dir, name string) string {
	return RawRemote(dir + "/" + name)
}

// IsDescendant reports whether child lies strictly below parent.
func IsDescendant(parent, child string) bool {
	parent = Remote(parent)
	child = Remote(child)

	if parent == "/" {
		return child != "/"
	}

	return strings.HasPrefix(child, parent+"/")
}

// Overlaps reports whether two remote paths are equal or one lies below
// the other.
func Overlaps(a, b string) bool {
	a, b = Remote(a), Remote(b)

	return a == b || IsDescendant(a, b) || IsDescendant(b, a)
}

// DirsOverlap reports whether two local directories are the same or one
// lies inside the other.
func DirsOverlap(a, b string) bool {
	return within(a, b) || within(b, a)
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Name returns the last element of a normalized path.
func Name(p string) string {
	return path.Base(Remote(p))
}

func clean(p string) string {
	p = strings.ReplaceAll(p, "\u00A0", " ")
	p = strings.ReplaceAll(p, "\u202F", " ")

	return norm.NFC.String(collapse(p))
}

func collapse(p string) string {
	var b strings.Builder

	prevSlash := false

	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	return strings.Trim(b.String(), "/")
}
