package filex

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MaxUploadSize caps files read by ReadUpload.
const MaxUploadSize = 64 << 20

// EnsureDir creates dir (relative paths resolve against the working
// directory, a leading "~" against the home directory) and returns its
// absolute path.
func EnsureDir(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("home dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}

	return abs, nil
}

// Upload is a file read from disk for attaching to a record.
type Upload struct {
	Filename    string
	ContentType string
	Description string
	Data        []byte
}

// ReadUpload reads path and guesses its content type from the extension,
// falling back to sniffing the first bytes.
func ReadUpload(path string) (Upload, error) {
	f, err := os.Open(path)
	if err != nil {
		return Upload{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxUploadSize+1))
	if err != nil {
		return Upload{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > MaxUploadSize {
		return Upload{}, fmt.Errorf("%s is larger than %d bytes", path, MaxUploadSize)
	}

	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ct == "" {
		ct = http.DetectContentType(data)
	}

	return Upload{Filename: filepath.Base(path), ContentType: ct, Data: data}, nil
}
