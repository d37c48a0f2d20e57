package imaging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiagnosticWriter saves resized images to a directory so they can be
// inspected by hand. Nothing in the analysis path depends on it.
type DiagnosticWriter struct {
	Dir string
}

// DefaultDiagnosticDir returns the user's Desktop directory.
func DefaultDiagnosticDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Desktop"), nil
}

// OutputName derives the saved filename: the original name's extension is
// replaced with .jpg and the result prefixed with "resized_".
func OutputName(filename string) string {
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		base = "image"
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = "image"
	}
	return "resized_" + stem + ".jpg"
}

// Write stores data under OutputName(filename) in w.Dir and returns the path
// written.
func (w DiagnosticWriter) Write(filename string, data []byte) (string, error) {
	if w.Dir == "" {
		return "", fmt.Errorf("no diagnostic directory configured")
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s - %w", w.Dir, err)
	}

	path := filepath.Join(w.Dir, OutputName(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s - %w", path, err)
	}
	return path, nil
}
