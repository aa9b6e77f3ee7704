package cifs

import (
	"fmt"
	"path"
	"strings"
)

// pathNormalizer handles path normalization for SMB shares.
type pathNormalizer struct {
	caseSensitive bool
}

func newPathNormalizer(caseSensitive bool) *pathNormalizer {
	return &pathNormalizer{caseSensitive: caseSensitive}
}

// normalize converts p to a clean, slash separated path rooted at the share.
// Both \path\to\file and /path/to/file are accepted.
func (pn *pathNormalizer) normalize(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))

	// SMB paths are case-insensitive unless configured otherwise
	if !pn.caseSensitive {
		p = strings.ToLower(p)
	}

	return p
}

// validatePath rejects empty paths, paths with NUL bytes and paths that
// climb above the share root.
func validatePath(p string) error {
	if p == "" {
		return ErrInvalidPath
	}

	if strings.Contains(p, "\x00") {
		return ErrInvalidPath
	}

	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if strings.HasPrefix(cleaned, "..") || strings.Contains(cleaned, "/..") {
		return ErrInvalidPath
	}

	return nil
}

// toSMBPath converts a normalized path to the share relative, backslash
// separated form the server expects.
func toSMBPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	return strings.ReplaceAll(p, "/", "\\")
}

// parseUNC splits \\server\share\path into its parts. Forward slashes are
// accepted as separators. The returned path is share relative.
func parseUNC(unc string) (server, share, file string, err error) {
	s := strings.ReplaceAll(unc, "\\", "/")
	if !strings.HasPrefix(s, "//") {
		return "", "", "", fmt.Errorf("%w: not a UNC path: %q", ErrInvalidPath, unc)
	}

	parts := strings.SplitN(strings.TrimPrefix(s, "//"), "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: UNC path needs server, share and file: %q", ErrInvalidPath, unc)
	}
	if err := validatePath(parts[2]); err != nil {
		return "", "", "", fmt.Errorf("%w: %q", err, unc)
	}
	file = strings.TrimPrefix(path.Clean(parts[2]), "/")
	if file == "" || file == "." {
		return "", "", "", fmt.Errorf("%w: UNC path names the share, not a file: %q", ErrInvalidPath, unc)
	}
	return parts[0], parts[1], file, nil
}
