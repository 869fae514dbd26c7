// Package pack validates uploaded update packages before they are accepted
// into the version registry. Validation inspects the archive's central
// directory without decompressing entry contents, guarding against oversized
// uploads, entry-count bombs, and path traversal.
package pack

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/txn2/update-hub/pkg/apperr"
)

// Config bounds what Validate will accept.
type Config struct {
	// AllowedExtensions maps lowercase file extensions (with leading dot)
	// to their expected MIME types.
	AllowedExtensions map[string]string

	// MaxPackageBytes is the maximum accepted package size. Zero means no cap.
	MaxPackageBytes int64

	// MaxEntries is the maximum number of archive entries. A package with
	// exactly MaxEntries entries is accepted.
	MaxEntries int

	// ManifestName, when set, names an entry that must exist in the archive
	// root, e.g. "manifest.json".
	ManifestName string

	// MaxManifestBytes bounds the manifest entry's uncompressed size.
	MaxManifestBytes int64
}

// DefaultConfig returns the validation bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		AllowedExtensions: map[string]string{
			".zip": "application/zip",
			".apk": "application/vnd.android.package-archive",
			".ipa": "application/octet-stream",
		},
		MaxPackageBytes:  512 << 20,
		MaxEntries:       10000,
		MaxManifestBytes: 1 << 20,
	}
}

// ValidatedPackage is the result of a successful validation.
type ValidatedPackage struct {
	FileName   string
	Size       int64
	EntryCount int

	// Checksum is the SHA-256 digest of the package bytes as exactly 64
	// lowercase hexadecimal characters. No algorithm prefix is ever
	// included; downstream storage depends on the fixed width.
	Checksum string

	// Manifest holds the raw manifest entry bytes when a manifest is
	// configured, nil otherwise.
	Manifest []byte
}

// Validator validates uploaded packages. The zero value is not usable;
// construct with New.
type Validator struct {
	cfg Config
}

// New creates a Validator. Zero-valued config fields fall back to defaults.
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.AllowedExtensions == nil {
		cfg.AllowedExtensions = def.AllowedExtensions
	}
	if cfg.MaxPackageBytes == 0 {
		cfg.MaxPackageBytes = def.MaxPackageBytes
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxManifestBytes == 0 {
		cfg.MaxManifestBytes = def.MaxManifestBytes
	}
	return &Validator{cfg: cfg}
}

// Validate checks data against the configured bounds and fingerprints it.
// It has no side effects beyond computing the result.
func (v *Validator) Validate(data []byte, declaredName string) (*ValidatedPackage, error) {
	ext := strings.ToLower(path.Ext(declaredName))
	if _, ok := v.cfg.AllowedExtensions[ext]; !ok {
		return nil, apperr.Newf(apperr.KindInvalidMime,
			"file type %q is not an accepted package type", ext)
	}

	if int64(len(data)) > v.cfg.MaxPackageBytes {
		return nil, apperr.Newf(apperr.KindSizeExceeded,
			"package is %d bytes, limit is %d", len(data), v.cfg.MaxPackageBytes)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruptArchive,
			"package is not a readable archive", err)
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	if len(zr.File) > v.cfg.MaxEntries {
		return nil, apperr.Newf(apperr.KindEntryCountExceeded,
			"archive has %d entries, limit is %d", len(zr.File), v.cfg.MaxEntries)
	}

	var manifest []byte
	for _, f := range zr.File {
		if err := checkEntryPath(f.Name); err != nil {
			return nil, err
		}
		if v.cfg.ManifestName != "" && f.Name == v.cfg.ManifestName {
			manifest, err = v.readManifest(f)
			if err != nil {
				return nil, err
			}
		}
	}

	if v.cfg.ManifestName != "" && manifest == nil {
		return nil, apperr.Newf(apperr.KindManifestMissing,
			"archive does not contain required manifest %q", v.cfg.ManifestName)
	}

	sum := sha256.Sum256(data)

	return &ValidatedPackage{
		FileName:   declaredName,
		Size:       int64(len(data)),
		EntryCount: len(zr.File),
		Checksum:   hex.EncodeToString(sum[:]),
		Manifest:   manifest,
	}, nil
}

// checkEntryPath rejects entries that would escape the archive root.
func checkEntryPath(name string) error {
	cleaned := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return apperr.Newf(apperr.KindSuspiciousContent,
			"archive entry %q escapes the archive root", name)
	}
	return nil
}

// readManifest decompresses a single manifest entry within the size bound.
func (v *Validator) readManifest(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > uint64(v.cfg.MaxManifestBytes) {
		return nil, apperr.Newf(apperr.KindSizeExceeded,
			"manifest is %d bytes, limit is %d", f.UncompressedSize64, v.cfg.MaxManifestBytes)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruptArchive, "opening manifest entry", err)
	}
	defer func() { _ = rc.Close() }()

	// LimitReader guards against a lying size field in the header.
	manifest, err := io.ReadAll(io.LimitReader(rc, v.cfg.MaxManifestBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruptArchive, "reading manifest entry", err)
	}
	if int64(len(manifest)) > v.cfg.MaxManifestBytes {
		return nil, apperr.Newf(apperr.KindSizeExceeded,
			"manifest exceeds %d byte limit", v.cfg.MaxManifestBytes)
	}
	return manifest, nil
}

// ChecksumHex reports whether s is a well-formed package checksum: exactly
// 64 lowercase hexadecimal characters, no prefix.
func ChecksumHex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
