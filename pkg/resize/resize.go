package resize

import (
	"errors"
	"fmt"
	"image/png"
	"math"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"gorm.io/gorm"

	"onboard/models"

	// WEBP sources decode through imaging.Open once the decoder is registered.
	_ "golang.org/x/image/webp"
)

// jpegQuality is the fixed re-encode quality for lossy formats. The PNG
// compression level is derived from the same constant (85 -> best compression).
const jpegQuality = 85

// Policy is the active sizing configuration, fetched once per batch run and
// passed into Resize so the transform itself never touches the database.
type Policy struct {
	ScalePercent int
}

// ActivePolicy returns the currently active sizing policy, or nil when
// resizing is disabled (no active row, or a nonsensical scale).
func ActivePolicy(db *gorm.DB) (*Policy, error) {
	var s models.ImageSetting
	err := db.Where("status = ?", models.ImageSettingActive).Order("updated_at desc").First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load image setting: %w", err)
	}
	if s.ScalePercent <= 0 {
		return nil, nil
	}
	return &Policy{ScalePercent: s.ScalePercent}, nil
}

// Resize decodes src, scales both axes by policy.ScalePercent and re-encodes
// to dst (format chosen by dst extension). It reports (false, nil) when no
// policy is active and (false, err) on any decode/encode failure; in both
// cases the caller must carry on with the original file.
func Resize(src, dst string, policy *Policy) (bool, error) {
	if policy == nil || policy.ScalePercent <= 0 {
		return false, nil
	}
	img, err := imaging.Open(src)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", src, err)
	}
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * float64(policy.ScalePercent) / 100))
	h := int(math.Round(float64(b.Dy()) * float64(policy.ScalePercent) / 100))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := imaging.Resize(img, w, h, imaging.Lanczos)
	// NRGBA throughout, so PNG alpha survives the copy un-flattened.
	err = imaging.Save(out, dst,
		imaging.JPEGQuality(jpegQuality),
		imaging.PNGCompressionLevel(png.BestCompression))
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", dst, err)
	}
	return true, nil
}

// ResizedPath is the deterministic sibling path for the transform output,
// e.g. uploads/applications/x.jpg -> uploads/applications/x_resized.jpg.
func ResizedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_resized" + ext
}
