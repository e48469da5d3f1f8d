package license

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"cutclip/internal/config"
	apperrors "cutclip/internal/errors"
)

// ValidationTag is the validator/v10 tag that checks license key format.
const ValidationTag = "licensekey"

var keyPattern = regexp.MustCompile(config.LicenseKeyPattern)

// NormalizeKey trims, upper-cases and strips whitespace from user input. An
// undashed key of the right length is regrouped.
func NormalizeKey(raw string) string {
	key := strings.ToUpper(strings.Join(strings.Fields(raw), ""))

	plainLen := config.LicenseKeyGroups * config.LicenseKeyGroupSize
	if len(key) == plainLen && !strings.Contains(key, "-") {
		groups := make([]string, 0, config.LicenseKeyGroups)
		for i := 0; i < plainLen; i += config.LicenseKeyGroupSize {
			groups = append(groups, key[i:i+config.LicenseKeyGroupSize])
		}
		key = strings.Join(groups, "-")
	}
	return key
}

// ValidateKeyFormat checks an already-normalised key. The error wraps
// ErrInvalidKeyFormat.
func ValidateKeyFormat(key string) error {
	if key == "" {
		return fmt.Errorf("%w: license key is required", apperrors.ErrInvalidKeyFormat)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: expected %s", apperrors.ErrInvalidKeyFormat, config.LicenseKeyPlaceholder)
	}
	return nil
}

// RegisterValidation adds the licensekey tag to v. The tag normalises the
// field value before matching, so user-formatted input passes.
func RegisterValidation(v *validator.Validate) error {
	return v.RegisterValidation(ValidationTag, func(fl validator.FieldLevel) bool {
		return ValidateKeyFormat(NormalizeKey(fl.Field().String())) == nil
	})
}
