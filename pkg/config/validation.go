package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults. Validation accepts
// both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs validation that cannot be expressed in tags.
func validateCustomRules(cfg *Config) error {
	public := cfg.Storage.PublicRoot
	staging := cfg.Storage.StagingRoot

	// Namespace classification is a prefix test, so the roots must not nest.
	if public == staging {
		return fmt.Errorf("storage: public_root and staging_root must differ (both %q)", public)
	}
	if strings.HasPrefix(public+"/", staging+"/") || strings.HasPrefix(staging+"/", public+"/") {
		return fmt.Errorf("storage: public_root %q and staging_root %q must not contain each other", public, staging)
	}

	for i, t := range cfg.Storage.AllowedTypes {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("storage.allowed_types[%d]: empty type", i)
		}
	}

	if cfg.Storage.Locking == "flock" && cfg.Storage.LockDir == "" {
		return fmt.Errorf("storage: lock_dir is required when locking is flock")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
