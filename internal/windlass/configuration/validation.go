package configuration

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Validate checks field-level constraints plus cross-field invariants that
// struct tags cannot express. All violations are aggregated so operators see
// every config problem at once.
func (c *WindlassConfig) Validate() error {
	var result *multierror.Error

	if err := validator.New().Struct(c); err != nil {
		result = multierror.Append(result, err)
	}

	for tier, tc := range c.Tiers {
		if !KnownTier(tier) {
			result = multierror.Append(result, errors.Errorf("unknown tier %q in tiers config", tier))
			continue
		}
		if tc.MinPoolSize > tc.MaxPoolSize {
			result = multierror.Append(result,
				errors.Errorf("tier %s: minPoolSize %d exceeds maxPoolSize %d", tier, tc.MinPoolSize, tc.MaxPoolSize))
		}
	}
	for _, tier := range AllTiers() {
		if _, ok := c.Tiers[tier]; !ok {
			result = multierror.Append(result, errors.Errorf("missing config for tier %s", tier))
		}
	}
	if len(c.EnterpriseTenants) > 0 {
		if tc, ok := c.Tiers[TierEnterprise]; ok && len(c.EnterpriseTenants)*tc.MinPoolSize > tc.MaxPoolSize {
			result = multierror.Append(result,
				errors.Errorf("enterprise tenants require %d pre-provisioned workers but maxPoolSize is %d",
					len(c.EnterpriseTenants)*tc.MinPoolSize, tc.MaxPoolSize))
		}
	}

	return result.ErrorOrNil()
}

// LogValidationErrors logs each violation in a form operators can act on.
func LogValidationErrors(err error) {
	if err == nil {
		return
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		for _, fieldErr := range validationErrs {
			fieldName := stripPrefix(fieldErr.Namespace())
			switch fieldErr.Tag() {
			case "required":
				log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
			default:
				log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, fieldErr.Value(), fieldErr.Tag())
			}
		}
		return
	}
	log.Errorf("ConfigError: %v", err)
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
