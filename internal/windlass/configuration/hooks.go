package configuration

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// TierDecodeHook parses and validates tier names from config files,
// so that a typo like "premium" fails at startup instead of at submit time.
func TierDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Tier("")) {
			return data, nil
		}
		tier := Tier(strings.ToLower(data.(string)))
		if !KnownTier(tier) {
			return nil, errors.Errorf("unknown tier %q", data)
		}
		return tier, nil
	}
}
