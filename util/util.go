package util

import (
	"encoding/json"
	"time"

	"github.com/ghodss/yaml"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/autom8ter/rtsync/errors"
)

var validate = validator.New()

// ValidateStruct validates the struct tags of val, returning a Validation error on failure
func ValidateStruct(val any) error {
	if err := validate.Struct(val); err != nil {
		return errors.Wrap(err, errors.Validation, "")
	}
	return nil
}

// Decode decodes the input into the output based on json tags.
// Durations may be given as strings ("300ms") or nanoseconds.
func Decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		WeaklyTypedInput:     true,
		Result:               output,
		TagName:              "json",
		IgnoreUntaggedFields: true,
		DecodeHook:           mapstructure.StringToTimeDurationHookFunc(),
	}
	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return errors.Wrap(err, errors.Validation, "failed to decode parameters")
	}
	return nil
}

// JSONString returns a json string of the input
func JSONString(input any) string {
	bits, _ := json.Marshal(input)
	return string(bits)
}

// YAMLToJSON converts yaml content to json. JSON input is returned as is.
func YAMLToJSON(yamlContent []byte) ([]byte, error) {
	if isJSON(string(yamlContent)) {
		return yamlContent, nil
	}
	return yaml.YAMLToJSON(yamlContent)
}

func JSONToYAML(jsonContent []byte) ([]byte, error) {
	return yaml.JSONToYAML(jsonContent)
}

func isJSON(str string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(str), &js) == nil
}

// DurationOr returns d if it is positive, otherwise the fallback
func DurationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
