package util_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/util"
)

func TestUtil(t *testing.T) {
	t.Run("yaml / json conversions", func(t *testing.T) {
		yml, err := util.JSONToYAML([]byte(`{"items":{"invalidate":[["items","list"]]}}`))
		require.NoError(t, err)
		jsonData, err := util.YAMLToJSON(yml)
		require.NoError(t, err)
		assert.JSONEq(t, `{"items":{"invalidate":[["items","list"]]}}`, string(jsonData))
	})
	t.Run("json passthrough", func(t *testing.T) {
		jsonData, err := util.YAMLToJSON([]byte(`{"a":1}`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(jsonData))
	})
	t.Run("json string", func(t *testing.T) {
		assert.Equal(t, `{"id":"5"}`, util.JSONString(map[string]any{"id": "5"}))
	})
	t.Run("decode", func(t *testing.T) {
		type params struct {
			URL     string        `json:"url"`
			Retries int           `json:"retries"`
			Timeout time.Duration `json:"timeout"`
		}
		var p params
		require.NoError(t, util.Decode(map[string]any{
			"url":     "nats://localhost:4222",
			"retries": "3",
			"timeout": "250ms",
		}, &p))
		assert.Equal(t, "nats://localhost:4222", p.URL)
		assert.Equal(t, 3, p.Retries)
		assert.Equal(t, 250*time.Millisecond, p.Timeout)
	})
	t.Run("validate", func(t *testing.T) {
		type usr struct {
			Name string `validate:"required"`
		}
		var u = usr{}
		err := util.ValidateStruct(&u)
		assert.NotNil(t, err)
		assert.True(t, errors.Is(err, errors.Validation))
		u.Name = "a name"
		assert.Nil(t, util.ValidateStruct(&u))
	})
	t.Run("duration or", func(t *testing.T) {
		assert.Equal(t, time.Second, util.DurationOr(0, time.Second))
		assert.Equal(t, time.Minute, util.DurationOr(time.Minute, time.Second))
	})
}
