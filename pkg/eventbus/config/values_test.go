package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventbus/pkg/eventbus/config"
)

func TestValues_Duration(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want time.Duration
	}{
		{"string", map[string]any{"timeout": "1h30m"}, 90 * time.Minute},
		{"int seconds", map[string]any{"timeout": 60}, time.Minute},
		{"int64 seconds", map[string]any{"timeout": int64(45)}, 45 * time.Second},
		{"float seconds", map[string]any{"timeout": 0.5}, 500 * time.Millisecond},
		{"duration", map[string]any{"timeout": 5 * time.Minute}, 5 * time.Minute},
		{"invalid string", map[string]any{"timeout": "soon"}, 10 * time.Second},
		{"wrong type", map[string]any{"timeout": true}, 10 * time.Second},
		{"missing", nil, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.NewValues(tt.data).Duration("timeout", 10*time.Second))
		})
	}
}

func TestValues_Int(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want int
	}{
		{"int", map[string]any{"n": 42}, 42},
		{"int64", map[string]any{"n": int64(100)}, 100},
		{"whole float", map[string]any{"n": 50.0}, 50},
		{"fractional float", map[string]any{"n": 50.5}, 99},
		{"string", map[string]any{"n": "42"}, 99},
		{"missing", nil, 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.NewValues(tt.data).Int("n", 99))
		})
	}
}

func TestValues_Scalars(t *testing.T) {
	v := config.NewValues(map[string]any{
		"name":    "billing",
		"enabled": true,
		"ratio":   3,
		"count":   "7",
	})

	assert.Equal(t, "billing", v.String("name", ""))
	assert.Equal(t, "def", v.String("count", "def"))
	assert.True(t, v.Bool("enabled", false))
	assert.True(t, v.Bool("missing", true))
	assert.False(t, v.Bool("name", false))
	assert.Equal(t, 3.0, v.Float("ratio", 0))
	assert.Equal(t, 1.5, v.Float("name", 1.5))
	assert.True(t, v.Has("name"))
	assert.False(t, v.Has("missing"))
	assert.Len(t, v.Raw(), 4)
}

func TestValues_Strings(t *testing.T) {
	v := config.NewValues(map[string]any{
		"typed": []string{"a", "b"},
		"any":   []any{"c", "d"},
		"mixed": []any{"e", 1},
	})
	assert.Equal(t, []string{"a", "b"}, v.Strings("typed", nil))
	assert.Equal(t, []string{"c", "d"}, v.Strings("any", nil))
	assert.Equal(t, []string{"def"}, v.Strings("mixed", []string{"def"}))
	assert.Nil(t, v.Strings("missing", nil))
}

func TestValues_Section(t *testing.T) {
	v, err := config.ValuesFromYAML([]byte(`
redis:
  addr: localhost:6379
  db: 3
`))
	require.NoError(t, err)

	redis := v.Section("redis")
	assert.Equal(t, "localhost:6379", redis.String("addr", ""))
	assert.Equal(t, 3, redis.Int("db", 0))
	assert.False(t, v.Section("missing").Has("addr"))
}

func TestValuesFromJSON(t *testing.T) {
	v, err := config.ValuesFromJSON([]byte(`{"timeout": "30s", "retries": 3, "tags": ["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, v.Duration("timeout", 0))
	assert.Equal(t, 3, v.Int("retries", 0))
	assert.Equal(t, []string{"a"}, v.Strings("tags", nil))

	_, err = config.ValuesFromJSON([]byte(`{not json`))
	assert.Error(t, err)
}

func TestValuesFromFile(t *testing.T) {
	yamlPath := writeFile(t, "settings.YML", "retries: 4\n")
	v, err := config.ValuesFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 4, v.Int("retries", 0))

	jsonPath := writeFile(t, "settings.json", `{"retries": 5}`)
	v, err = config.ValuesFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 5, v.Int("retries", 0))

	_, err = config.ValuesFromFile(writeFile(t, "settings.txt", "retries=6"))
	assert.Error(t, err)

	_, err = config.ValuesFromFile("/nonexistent/settings.yaml")
	assert.Error(t, err)
}
