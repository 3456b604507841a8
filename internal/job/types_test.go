package job

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{name: "plain", input: "2024-01-01T00:01:00", want: time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)},
		{name: "zulu suffix", input: "2024-03-15T12:30:45Z", want: time.Date(2024, 3, 15, 12, 30, 45, 0, time.UTC)},
		{name: "surrounding space", input: " 2024-01-01T00:00:00 ", want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "date only", input: "2024-01-01", wantErr: true},
		{name: "space separator", input: "2024-01-01 00:00:00", wantErr: true},
		{name: "fractional seconds", input: "2024-01-01T00:00:00.5", wantErr: true},
		{name: "fractional seconds zulu", input: "2024-01-01T00:00:00.123Z", wantErr: true},
		{name: "double zulu", input: "2024-01-01T00:00:00ZZ", wantErr: true},
		{name: "garbage", input: "yesterday", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("2024-01-01T00:00:00", "2024-01-01T00:01:00")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, iv.Duration())
	assert.True(t, iv.Valid())

	_, err = ParseInterval("2024-01-01T00:01:00", "2024-01-01T00:00:00")
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = ParseInterval("2024-01-01T00:00:00", "2024-01-01T00:00:00")
	assert.True(t, errors.Is(err, ErrValidation), "equal bounds are not a valid interval")
}

func TestConnectionProfileValidate(t *testing.T) {
	assert.NoError(t, ConnectionProfile{Host: "rs.local", Port: 16032}.Validate())
	assert.Error(t, ConnectionProfile{Host: "", Port: 16032}.Validate())
	assert.Error(t, ConnectionProfile{Host: "rs.local", Port: 0}.Validate())
	assert.Error(t, ConnectionProfile{Host: "rs.local", Port: 65536}.Validate())
	assert.Equal(t, "rs.local:16032", ConnectionProfile{Host: "rs.local", Port: 16032}.Address())
}

func TestChannelAddress(t *testing.T) {
	c := ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EH*"}
	assert.Equal(t, "AM.R1E3F.00.EH*", c.String())
	assert.True(t, c.HasWildcard())

	c.Channel = "EHZ"
	assert.False(t, c.HasWildcard())
}
