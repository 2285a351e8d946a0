package engine

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/connector"
)

func TestPageQuota(t *testing.T) {
	q := newPageQuota("Event to ToDo", 2)

	require.NoError(t, q.Check())
	require.NoError(t, q.Check())

	err := q.Check()
	require.Error(t, err)
	var ple *PageLimitError
	require.True(t, errors.As(err, &ple))
	assert.Equal(t, "Event to ToDo", ple.Mapping)
	assert.Equal(t, 3, ple.Pages)
	assert.Equal(t, 2, ple.Limit)
	assert.Equal(t, 3, q.Current())
	assert.Equal(t, "mapping Event to ToDo exceeded page limit: 3 pages > 2 limit", err.Error())
}

func TestPageQuota_Disabled(t *testing.T) {
	q := newPageQuota("m", 0)
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Check())
	}
}

func TestPageLimitError_IsFatalWhenWrapped(t *testing.T) {
	err := connector.Fatal("fetch", &PageLimitError{Mapping: "m", Pages: 3, Limit: 2})
	assert.True(t, connector.IsFatal(err))

	var ple *PageLimitError
	assert.True(t, errors.As(err, &ple))
}

func TestConfigurationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ConfigurationError
		want string
	}{
		{
			name: "plan only",
			err:  &ConfigurationError{Code: ErrCodeUnknownPlan, Message: `unknown plan "x"`, Plan: "x"},
			want: `E201: unknown plan "x" (plan=x)`,
		},
		{
			name: "mapping with details",
			err: &ConfigurationError{
				Code: ErrCodeInvalidMapping, Message: "mapping is invalid", Plan: "p", Mapping: "m",
				Details: []string{"[E112] mapping.m.local_type: unknown doctype", "[E110] mapping.m.fields: empty"},
			},
			want: "E205: mapping is invalid (plan=p, mapping=m): [E112] mapping.m.local_type: unknown doctype; [E110] mapping.m.fields: empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.True(t, IsConfigurationError(errors.Wrap(tt.err, "start")))
		})
	}
}
