package sysload

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(percent float64, err error) SampleFunc {
	return func(context.Context) (float64, error) { return percent, err }
}

func TestGate_Admit(t *testing.T) {
	tests := []struct {
		name    string
		max     float64
		sample  SampleFunc
		wantErr bool
	}{
		{"disabled ignores load", 0, fixed(99, nil), false},
		{"below limit", 80, fixed(40, nil), false},
		{"at limit", 80, fixed(80, nil), false},
		{"above limit", 80, fixed(95.5, nil), true},
		{"sample failure admits", 80, fixed(0, errors.New("no /proc")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.max, WithSampler(tt.sample))
			err := g.Admit(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBusy)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestGate_Enabled(t *testing.T) {
	assert.False(t, NewGate(0).Enabled())
	assert.False(t, NewGate(-1).Enabled())
	assert.True(t, NewGate(75).Enabled())
}

func TestGate_Percent_Host(t *testing.T) {
	p, err := NewGate(0).Percent(context.Background())
	if err != nil {
		t.Skipf("cpu sampling unavailable on this host: %v", err)
	}
	require.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 100.0)
}
