package services

import (
	"context"
	"testing"

	"game-coordination-system/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLatencyRollingAverage(t *testing.T) {
	for _, tt := range []struct {
		name    string
		samples []float64
		want    []int
	}{
		{"integers", []float64{1, 1, 2, 3, 4, 6}, []int{1, 1, 1, 2, 3, 4}},
		{"fractions truncate", []float64{1, 2, 3, 4, 5, 10.7}, []int{1, 1, 2, 3, 4, 6}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cache, _ := newTestCache(t)
			svc := NewLatencyService(cache, testConfig(), zap.NewNop())
			ctx := context.Background()

			for i, sample := range tt.samples {
				averages, err := svc.Record(ctx, 1, "eu-west-1", sample)
				require.NoError(t, err)
				assert.Equal(t, map[string]int{"eu-west-1": tt.want[i]}, averages, "after sample %d", i)
			}
		})
	}
}

func TestLatencyIsTrackedPerRegionAndPlayer(t *testing.T) {
	cache, _ := newTestCache(t)
	svc := NewLatencyService(cache, testConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := svc.Record(ctx, 1, "eu-west-1", 20)
	require.NoError(t, err)
	averages, err := svc.Record(ctx, 1, "us-east-1", 95.5)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"eu-west-1": 20, "us-east-1": 95}, averages)

	other, err := svc.Averages(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestLatencyRejectsBadInput(t *testing.T) {
	cache, _ := newTestCache(t)
	svc := NewLatencyService(cache, testConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := svc.Record(ctx, 1, "mars-north-1", 10)
	assert.ErrorIs(t, err, utils.ErrValidation)
	_, err = svc.Record(ctx, 1, "eu-west-1", -1)
	assert.ErrorIs(t, err, utils.ErrValidation)
}
