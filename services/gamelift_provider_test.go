package services

import (
	"errors"
	"testing"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacementInputCarriesLatencies(t *testing.T) {
	in := placementInput(PlacementRequest{
		PlacementID:     "place-1",
		QueueName:       "lobby-queue",
		GameSessionName: "friday-night-abc123",
		MaxPlayers:      4,
		GameProperties:  map[string]string{"lobby": "true"},
		Players: []PlacementPlayer{
			{PlayerID: 7, PlayerData: `{"team":"red"}`, LatencyInMs: map[string]int{"eu-west-1": 42}},
		},
	})

	assert.Equal(t, "place-1", aws.ToString(in.PlacementId))
	assert.Equal(t, int32(4), aws.ToInt32(in.MaximumPlayerSessionCount))
	assert.Nil(t, in.GameSessionData)
	require.Len(t, in.GameProperties, 1)
	assert.Equal(t, "lobby", aws.ToString(in.GameProperties[0].Key))

	require.Len(t, in.DesiredPlayerSessions, 1)
	assert.Equal(t, "7", aws.ToString(in.DesiredPlayerSessions[0].PlayerId))
	require.Len(t, in.PlayerLatencies, 1)
	latency := in.PlayerLatencies[0]
	assert.Equal(t, "7", aws.ToString(latency.PlayerId))
	assert.Equal(t, "eu-west-1", aws.ToString(latency.RegionIdentifier))
	assert.Equal(t, float32(42), aws.ToFloat32(latency.LatencyInMilliseconds))
}

func TestToGameLiftPlayer(t *testing.T) {
	skill := 80.0
	p := toGameLiftPlayer(models.TicketPlayer{
		PlayerID:         3,
		PlayerAttributes: map[string]models.AttributeValue{"skill": {N: &skill}},
		LatencyInMs:      map[string]int{"us-east-1": 110},
	})

	assert.Equal(t, "3", aws.ToString(p.PlayerId))
	assert.Nil(t, p.Team)
	assert.Equal(t, 80.0, aws.ToFloat64(p.PlayerAttributes["skill"].N))
	assert.Equal(t, int32(110), p.LatencyInMs["us-east-1"])
}

func TestProviderErrorKeepsAPIDiagnostics(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "InvalidRequestException", Message: "bad configuration"}
	err := providerError("Failed to start matchmaking", apiErr)

	var perr *utils.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Failed to start matchmaking", perr.Message)
	assert.Equal(t, "InvalidRequestException: bad configuration", perr.Diagnostics)
	assert.ErrorIs(t, err, apiErr)
}
