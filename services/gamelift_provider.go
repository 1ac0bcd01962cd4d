package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/gamelift"
	"github.com/aws/aws-sdk-go-v2/service/gamelift/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// GameLiftProvider talks to GameLift FlexMatch and game session queues.
type GameLiftProvider struct {
	client *gamelift.Client
	logger *zap.Logger
}

// NewGameLiftFactory returns a ProviderFactory that loads the default AWS
// credential chain for region and, when roleARN is set, assumes it with a
// session named after the tenant.
func NewGameLiftFactory(roleARN string, logger *zap.Logger) ProviderFactory {
	return func(ctx context.Context, region, tenant string) (MatchmakingProvider, error) {
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithHTTPClient(utils.HTTPClient),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}

		if roleARN != "" {
			sessionName := "matchmaking"
			if tenant != "" {
				sessionName = "matchmaking-" + tenant
			}
			assume := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleARN, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = sessionName
			})
			cfg.Credentials = aws.NewCredentialsCache(assume)
		}

		logger.Info("🔌 [GAMELIFT] client created", zap.String("region", region), zap.String("tenant", tenant))
		return &GameLiftProvider{client: gamelift.NewFromConfig(cfg), logger: logger}, nil
	}
}

func (p *GameLiftProvider) StartMatchmaking(ctx context.Context, req MatchmakingRequest) (*models.Ticket, error) {
	players := make([]types.Player, 0, len(req.Players))
	for _, player := range req.Players {
		players = append(players, toGameLiftPlayer(player))
	}

	out, err := p.client.StartMatchmaking(ctx, &gamelift.StartMatchmakingInput{
		ConfigurationName: aws.String(req.ConfigurationName),
		Players:           players,
	})
	if err != nil {
		return nil, providerError("Failed to start matchmaking", err)
	}
	if out.MatchmakingTicket == nil {
		return nil, &utils.ProviderError{Message: "Failed to start matchmaking", Diagnostics: "response carried no ticket"}
	}
	return fromGameLiftTicket(out.MatchmakingTicket), nil
}

func (p *GameLiftProvider) StopMatchmaking(ctx context.Context, ticketID string) error {
	_, err := p.client.StopMatchmaking(ctx, &gamelift.StopMatchmakingInput{TicketId: aws.String(ticketID)})
	if err != nil {
		return providerError("Failed to stop matchmaking", err)
	}
	return nil
}

func (p *GameLiftProvider) AcceptMatch(ctx context.Context, ticketID string, playerIDs []int, accept bool) error {
	acceptance := types.AcceptanceTypeReject
	if accept {
		acceptance = types.AcceptanceTypeAccept
	}
	ids := make([]string, 0, len(playerIDs))
	for _, id := range playerIDs {
		ids = append(ids, strconv.Itoa(id))
	}

	_, err := p.client.AcceptMatch(ctx, &gamelift.AcceptMatchInput{
		TicketId:       aws.String(ticketID),
		PlayerIds:      ids,
		AcceptanceType: acceptance,
	})
	if err != nil {
		return providerError("Failed to update match acceptance", err)
	}
	return nil
}

func (p *GameLiftProvider) StartPlacement(ctx context.Context, req PlacementRequest) error {
	if _, err := p.client.StartGameSessionPlacement(ctx, placementInput(req)); err != nil {
		return providerError("Failed to start game session placement", err)
	}
	return nil
}

func placementInput(req PlacementRequest) *gamelift.StartGameSessionPlacementInput {
	in := &gamelift.StartGameSessionPlacementInput{
		PlacementId:               aws.String(req.PlacementID),
		GameSessionQueueName:      aws.String(req.QueueName),
		MaximumPlayerSessionCount: aws.Int32(int32(req.MaxPlayers)),
		GameSessionName:           aws.String(req.GameSessionName),
	}
	if req.GameSessionData != "" {
		in.GameSessionData = aws.String(req.GameSessionData)
	}
	for k, v := range req.GameProperties {
		in.GameProperties = append(in.GameProperties, types.GameProperty{Key: aws.String(k), Value: aws.String(v)})
	}
	for _, player := range req.Players {
		id := strconv.Itoa(player.PlayerID)
		in.DesiredPlayerSessions = append(in.DesiredPlayerSessions, types.DesiredPlayerSession{
			PlayerId:   aws.String(id),
			PlayerData: aws.String(player.PlayerData),
		})
		for region, ms := range player.LatencyInMs {
			in.PlayerLatencies = append(in.PlayerLatencies, types.PlayerLatency{
				PlayerId:              aws.String(id),
				RegionIdentifier:      aws.String(region),
				LatencyInMilliseconds: aws.Float32(float32(ms)),
			})
		}
	}

	return in
}

// providerError keeps the AWS error code and message as diagnostics.
func providerError(message string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &utils.ProviderError{
			Message:     message,
			Diagnostics: fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
			Err:         err,
		}
	}
	return &utils.ProviderError{Message: message, Diagnostics: err.Error(), Err: err}
}

func toGameLiftPlayer(p models.TicketPlayer) types.Player {
	out := types.Player{PlayerId: aws.String(strconv.Itoa(p.PlayerID))}
	if p.Team != "" {
		out.Team = aws.String(p.Team)
	}
	if len(p.PlayerAttributes) > 0 {
		out.PlayerAttributes = make(map[string]types.AttributeValue, len(p.PlayerAttributes))
		for name, v := range p.PlayerAttributes {
			out.PlayerAttributes[name] = types.AttributeValue{N: v.N, S: v.S, SL: v.SL, SDM: v.SDM}
		}
	}
	if len(p.LatencyInMs) > 0 {
		out.LatencyInMs = make(map[string]int32, len(p.LatencyInMs))
		for region, ms := range p.LatencyInMs {
			out.LatencyInMs[region] = int32(ms)
		}
	}
	return out
}

func fromGameLiftTicket(t *types.MatchmakingTicket) *models.Ticket {
	ticket := &models.Ticket{
		TicketID:          aws.ToString(t.TicketId),
		ConfigurationName: aws.ToString(t.ConfigurationName),
		Status:            models.TicketStatus(t.Status),
		StatusReason:      aws.ToString(t.StatusReason),
		StatusMessage:     aws.ToString(t.StatusMessage),
		StartTime:         aws.ToTime(t.StartTime),
	}
	for _, p := range t.Players {
		id, err := strconv.Atoi(aws.ToString(p.PlayerId))
		if err != nil {
			continue
		}
		player := models.TicketPlayer{PlayerID: id, Team: aws.ToString(p.Team)}
		if len(p.PlayerAttributes) > 0 {
			player.PlayerAttributes = make(map[string]models.AttributeValue, len(p.PlayerAttributes))
			for name, v := range p.PlayerAttributes {
				player.PlayerAttributes[name] = models.AttributeValue{N: v.N, S: v.S, SL: v.SL, SDM: v.SDM}
			}
		}
		if len(p.LatencyInMs) > 0 {
			player.LatencyInMs = make(map[string]int, len(p.LatencyInMs))
			for region, ms := range p.LatencyInMs {
				player.LatencyInMs[region] = int(ms)
			}
		}
		ticket.Players = append(ticket.Players, player)
	}
	if info := t.GameSessionConnectionInfo; info != nil {
		ticket.ConnectionInfo = &models.ConnectionInfo{
			GameSessionArn: aws.ToString(info.GameSessionArn),
			IPAddress:      aws.ToString(info.IpAddress),
			DNSName:        aws.ToString(info.DnsName),
			Port:           int(aws.ToInt32(info.Port)),
		}
	}
	return ticket
}
