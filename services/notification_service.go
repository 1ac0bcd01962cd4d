package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"game-coordination-system/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	PlayersExchange = "players"

	defaultMessageExpiry = 24 * time.Hour
	maxPendingMessages   = 100
)

// Notifier delivers events to a player's message exchange. Posting never
// fails the caller; delivery problems are logged.
type Notifier interface {
	Post(ctx context.Context, exchange string, exchangeID int, queue string, payload any)
}

// Message is one entry of an exchange stream.
type Message struct {
	MessageID  string          `json:"message_id"`
	Exchange   string          `json:"exchange"`
	ExchangeID int             `json:"exchange_id"`
	Queue      string          `json:"queue"`
	SenderID   int             `json:"sender_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Expires    time.Time       `json:"expires"`
	Payload    json.RawMessage `json:"payload"`
}

// NotificationService keeps one capped redis stream per exchange id.
type NotificationService struct {
	cache  *utils.Cache
	logger *zap.Logger
	expiry time.Duration
	now    func() time.Time
}

func NewNotificationService(cache *utils.Cache, logger *zap.Logger) *NotificationService {
	return &NotificationService{cache: cache, logger: logger, expiry: defaultMessageExpiry, now: time.Now}
}

func (s *NotificationService) streamKey(exchange string, exchangeID int) string {
	return s.cache.Key("messages2:%s-%d", exchange, exchangeID)
}

func legalName(name string) bool {
	return name != "" && len(name) <= 64 && !strings.Contains(name, ":")
}

// Post appends payload to the exchange stream, trimming it to the most
// recent messages.
func (s *NotificationService) Post(ctx context.Context, exchange string, exchangeID int, queue string, payload any) {
	if _, err := s.post(ctx, exchange, exchangeID, queue, payload); err != nil {
		s.logger.Error("❌ [NOTIFY] failed to post message",
			zap.String("exchange", exchange),
			zap.Int("exchange_id", exchangeID),
			zap.String("queue", queue),
			zap.Error(err))
	}
}

func (s *NotificationService) post(ctx context.Context, exchange string, exchangeID int, queue string, payload any) (string, error) {
	if !legalName(exchange) || !legalName(queue) {
		return "", utils.Validation("exchange or queue name %q/%q is invalid", exchange, queue)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	now := s.now().UTC()
	key := s.streamKey(exchange, exchangeID)
	ctx = context.WithoutCancel(ctx)

	id, err := s.cache.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxPendingMessages,
		Approx: true,
		Values: map[string]any{
			"timestamp":   now.Format(time.RFC3339Nano),
			"expires":     now.Add(s.expiry).Format(time.RFC3339Nano),
			"sender_id":   0,
			"payload":     string(data),
			"queue":       queue,
			"exchange":    exchange,
			"exchange_id": exchangeID,
		},
	}).Result()
	if err != nil {
		return "", err
	}
	// idle streams go away on their own
	if err := s.cache.Client.Expire(ctx, key, s.expiry).Err(); err != nil {
		s.logger.Warn("failed to set stream expiry", zap.String("key", key), zap.Error(err))
	}
	return id, nil
}

// PostToPlayers posts the same payload to every player's queue.
func (s *NotificationService) PostToPlayers(ctx context.Context, playerIDs []int, queue string, payload any) {
	PostToPlayers(ctx, s, playerIDs, queue, payload)
}

// PostToPlayers fans payload out over n.
func PostToPlayers(ctx context.Context, n Notifier, playerIDs []int, queue string, payload any) {
	for _, id := range playerIDs {
		n.Post(ctx, PlayersExchange, id, queue, payload)
	}
}

// FetchMessages returns unexpired messages posted after afterID ("0" for all),
// oldest first, plus the id to continue from.
func (s *NotificationService) FetchMessages(ctx context.Context, exchange string, exchangeID int, afterID string, rows int64) ([]Message, string, error) {
	if afterID == "" {
		afterID = "0"
	}
	key := s.streamKey(exchange, exchangeID)

	var entries []redis.XMessage
	var err error
	start := "(" + afterID
	if afterID == "0" {
		start = "-"
	}
	if rows > 0 {
		entries, err = s.cache.Client.XRangeN(ctx, key, start, "+", rows).Result()
	} else {
		entries, err = s.cache.Client.XRange(ctx, key, start, "+").Result()
	}
	if err != nil {
		return nil, afterID, fmt.Errorf("failed to read %s: %w", key, err)
	}

	now := s.now().UTC()
	last := afterID
	messages := make([]Message, 0, len(entries))
	var expired []string
	for _, e := range entries {
		last = e.ID
		msg, err := decodeMessage(e)
		if err != nil {
			s.logger.Warn("skipping undecodable message", zap.String("key", key), zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if !msg.Expires.After(now) {
			expired = append(expired, e.ID)
			continue
		}
		messages = append(messages, msg)
	}
	if len(expired) > 0 {
		if err := s.cache.Client.XDel(ctx, key, expired...).Err(); err != nil {
			s.logger.Warn("failed to drop expired messages", zap.String("key", key), zap.Error(err))
		}
	}
	return messages, last, nil
}

func decodeMessage(e redis.XMessage) (Message, error) {
	str := func(name string) string {
		v, _ := e.Values[name].(string)
		return v
	}

	msg := Message{
		MessageID: e.ID,
		Exchange:  str("exchange"),
		Queue:     str("queue"),
		Payload:   json.RawMessage(str("payload")),
	}
	var err error
	if msg.ExchangeID, err = strconv.Atoi(str("exchange_id")); err != nil {
		return msg, fmt.Errorf("bad exchange_id: %w", err)
	}
	msg.SenderID, _ = strconv.Atoi(str("sender_id"))
	if msg.Timestamp, err = time.Parse(time.RFC3339Nano, str("timestamp")); err != nil {
		return msg, fmt.Errorf("bad timestamp: %w", err)
	}
	if msg.Expires, err = time.Parse(time.RFC3339Nano, str("expires")); err != nil {
		return msg, fmt.Errorf("bad expires: %w", err)
	}
	return msg, nil
}
