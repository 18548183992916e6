package server

import (
	"context"
	"encoding/json"
	"fmt"

	"sealed_chat/internal/model"
)

func spoolKey(userID string) string {
	return fmt.Sprintf("spool:%s", userID)
}

// DrainSpool pops every message queued for a user while they were
// offline.
func (s *HttpServer) DrainSpool(ctx context.Context, userID string) ([]*model.Message, error) {
	key := spoolKey(userID)
	vals, err := s.redisService.LRange(ctx, key)
	if err != nil {
		return nil, err
	}
	s.redisService.Del(ctx, key)

	var res []*model.Message
	for _, v := range vals {
		var m model.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, err
		}

		res = append(res, &m)
	}

	return res, nil
}

// SpoolMessages queues messages for an offline user. The bundles inside
// stay opaque.
func (s *HttpServer) SpoolMessages(ctx context.Context, userID string, messages []*model.Message) error {
	var vals []interface{}
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}

	return s.redisService.RPush(ctx, spoolKey(userID), vals...)
}
