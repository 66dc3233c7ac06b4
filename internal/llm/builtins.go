package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// UserStore is the slice of the session store the update_userinfo tool
// needs.
type UserStore interface {
	PutUser(ctx context.Context, userID, characterID, userName, relation string) error
}

// MemorySearcher is the slice of the memory recorder the
// retrieve_memory tool needs.
type MemorySearcher interface {
	Search(ctx context.Context, userID, query string, limit int) ([]string, error)
}

// DatetimeTool reports the current wall-clock time so the model can
// answer time-sensitive questions.
func DatetimeTool(clock func() time.Time) Tool {
	if clock == nil {
		clock = time.Now
	}
	return Tool{
		Name:        "get_current_datetime",
		Description: "Get the current date and time. Call this when the user asks about the current time, date, or day of week.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		Execute: func(ctx context.Context, args json.RawMessage, meta map[string]any) (map[string]any, error) {
			now := clock()
			return map[string]any{
				"datetime": now.Format(time.RFC3339),
				"weekday":  now.Weekday().String(),
			}, nil
		},
	}
}

// UserInfoTool lets the model record the user's name and how they
// relate to the active character.
func UserInfoTool(store UserStore) Tool {
	return Tool{
		Name:        "update_userinfo",
		Description: "Save the user's name or their relationship to you when they tell you. Call this whenever the user introduces themselves or describes your relationship.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"user_name":{"type":"string","description":"The user's name"},
			"relation":{"type":"string","description":"The user's relationship to the character"}
		}}`),
		Execute: func(ctx context.Context, args json.RawMessage, meta map[string]any) (map[string]any, error) {
			var params struct {
				UserName string `json:"user_name"`
				Relation string `json:"relation"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			userID, _ := meta["user_id"].(string)
			characterID, _ := meta["character_id"].(string)
			if userID == "" {
				return nil, fmt.Errorf("no user bound to this session")
			}
			if err := store.PutUser(ctx, userID, characterID, params.UserName, params.Relation); err != nil {
				return nil, err
			}
			return map[string]any{"saved": true}, nil
		},
	}
}

// MemoryTool lets the model look up earlier exchanges with the same
// user.
func MemoryTool(searcher MemorySearcher) Tool {
	return Tool{
		Name:        "retrieve_memory",
		Description: "Search past conversations with this user. Call this when the user refers to something discussed before.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"query":{"type":"string","description":"Keywords to search for"}
		},"required":["query"]}`),
		Execute: func(ctx context.Context, args json.RawMessage, meta map[string]any) (map[string]any, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			userID, _ := meta["user_id"].(string)
			if userID == "" {
				return nil, fmt.Errorf("no user bound to this session")
			}
			results, err := searcher.Search(ctx, userID, params.Query, 5)
			if err != nil {
				return nil, err
			}
			return map[string]any{"results": results}, nil
		},
	}
}
