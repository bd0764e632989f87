package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/model"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	"github.com/charmbracelet/log"
	goredis "github.com/redis/go-redis/v9"
)

const (
	hotTTL     = 2 * time.Hour
	sessionTTL = 24 * time.Hour
	recentMax  = 1000
)

func init() {
	registryindex.Register(registryindex.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registryindex.KeywordIndex, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis index: FRAGMENT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.WMMaxTokens)
}

// LoadFromURL creates a KeywordIndex from a Redis-compatible URL. Exported so
// tests can point the index at a miniredis instance.
func LoadFromURL(ctx context.Context, redisURL string, wmMaxTokens int) (registryindex.KeywordIndex, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis index: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis index: ping failed: %w", err)
	}
	if wmMaxTokens <= 0 {
		wmMaxTokens = 500
	}
	return &redisIndex{client: client, wmMaxTokens: wmMaxTokens}, nil
}

type redisIndex struct {
	client      *goredis.Client
	wmMaxTokens int
}

func keywordKey(kw string) string   { return "kw:" + strings.ToLower(kw) }
func topicKey(topic string) string  { return "tp:" + strings.ToLower(topic) }
func typeKey(t model.FragmentType) string {
	return "ty:" + string(t)
}
func hotKey(id string) string         { return "hot:" + id }
func workingKey(session string) string { return "wm:" + session }
func sessionKey(session string) string { return "sess:" + session }
func activityKey(session string) string {
	return "activity:" + session
}

func (r *redisIndex) Available() bool {
	return r.client.Ping(context.Background()).Err() == nil
}

// Index registers a fragment in the keyword, topic, type, and recency
// structures, populates the hot cache, and records the fragment against the
// session set when a session id is present.
func (r *redisIndex) Index(ctx context.Context, f *model.Fragment, sessionID string) error {
	pipe := r.client.Pipeline()
	for _, kw := range f.Keywords {
		pipe.SAdd(ctx, keywordKey(kw), f.ID)
	}
	if f.Topic != "" {
		pipe.SAdd(ctx, topicKey(f.Topic), f.ID)
	}
	pipe.SAdd(ctx, typeKey(f.Type), f.ID)
	pipe.ZAdd(ctx, "recent", goredis.Z{Score: float64(f.CreatedAt.Unix()), Member: f.ID})
	pipe.ZRemRangeByRank(ctx, "recent", 0, -(recentMax + 1))
	if sessionID != "" {
		pipe.SAdd(ctx, sessionKey(sessionID), f.ID)
		pipe.Expire(ctx, sessionKey(sessionID), sessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return r.HotSet(ctx, f)
}

// Deindex removes the fragment from every set it was indexed under.
func (r *redisIndex) Deindex(ctx context.Context, id string, keywords []string, topic string, fragmentType model.FragmentType) error {
	pipe := r.client.Pipeline()
	for _, kw := range keywords {
		pipe.SRem(ctx, keywordKey(kw), id)
	}
	if topic != "" {
		pipe.SRem(ctx, topicKey(topic), id)
	}
	pipe.SRem(ctx, typeKey(fragmentType), id)
	pipe.ZRem(ctx, "recent", id)
	pipe.Del(ctx, hotKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisIndex) SearchByKeywords(ctx context.Context, keywords []string, minResults int) ([]string, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	keys := make([]string, len(keywords))
	for i, kw := range keywords {
		keys[i] = keywordKey(kw)
	}
	ids, err := r.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) >= minResults || len(keys) < 2 {
		return ids, nil
	}
	// Too narrow: fall back to the union so partial keyword matches surface.
	return r.client.SUnion(ctx, keys...).Result()
}

func (r *redisIndex) SearchByTopic(ctx context.Context, topic string) ([]string, error) {
	return r.client.SMembers(ctx, topicKey(topic)).Result()
}

func (r *redisIndex) SearchByType(ctx context.Context, fragmentType model.FragmentType) ([]string, error) {
	return r.client.SMembers(ctx, typeKey(fragmentType)).Result()
}

func (r *redisIndex) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.client.ZRevRange(ctx, "recent", 0, int64(limit-1)).Result()
}

func (r *redisIndex) HotGet(ctx context.Context, id string) (*model.Fragment, error) {
	data, err := r.client.Get(ctx, hotKey(id)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f model.Fragment
	if err := json.Unmarshal(data, &f); err != nil {
		// Stale or corrupt payload: drop it rather than failing the read.
		r.client.Del(ctx, hotKey(id))
		return nil, nil
	}
	return &f, nil
}

func (r *redisIndex) HotSet(ctx context.Context, f *model.Fragment) error {
	// Embeddings are large and never needed from the hot cache.
	clone := *f
	clone.Embedding = nil
	data, err := json.Marshal(&clone)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, hotKey(f.ID), data, hotTTL).Err()
}

// PushWorking appends an entry to the session's working memory and evicts
// the oldest entries with importance <= 0.8 while the total token count
// exceeds the ceiling. High-importance entries are never evicted, so the
// queue can run over the ceiling when they dominate.
func (r *redisIndex) PushWorking(ctx context.Context, sessionID string, entry model.WorkingEntry) error {
	entries, err := r.ListWorking(ctx, sessionID)
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	total := 0
	for _, e := range entries {
		total += e.Tokens
	}
	for total > r.wmMaxTokens {
		evicted := false
		for i, e := range entries {
			if e.Importance <= 0.8 {
				total -= e.Tokens
				entries = append(entries[:i], entries[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			break
		}
	}

	key := workingKey(sessionID)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, e := range entries {
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, key, data)
	}
	pipe.Expire(ctx, key, sessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisIndex) ListWorking(ctx context.Context, sessionID string) ([]model.WorkingEntry, error) {
	items, err := r.client.LRange(ctx, workingKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]model.WorkingEntry, 0, len(items))
	for _, item := range items {
		var e model.WorkingEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Warn("skipping malformed working-memory entry", "session", sessionID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *redisIndex) ClearWorking(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, workingKey(sessionID)).Err()
}

func (r *redisIndex) Enqueue(ctx context.Context, queue string, payload []byte) error {
	return r.client.RPush(ctx, "queue:"+queue, payload).Err()
}

func (r *redisIndex) Dequeue(ctx context.Context, queue string) ([]byte, error) {
	data, err := r.client.LPop(ctx, "queue:"+queue).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	return data, err
}

func (r *redisIndex) QueueLen(ctx context.Context, queue string) (int64, error) {
	return r.client.LLen(ctx, "queue:"+queue).Result()
}

// PruneKeywordSets walks all kw:* sets and removes random members from any
// set above maxSetSize until it fits. Returns the number of removed members.
func (r *redisIndex) PruneKeywordSets(ctx context.Context, maxSetSize int64) (int64, error) {
	if maxSetSize <= 0 {
		maxSetSize = 1000
	}
	var removed int64
	iter := r.client.Scan(ctx, 0, "kw:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		size, err := r.client.SCard(ctx, key).Result()
		if err != nil {
			return removed, err
		}
		if size <= maxSetSize {
			continue
		}
		excess := size - maxSetSize
		victims, err := r.client.SRandMemberN(ctx, key, excess).Result()
		if err != nil {
			return removed, err
		}
		if len(victims) == 0 {
			continue
		}
		members := make([]interface{}, len(victims))
		for i, v := range victims {
			members[i] = v
		}
		n, err := r.client.SRem(ctx, key, members...).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (r *redisIndex) GetActivity(ctx context.Context, sessionID string) (*model.SessionActivity, error) {
	data, err := r.client.Get(ctx, activityKey(sessionID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a model.SessionActivity
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *redisIndex) SaveActivity(ctx context.Context, activity *model.SessionActivity) error {
	data, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, activityKey(activity.SessionID), data, sessionTTL).Err()
}

// UnreflectedSessions lists sessions whose activity document has not been
// reflected yet, up to the limit.
func (r *redisIndex) UnreflectedSessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []string
	iter := r.client.Scan(ctx, 0, "activity:*", 100).Iterator()
	for iter.Next(ctx) && len(out) < limit {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var a model.SessionActivity
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		if !a.Reflected {
			out = append(out, a.SessionID)
		}
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (r *redisIndex) GetWatermark(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return val, err
}

func (r *redisIndex) SetWatermark(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

var _ registryindex.KeywordIndex = (*redisIndex)(nil)
