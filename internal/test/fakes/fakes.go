// Package fakes provides in-memory test doubles for the service's
// dependencies. The centerpiece is an in-memory Redis covering the narrow
// command surface the presence registry and the delivery queue consume.
package fakes

import (
	"context"
	"math"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PublishedMessage captures a single Publish call.
type PublishedMessage struct {
	Channel string
	Payload string
}

// Redis is an in-memory stand-in for the go-redis client. It implements the
// sorted-set, hash, and string commands the registry, reconciler, queue
// store, and relay use, with the same edge semantics (empty keys vanish,
// missing hash reads return empty maps, missing Gets return redis.Nil).
//
// Errors can be injected per command name via FailCommand to exercise
// degraded paths.
type Redis struct {
	mu       sync.Mutex
	zsets    map[string]map[string]float64
	hashes   map[string]map[string]string
	strings  map[string]string
	expiries map[string]time.Duration

	published []PublishedMessage
	failures  map[string]error
}

func NewRedis() *Redis {
	return &Redis{
		zsets:    make(map[string]map[string]float64),
		hashes:   make(map[string]map[string]string),
		strings:  make(map[string]string),
		expiries: make(map[string]time.Duration),
		failures: make(map[string]error),
	}
}

// FailCommand makes every subsequent call of the named command (e.g. "ZAdd")
// return err. Pass nil to clear the failure.
func (r *Redis) FailCommand(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, name)
		return
	}
	r.failures[name] = err
}

// Published returns a snapshot of all captured Publish calls.
func (r *Redis) Published() []PublishedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PublishedMessage, len(r.published))
	copy(out, r.published)
	return out
}

// Expiry reports the last TTL set on a key via Expire.
func (r *Redis) Expiry(key string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.expiries[key]
	return d, ok
}

// ZScore reads a member's score directly, for assertions.
func (r *Redis) ZScore(key, member string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	score, ok := r.zsets[key][member]
	return score, ok
}

// SetZScore seeds a sorted-set member directly, for arranging test state.
func (r *Redis) SetZScore(key, member string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.zsets[key] == nil {
		r.zsets[key] = make(map[string]float64)
	}
	r.zsets[key][member] = score
}

// --- Sorted sets ---

func (r *Redis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZAdd"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	set := r.zsets[key]
	if set == nil {
		set = make(map[string]float64)
		r.zsets[key] = set
	}
	var added int64
	for _, m := range members {
		member := memberString(m.Member)
		if _, ok := set[member]; !ok {
			added++
		}
		set[member] = m.Score
	}
	cmd.SetVal(added)
	return cmd
}

func (r *Redis) ZAddGT(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZAddGT"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	set := r.zsets[key]
	if set == nil {
		set = make(map[string]float64)
		r.zsets[key] = set
	}
	var added int64
	for _, m := range members {
		member := memberString(m.Member)
		current, ok := set[member]
		if !ok {
			set[member] = m.Score
			added++
			continue
		}
		if m.Score > current {
			set[member] = m.Score
		}
	}
	cmd.SetVal(added)
	return cmd
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZRem"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	set := r.zsets[key]
	var removed int64
	for _, m := range members {
		member := memberString(m)
		if _, ok := set[member]; ok {
			delete(set, member)
			removed++
		}
	}
	r.dropIfEmpty(key)
	cmd.SetVal(removed)
	return cmd
}

func (r *Redis) ZCount(ctx context.Context, key, min, max string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZCount"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	lo, loExcl := parseBound(min, math.Inf(-1))
	hi, hiExcl := parseBound(max, math.Inf(1))
	var count int64
	for _, score := range r.zsets[key] {
		if inRange(score, lo, hi, loExcl, hiExcl) {
			count++
		}
	}
	cmd.SetVal(count)
	return cmd
}

func (r *Redis) ZCard(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZCard"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal(int64(len(r.zsets[key])))
	return cmd
}

func (r *Redis) ZMScore(ctx context.Context, key string, members ...string) *redis.FloatSliceCmd {
	cmd := redis.NewFloatSliceCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZMScore"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	scores := make([]float64, len(members))
	for i, m := range members {
		scores[i] = r.zsets[key][m]
	}
	cmd.SetVal(scores)
	return cmd
}

func (r *Redis) ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd {
	cmd := redis.NewZSliceCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZPopMin"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	n := int64(1)
	if len(count) > 0 {
		n = count[0]
	}
	sorted := r.sortedAsc(key)
	if int64(len(sorted)) < n {
		n = int64(len(sorted))
	}
	popped := sorted[:n]
	for _, z := range popped {
		delete(r.zsets[key], memberString(z.Member))
	}
	r.dropIfEmpty(key)
	cmd.SetVal(popped)
	return cmd
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZRangeByScore"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	lo, loExcl := parseBound(opt.Min, math.Inf(-1))
	hi, hiExcl := parseBound(opt.Max, math.Inf(1))
	var out []string
	for _, z := range r.sortedAsc(key) {
		if inRange(z.Score, lo, hi, loExcl, hiExcl) {
			out = append(out, memberString(z.Member))
		}
	}
	if opt.Count > 0 && int64(len(out)) > opt.Count {
		out = out[:opt.Count]
	}
	cmd.SetVal(out)
	return cmd
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZRemRangeByScore"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	lo, loExcl := parseBound(min, math.Inf(-1))
	hi, hiExcl := parseBound(max, math.Inf(1))
	set := r.zsets[key]
	var removed int64
	for member, score := range set {
		if inRange(score, lo, hi, loExcl, hiExcl) {
			delete(set, member)
			removed++
		}
	}
	r.dropIfEmpty(key)
	cmd.SetVal(removed)
	return cmd
}

func (r *Redis) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZRemRangeByRank"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	sorted := r.sortedAsc(key)
	n := int64(len(sorted))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	var removed int64
	for i := start; i <= stop && i < n; i++ {
		delete(r.zsets[key], memberString(sorted[i].Member))
		removed++
	}
	r.dropIfEmpty(key)
	cmd.SetVal(removed)
	return cmd
}

func (r *Redis) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd {
	cmd := redis.NewZSliceCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["ZRevRangeWithScores"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	sorted := r.sortedAsc(key)
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	n := int64(len(sorted))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		cmd.SetVal(nil)
		return cmd
	}
	cmd.SetVal(sorted[start : stop+1])
	return cmd
}

// --- Hashes, strings, keys ---

func (r *Redis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["HSet"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	hash := r.hashes[key]
	if hash == nil {
		hash = make(map[string]string)
		r.hashes[key] = hash
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		field := memberString(values[i])
		if _, ok := hash[field]; !ok {
			added++
		}
		hash[field] = memberString(values[i+1])
	}
	cmd.SetVal(added)
	return cmd
}

func (r *Redis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["HGetAll"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	out := make(map[string]string, len(r.hashes[key]))
	for k, v := range r.hashes[key] {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func (r *Redis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["Del"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	var removed int64
	for _, key := range keys {
		if _, ok := r.zsets[key]; ok {
			delete(r.zsets, key)
			removed++
		}
		if _, ok := r.hashes[key]; ok {
			delete(r.hashes, key)
			removed++
		}
		if _, ok := r.strings[key]; ok {
			delete(r.strings, key)
			removed++
		}
	}
	cmd.SetVal(removed)
	return cmd
}

func (r *Redis) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["Expire"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	_, isZ := r.zsets[key]
	_, isH := r.hashes[key]
	_, isS := r.strings[key]
	exists := isZ || isH || isS
	if exists {
		r.expiries[key] = expiration
	}
	cmd.SetVal(exists)
	return cmd
}

func (r *Redis) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["Incr"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	n, _ := strconv.ParseInt(r.strings[key], 10, 64)
	n++
	r.strings[key] = strconv.FormatInt(n, 10)
	cmd.SetVal(n)
	return cmd
}

func (r *Redis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["Get"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	val, ok := r.strings[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(val)
	return cmd
}

func (r *Redis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	cmd := redis.NewScanCmd(ctx, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["Scan"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	// Single-page scans: everything on cursor 0, done.
	if cursor != 0 {
		cmd.SetVal(nil, 0)
		return cmd
	}
	var keys []string
	for key := range r.zsets {
		if ok, _ := path.Match(match, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range r.hashes {
		if ok, _ := path.Match(match, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	cmd.SetVal(keys, 0)
	return cmd
}

func (r *Redis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["Publish"]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	r.published = append(r.published, PublishedMessage{
		Channel: channel,
		Payload: memberString(message),
	})
	cmd.SetVal(1)
	return cmd
}

// Subscribe satisfies the relay's client interface so the fake can stand in
// at construction time. The returned PubSub is inert; subscription loops are
// covered by integration tests against a real store.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return &redis.PubSub{}
}

// --- Private Helpers ---

func (r *Redis) sortedAsc(key string) []redis.Z {
	set := r.zsets[key]
	out := make([]redis.Z, 0, len(set))
	for member, score := range set {
		out = append(out, redis.Z{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return memberString(out[i].Member) < memberString(out[j].Member)
	})
	return out
}

func (r *Redis) dropIfEmpty(key string) {
	if set, ok := r.zsets[key]; ok && len(set) == 0 {
		delete(r.zsets, key)
	}
}

func memberString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func parseBound(bound string, def float64) (val float64, exclusive bool) {
	switch bound {
	case "", "-inf":
		return def, false
	case "+inf":
		return math.Inf(1), false
	}
	if bound[0] == '(' {
		v, _ := strconv.ParseFloat(bound[1:], 64)
		return v, true
	}
	v, _ := strconv.ParseFloat(bound, 64)
	return v, false
}

func inRange(score, lo, hi float64, loExcl, hiExcl bool) bool {
	if loExcl {
		if score <= lo {
			return false
		}
	} else if score < lo {
		return false
	}
	if hiExcl {
		if score >= hi {
			return false
		}
	} else if score > hi {
		return false
	}
	return true
}
