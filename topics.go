package pusudb

import (
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// WildcardMarker marks a multi-level wildcard in a subscribed topic.
const WildcardMarker = "#"

type tokenSet map[Token]struct{}

type wildcard struct {
	matcher glob.Glob
	tokens  tokenSet
}

// target is one resolved delivery: the transport and the topic or pattern it
// was matched through.
type target struct {
	transport Transport
	topic     string
	wildcard  bool
}

// TopicIndex holds the exact and wildcard subscriptions. Every subscription
// it stores is counted in the Registry. Its lock is always taken before the
// Registry's.
type TopicIndex struct {
	mutex     sync.RWMutex
	exact     map[string]tokenSet
	wildcards map[string]*wildcard
	registry  *Registry
	log       *zap.Logger
}

// NewTopicIndex returns an empty TopicIndex counting subscriptions in registry.
func NewTopicIndex(registry *Registry, log *zap.Logger) *TopicIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &TopicIndex{
		exact:     make(map[string]tokenSet),
		wildcards: make(map[string]*wildcard),
		registry:  registry,
		log:       log,
	}
}

// IsWildcard reports whether topic contains the wildcard marker.
func IsWildcard(topic string) bool {
	return strings.Contains(topic, WildcardMarker)
}

// wildcardPattern translates a subscribed topic into glob syntax: every
// marker becomes `*` and everything else is matched literally.
func wildcardPattern(topic string) string {
	parts := strings.Split(topic, WildcardMarker)
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	return strings.Join(parts, "*")
}

// Subscribe registers conn for topic. It reports false when conn was
// already subscribed or has closed.
func (ti *TopicIndex) Subscribe(topic string, conn Transport) bool {
	token := conn.Token()

	ti.mutex.Lock()
	defer ti.mutex.Unlock()

	// A transport marks itself inactive before its close handlers reach
	// Destroy, which waits on this lock.
	if !conn.IsActive() {
		ti.log.Debug("not subscribing a closed connection", zap.String("topic", topic), zap.String("token", string(token)))
		return false
	}

	var tokens tokenSet
	if IsWildcard(topic) {
		pattern := wildcardPattern(topic)
		entry, ok := ti.wildcards[pattern]
		if !ok {
			matcher, err := glob.Compile(pattern)
			if err != nil {
				ti.log.Warn("invalid wildcard topic", zap.String("topic", topic), zap.Error(err))
				return false
			}
			entry = &wildcard{matcher: matcher, tokens: make(tokenSet)}
			ti.wildcards[pattern] = entry
		}
		tokens = entry.tokens
	} else {
		if _, ok := ti.exact[topic]; !ok {
			ti.exact[topic] = make(tokenSet)
		}
		tokens = ti.exact[topic]
	}

	if _, ok := tokens[token]; ok {
		ti.log.Debug("already subscribed", zap.String("topic", topic), zap.String("token", string(token)))
		return false
	}
	tokens[token] = struct{}{}
	ti.registry.acquire(conn)

	return true
}

// Unsubscribe removes token from topic. It reports false when there was
// nothing to remove.
func (ti *TopicIndex) Unsubscribe(topic string, token Token) bool {
	ti.mutex.Lock()
	defer ti.mutex.Unlock()

	if IsWildcard(topic) {
		return ti.removePattern(wildcardPattern(topic), token)
	}
	return ti.removeExact(topic, token)
}

func (ti *TopicIndex) unsubscribeTarget(t target) bool {
	ti.mutex.Lock()
	defer ti.mutex.Unlock()

	if t.wildcard {
		return ti.removePattern(t.topic, t.transport.Token())
	}
	return ti.removeExact(t.topic, t.transport.Token())
}

func (ti *TopicIndex) removeExact(topic string, token Token) bool {
	tokens, ok := ti.exact[topic]
	if !ok {
		ti.log.Debug("unsubscribe from unknown topic", zap.String("topic", topic), zap.String("token", string(token)))
		return false
	}
	if _, ok := tokens[token]; !ok {
		ti.log.Debug("unsubscribe of unknown token", zap.String("topic", topic), zap.String("token", string(token)))
		return false
	}
	delete(tokens, token)
	if len(tokens) == 0 {
		delete(ti.exact, topic)
	}
	ti.registry.release(token)

	return true
}

func (ti *TopicIndex) removePattern(pattern string, token Token) bool {
	entry, ok := ti.wildcards[pattern]
	if !ok {
		ti.log.Debug("unsubscribe from unknown pattern", zap.String("pattern", pattern), zap.String("token", string(token)))
		return false
	}
	if _, ok := entry.tokens[token]; !ok {
		ti.log.Debug("unsubscribe of unknown token", zap.String("pattern", pattern), zap.String("token", string(token)))
		return false
	}
	delete(entry.tokens, token)
	if len(entry.tokens) == 0 {
		delete(ti.wildcards, pattern)
	}
	ti.registry.release(token)

	return true
}

// UnsubscribeAll drops every subscriber of topic and returns how many were
// removed.
func (ti *TopicIndex) UnsubscribeAll(topic string) int {
	ti.mutex.Lock()
	defer ti.mutex.Unlock()

	var tokens tokenSet
	if IsWildcard(topic) {
		pattern := wildcardPattern(topic)
		if entry, ok := ti.wildcards[pattern]; ok {
			tokens = entry.tokens
			delete(ti.wildcards, pattern)
		}
	} else {
		tokens = ti.exact[topic]
		delete(ti.exact, topic)
	}

	for token := range tokens {
		ti.registry.release(token)
	}
	return len(tokens)
}

// Destroy removes token from every topic and pattern and evicts it from the
// Registry whatever its count. It returns the number of subscriptions dropped.
func (ti *TopicIndex) Destroy(token Token) int {
	ti.mutex.Lock()
	defer ti.mutex.Unlock()

	removed := 0
	for topic, tokens := range ti.exact {
		if _, ok := tokens[token]; !ok {
			continue
		}
		delete(tokens, token)
		removed++
		if len(tokens) == 0 {
			delete(ti.exact, topic)
		}
	}
	for pattern, entry := range ti.wildcards {
		if _, ok := entry.tokens[token]; !ok {
			continue
		}
		delete(entry.tokens, token)
		removed++
		if len(entry.tokens) == 0 {
			delete(ti.wildcards, pattern)
		}
	}
	ti.registry.evict(token)

	if removed > 0 {
		ti.log.Debug("connection destroyed", zap.String("token", string(token)), zap.Int("subscriptions", removed))
	}
	return removed
}

// HasWildcards reports whether any wildcard subscription exists.
func (ti *TopicIndex) HasWildcards() bool {
	ti.mutex.RLock()
	defer ti.mutex.RUnlock()

	return len(ti.wildcards) > 0
}

// Subscribers returns the sorted tokens subscribed to topic, which may be a
// wildcard topic.
func (ti *TopicIndex) Subscribers(topic string) []Token {
	ti.mutex.RLock()
	defer ti.mutex.RUnlock()

	var tokens tokenSet
	if IsWildcard(topic) {
		if entry, ok := ti.wildcards[wildcardPattern(topic)]; ok {
			tokens = entry.tokens
		}
	} else {
		tokens = ti.exact[topic]
	}

	result := make([]Token, 0, len(tokens))
	for token := range tokens {
		result = append(result, token)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })

	return result
}

// targets snapshots the transports subscribed to topic. Wildcards are only
// scanned when at least one exists.
func (ti *TopicIndex) targets(topic string) (exact []target, wildcards []target) {
	ti.mutex.RLock()
	defer ti.mutex.RUnlock()

	for token := range ti.exact[topic] {
		if conn, ok := ti.registry.Get(token); ok {
			exact = append(exact, target{transport: conn, topic: topic})
		}
	}
	if len(ti.wildcards) == 0 {
		return exact, nil
	}
	for pattern, entry := range ti.wildcards {
		if !entry.matcher.Match(topic) {
			continue
		}
		for token := range entry.tokens {
			if conn, ok := ti.registry.Get(token); ok {
				wildcards = append(wildcards, target{transport: conn, topic: pattern, wildcard: true})
			}
		}
	}
	return exact, wildcards
}
