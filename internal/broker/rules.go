// rules.go resolves which rate-limit buckets apply to a request.
//
// The broker describes its limits in a loosely-shaped JSON document that has
// changed field names more than once (limit/max/requests, and
// interval/window/period with optional unit suffixes). Parsing is
// best-effort: entries that cannot be understood contribute no rules rather
// than failing the whole document.
package broker

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Bucket key prefixes. A request maps to an ordered list of keys; every
// bucket behind those keys must admit the call before it is dispatched.
const (
	keyGlobal = "global"
)

func routeKey(method, template string) string {
	return "route:" + strings.ToUpper(method) + " " + template
}

func pathKey(template string) string { return "path:" + template }

func routeIDKey(id int64) string { return "routeId:" + strconv.FormatInt(id, 10) }

func accountKey(id string) string { return "account:" + id }

// RateRule is one parsed limit: Limit calls per Interval, optionally scoped
// to a method+path template or a numeric route id. An unscoped rule is
// global.
type RateRule struct {
	Limit        float64
	Interval     time.Duration
	Method       string
	PathTemplate string
	RouteID      int64
	HasRouteID   bool
}

// key derives the bucket key a rule governs.
func (r RateRule) key() string {
	switch {
	case r.HasRouteID:
		return routeIDKey(r.RouteID)
	case r.PathTemplate != "" && r.Method != "":
		return routeKey(r.Method, r.PathTemplate)
	case r.PathTemplate != "":
		return pathKey(r.PathTemplate)
	default:
		return keyGlobal
	}
}

// normalizePathTemplate lowercases a pathname and replaces purely numeric
// segments with a placeholder, so "/Order/12345/fills" and "/order/99/fills"
// share one bucket. The query string is stripped.
func normalizePathTemplate(pathname string) string {
	if i := strings.IndexByte(pathname, '?'); i >= 0 {
		pathname = pathname[:i]
	}
	pathname = strings.ToLower(pathname)
	segs := strings.Split(pathname, "/")
	for i, s := range segs {
		if s == "" {
			continue
		}
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			segs[i] = "{id}"
		}
	}
	return strings.Join(segs, "/")
}

// extractRouteID pulls an explicit numeric route id out of the query string.
// The broker has used a few parameter names for it over time.
func extractRouteID(pathname string) (int64, bool) {
	i := strings.IndexByte(pathname, '?')
	if i < 0 {
		return 0, false
	}
	q, err := url.ParseQuery(pathname[i+1:])
	if err != nil {
		return 0, false
	}
	for _, name := range []string{"routeId", "route_id", "id"} {
		if v := q.Get(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// ruleResolver owns the bucket map. It is mutated only under the client's
// mutex, like the buckets themselves.
type ruleResolver struct {
	rules   map[string]RateRule
	buckets map[string]*TokenBucket
	account string // current account id, "" when unauthenticated
}

func newRuleResolver() *ruleResolver {
	return &ruleResolver{
		rules:   make(map[string]RateRule),
		buckets: make(map[string]*TokenBucket),
	}
}

func (rr *ruleResolver) setAccount(id string) { rr.account = id }

// keysFor returns the ordered bucket keys applicable to a request: global,
// route template, bare path, explicit route id, account. Keys without a
// configured rule still appear: their buckets enforce no token limit but
// must exist so a 429 can block them.
func (rr *ruleResolver) keysFor(method, pathname string) []string {
	template := normalizePathTemplate(pathname)
	keys := make([]string, 0, 5)
	keys = append(keys, keyGlobal)
	keys = append(keys, routeKey(method, template))
	keys = append(keys, pathKey(template))
	if id, ok := extractRouteID(pathname); ok {
		keys = append(keys, routeIDKey(id))
	}
	if rr.account != "" {
		keys = append(keys, accountKey(rr.account))
	}
	return keys
}

// bucketFor returns (lazily creating) the bucket behind a key. Keys with no
// rule get an unlimited bucket that only matters once blocked.
func (rr *ruleResolver) bucketFor(key string) *TokenBucket {
	if b, ok := rr.buckets[key]; ok {
		return b
	}
	rule := rr.rules[key]
	b := newTokenBucket(rule.Limit, rule.Interval)
	rr.buckets[key] = b
	return b
}

// applyRules installs a freshly parsed rule set. Buckets that already exist
// are updated in place (token count clamped) so a config refresh after a
// reconnect does not grant a burst of full buckets. When several rules land
// on the same key, the most restrictive (lowest limit/interval ratio) wins.
func (rr *ruleResolver) applyRules(now time.Time, rules []RateRule) {
	next := make(map[string]RateRule, len(rules))
	for _, r := range rules {
		if r.Limit <= 0 || r.Interval <= 0 {
			continue
		}
		k := r.key()
		if prev, ok := next[k]; ok && rate(prev) <= rate(r) {
			continue
		}
		next[k] = r
	}
	rr.rules = next
	for k, r := range next {
		if b, ok := rr.buckets[k]; ok {
			b.update(now, r.Limit, r.Interval)
		}
	}
	// Buckets whose rule disappeared become unlimited but keep any block.
	for k, b := range rr.buckets {
		if _, ok := next[k]; !ok {
			b.update(now, 0, 0)
		}
	}
}

// rate is calls per millisecond; lower is more restrictive.
func rate(r RateRule) float64 {
	return r.Limit / float64(r.Interval/time.Millisecond)
}

// UpdateRateLimitDoc parses the broker's rate-limit document and installs
// the resulting rules on the client.
func (c *Client) UpdateRateLimitDoc(doc []byte) error {
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return fmt.Errorf("parse rate limit doc: %w", err)
	}
	rules := extractRateRules(root)

	c.mu.Lock()
	c.resolver.applyRules(time.Now(), rules)
	c.mu.Unlock()

	c.logger.Info("rate limit rules updated", "rules", len(rules))
	return nil
}

// extractRateRules walks an arbitrary JSON value collecting anything that
// looks like a rate rule. Unrecognized shapes contribute nothing.
func extractRateRules(v any) []RateRule {
	var out []RateRule
	walkRateDoc(v, &out)
	return out
}

func walkRateDoc(v any, out *[]RateRule) {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			walkRateDoc(item, out)
		}
	case map[string]any:
		if r, ok := ruleFromObject(node); ok {
			*out = append(*out, r)
		}
		for _, child := range node {
			walkRateDoc(child, out)
		}
	}
}

var (
	limitFields    = []string{"limit", "max", "requests", "rate"}
	intervalFields = []string{"interval", "window", "period", "per"}
)

func ruleFromObject(obj map[string]any) (RateRule, bool) {
	limit, ok := numberField(obj, limitFields)
	if !ok || limit <= 0 {
		return RateRule{}, false
	}
	interval, ok := durationField(obj, intervalFields)
	if !ok || interval <= 0 {
		return RateRule{}, false
	}

	r := RateRule{Limit: limit, Interval: interval}
	if m, ok := stringField(obj, "method", "verb"); ok {
		r.Method = strings.ToUpper(strings.TrimSpace(m))
	}
	if p, ok := stringField(obj, "path", "template", "route", "endpoint"); ok {
		r.PathTemplate = normalizePathTemplate(p)
	}
	if id, ok := numberField(obj, []string{"routeId", "route_id"}); ok {
		r.RouteID = int64(id)
		r.HasRouteID = true
	}
	return r, true
}

func numberField(obj map[string]any, names []string) (float64, bool) {
	for _, name := range names {
		v, ok := lookupField(obj, name)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// durationField reads an interval. Bare numbers are milliseconds; strings
// may carry a unit suffix ("10s", "1m", "500ms") or a bare number.
func durationField(obj map[string]any, names []string) (time.Duration, bool) {
	for _, name := range names {
		v, ok := lookupField(obj, name)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return time.Duration(n) * time.Millisecond, true
		case string:
			s := strings.TrimSpace(strings.ToLower(n))
			if s == "" {
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(f) * time.Millisecond, true
			}
			if d, err := time.ParseDuration(s); err == nil {
				return d, true
			}
		}
	}
	return 0, false
}

func stringField(obj map[string]any, names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := lookupField(obj, name); ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// lookupField is case-insensitive on the first letter variants the broker
// has shipped (limit vs Limit).
func lookupField(obj map[string]any, name string) (any, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}
