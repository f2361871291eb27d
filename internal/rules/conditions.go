package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/monitor"
)

// EvalContext carries everything a condition may inspect: the latest
// snapshot, the tracked process set, and wall-clock context. Conditions
// are pure functions over it.
type EvalContext struct {
	Snapshot    monitor.Snapshot
	HasSnapshot bool
	Processes   []monitor.ProcessRecord
	Now         time.Time
	IdleFor     time.Duration
	// ProcessExists answers case-folded substring name lookups, backed
	// by the sampler's per-tick cache. Nil in contexts without one; the
	// process condition then scans Processes directly.
	ProcessExists func(name string) bool
}

// Condition is a compiled, side-effect-free predicate.
type Condition interface {
	Eval(ctx EvalContext) bool
}

// ConditionTypes lists the supported condition type tags for rule
// authoring UIs.
func ConditionTypes() []string {
	return []string{"process", "time_range", "day_of_week", "idle", "resource", "custom"}
}

// CustomPredicate is an extension-point condition implementation.
type CustomPredicate func(ctx EvalContext) bool

// Registry holds pluggable custom condition and action implementations.
type Registry struct {
	mu         sync.RWMutex
	conditions map[string]CustomPredicate
	actions    map[string]CustomHandler
}

// NewRegistry creates an empty extension registry.
func NewRegistry() *Registry {
	return &Registry{
		conditions: make(map[string]CustomPredicate),
		actions:    make(map[string]CustomHandler),
	}
}

// RegisterCondition installs a custom predicate under an id.
func (r *Registry) RegisterCondition(id string, fn CustomPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[id] = fn
}

// RegisterAction installs a custom action handler under an id.
func (r *Registry) RegisterAction(id string, fn CustomHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[id] = fn
}

func (r *Registry) condition(id string) (CustomPredicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.conditions[id]
	return fn, ok
}

func (r *Registry) action(id string) (CustomHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[id]
	return fn, ok
}

// CompileCondition turns a raw declaration into a typed condition,
// rejecting unknown types and malformed parameters at registration time.
func CompileCondition(cfg config.ConditionConfig, reg *Registry) (Condition, error) {
	switch cfg.Type {
	case "process":
		return compileProcessCondition(cfg.Params)
	case "time_range":
		return compileTimeRangeCondition(cfg.Params)
	case "day_of_week":
		return compileDayOfWeekCondition(cfg.Params)
	case "idle":
		return compileIdleCondition(cfg.Params)
	case "resource":
		return compileResourceCondition(cfg.Params)
	case "custom":
		return compileCustomCondition(cfg.Params, reg)
	default:
		return nil, fmt.Errorf("unsupported condition type %q", cfg.Type)
	}
}

type matchMode int

const (
	matchExact matchMode = iota
	matchContains
	matchRegex
)

type processCondition struct {
	names         []string
	regexes       []*regexp.Regexp
	tags          []string
	mode          matchMode
	caseSensitive bool
	requireAll    bool
}

func compileProcessCondition(params map[string]any) (Condition, error) {
	names, err := stringListFrom(params, "names")
	if err != nil {
		return nil, err
	}
	if single, err := stringFrom(params, "name"); err != nil {
		return nil, err
	} else if single != "" {
		names = append(names, single)
	}
	tags, err := stringListFrom(params, "tags")
	if err != nil {
		return nil, err
	}
	known := monitor.TagNames()
	for i, tag := range tags {
		tags[i] = strings.ToLower(tag)
		found := false
		for _, k := range known {
			if k == tags[i] {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown process tag %q, known tags: %s", tag, strings.Join(known, ", "))
		}
	}
	if len(names) == 0 && len(tags) == 0 {
		return nil, fmt.Errorf("process condition requires name, names, or tags")
	}

	modeName, err := stringFrom(params, "match")
	if err != nil {
		return nil, err
	}
	var mode matchMode
	switch modeName {
	case "", "exact":
		mode = matchExact
	case "contains":
		mode = matchContains
	case "regex":
		mode = matchRegex
	default:
		return nil, fmt.Errorf("match must be exact, contains, or regex, got %q", modeName)
	}

	caseSensitive, err := boolFrom(params, "caseSensitive", false)
	if err != nil {
		return nil, err
	}
	requireAll, err := boolFrom(params, "all", false)
	if err != nil {
		return nil, err
	}

	cond := &processCondition{tags: tags, mode: mode, caseSensitive: caseSensitive, requireAll: requireAll}
	for _, name := range names {
		if mode == matchRegex {
			pattern := name
			if !caseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("compile process pattern %q: %w", name, err)
			}
			cond.regexes = append(cond.regexes, re)
			continue
		}
		if !caseSensitive {
			name = strings.ToLower(name)
		}
		cond.names = append(cond.names, name)
	}
	return cond, nil
}

func (c *processCondition) Eval(ctx EvalContext) bool {
	total := len(c.names) + len(c.regexes) + len(c.tags)
	matched := 0
	for _, name := range c.names {
		// Case-folded substring lookups go through the sampler's cached
		// existence check when one is wired in.
		if c.mode == matchContains && !c.caseSensitive && ctx.ProcessExists != nil {
			if ctx.ProcessExists(name) {
				matched++
			}
			continue
		}
		if c.anyProcess(ctx, func(proc string) bool {
			if !c.caseSensitive {
				proc = strings.ToLower(proc)
			}
			if c.mode == matchContains {
				return strings.Contains(proc, name)
			}
			return proc == name
		}) {
			matched++
		}
	}
	for _, re := range c.regexes {
		if c.anyProcess(ctx, re.MatchString) {
			matched++
		}
	}
	for _, tag := range c.tags {
		for _, rec := range ctx.Processes {
			if rec.HasTag(tag) {
				matched++
				break
			}
		}
	}
	if c.requireAll {
		return matched == total
	}
	return matched > 0
}

func (c *processCondition) anyProcess(ctx EvalContext, match func(string) bool) bool {
	for _, rec := range ctx.Processes {
		if match(rec.Name) {
			return true
		}
	}
	return false
}

type timeRangeCondition struct {
	startMin int
	endMin   int
}

func compileTimeRangeCondition(params map[string]any) (Condition, error) {
	start, err := stringFrom(params, "start")
	if err != nil {
		return nil, err
	}
	end, err := stringFrom(params, "end")
	if err != nil {
		return nil, err
	}
	startMin, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("time_range start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("time_range end: %w", err)
	}
	return &timeRangeCondition{startMin: startMin, endMin: endMin}, nil
}

func (c *timeRangeCondition) Eval(ctx EvalContext) bool {
	now := ctx.Now.Hour()*60 + ctx.Now.Minute()
	if c.startMin > c.endMin {
		// Range wraps midnight.
		return now >= c.startMin || now <= c.endMin
	}
	return now >= c.startMin && now <= c.endMin
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected hour:minute, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

type dayOfWeekCondition struct {
	days map[time.Weekday]struct{}
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func compileDayOfWeekCondition(params map[string]any) (Condition, error) {
	raw, ok := params["days"]
	if !ok {
		return nil, fmt.Errorf("day_of_week condition requires days")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("days must be a list")
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("days cannot be empty")
	}
	days := make(map[time.Weekday]struct{}, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			day, ok := weekdayNames[strings.ToLower(v)]
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", v)
			}
			days[day] = struct{}{}
		case int:
			if v < 0 || v > 6 {
				return nil, fmt.Errorf("weekday number %d out of range 0..6", v)
			}
			days[time.Weekday(v)] = struct{}{}
		case float64:
			n := int(v)
			if float64(n) != v || n < 0 || n > 6 {
				return nil, fmt.Errorf("weekday number %v out of range 0..6", v)
			}
			days[time.Weekday(n)] = struct{}{}
		default:
			return nil, fmt.Errorf("weekday must be a name or number, got %T", item)
		}
	}
	return &dayOfWeekCondition{days: days}, nil
}

func (c *dayOfWeekCondition) Eval(ctx EvalContext) bool {
	_, ok := c.days[ctx.Now.Weekday()]
	return ok
}

type idleCondition struct {
	threshold time.Duration
}

func compileIdleCondition(params map[string]any) (Condition, error) {
	minutes, err := floatFrom(params, "minutes", 0)
	if err != nil {
		return nil, err
	}
	if minutes <= 0 {
		return nil, fmt.Errorf("idle condition requires positive minutes")
	}
	return &idleCondition{threshold: time.Duration(minutes * float64(time.Minute))}, nil
}

func (c *idleCondition) Eval(ctx EvalContext) bool {
	return ctx.IdleFor >= c.threshold
}

type resourceCondition struct {
	metric    string
	op        string
	threshold float64
}

var comparators = map[string]func(a, b float64) bool{
	"eq":  func(a, b float64) bool { return a == b },
	"neq": func(a, b float64) bool { return a != b },
	"gt":  func(a, b float64) bool { return a > b },
	"gte": func(a, b float64) bool { return a >= b },
	"lt":  func(a, b float64) bool { return a < b },
	"lte": func(a, b float64) bool { return a <= b },
}

func compileResourceCondition(params map[string]any) (Condition, error) {
	metric, err := stringFrom(params, "metric")
	if err != nil {
		return nil, err
	}
	switch metric {
	case "cpu", "memory", "disk":
	default:
		return nil, fmt.Errorf("metric must be cpu, memory, or disk, got %q", metric)
	}
	op, err := stringFrom(params, "op")
	if err != nil {
		return nil, err
	}
	if op == "" {
		op = "gte"
	}
	if _, ok := comparators[op]; !ok {
		return nil, fmt.Errorf("unknown comparator %q", op)
	}
	threshold, err := floatFrom(params, "threshold", -1)
	if err != nil {
		return nil, err
	}
	if threshold < 0 {
		return nil, fmt.Errorf("resource condition requires threshold")
	}
	return &resourceCondition{metric: metric, op: op, threshold: threshold}, nil
}

func (c *resourceCondition) Eval(ctx EvalContext) bool {
	if !ctx.HasSnapshot {
		return false
	}
	var value float64
	switch c.metric {
	case "cpu":
		value = ctx.Snapshot.CPUPercent
	case "memory":
		value = ctx.Snapshot.MemoryPercent
	case "disk":
		value = ctx.Snapshot.DiskPercent
	}
	return comparators[c.op](value, c.threshold)
}

type customCondition struct {
	id       string
	registry *Registry
	fallback bool
}

func compileCustomCondition(params map[string]any, reg *Registry) (Condition, error) {
	id, err := stringFrom(params, "id")
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("custom condition requires id")
	}
	fallback, err := boolFrom(params, "default", false)
	if err != nil {
		return nil, err
	}
	return &customCondition{id: id, registry: reg, fallback: fallback}, nil
}

func (c *customCondition) Eval(ctx EvalContext) bool {
	if c.registry != nil {
		if fn, ok := c.registry.condition(c.id); ok {
			return fn(ctx)
		}
	}
	return c.fallback
}
