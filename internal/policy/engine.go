// Package policy decides whether a generated research plan may proceed
// without a human reviewer. Unattended (batch) runs resolve the approval
// gate through this engine; attended runs may use it as a pre-check.
package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/metrics"
)

const decisionQuery = "data.quarry.plan.decision"

// Engine is the policy evaluation interface.
type Engine interface {
	Evaluate(ctx context.Context, input *PlanInput) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	Mode() Mode
}

// PlanInput is the evaluation context for one generated plan.
type PlanInput struct {
	RunID            string  `json:"run_id"`
	Question         string  `json:"question"`
	Title            string  `json:"title"`
	SubQuestionCount int     `json:"sub_question_count"`
	StopRules        string  `json:"stop_rules"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Environment      string  `json:"environment"`
	Mode             string  `json:"mode"` // service, batch
}

// Decision is the policy verdict for a plan.
type Decision struct {
	Allow           bool   `json:"allow"`
	Reason          string `json:"reason,omitempty"`
	RequireApproval bool   `json:"require_approval,omitempty"`
}

// OPAEngine implements Engine with compiled rego policies.
type OPAEngine struct {
	config *Config
	logger *zap.Logger
	cache  *decisionCache

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool
}

// NewOPAEngine creates a policy engine and compiles the configured
// policies. In fail-open mode a load failure disables the engine instead
// of failing construction.
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.Normalize()

	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all .rego files under the configured
// directory. Safe to call again on policy file changes.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)

	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}

		relPath, _ := filepath.Rel(e.config.Path, path)
		moduleName := strings.TrimSuffix(relPath, ".rego")
		policies[moduleName] = string(content)

		e.logger.Debug("Loaded policy file",
			zap.String("path", path),
			zap.String("module", moduleName),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){rego.Query(decisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.enabled = true
	e.mu.Unlock()

	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery),
	)
	return nil
}

// Evaluate evaluates the plan against the loaded policies.
func (e *OPAEngine) Evaluate(ctx context.Context, input *PlanInput) (*Decision, error) {
	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
	}

	e.mu.RLock()
	compiled := e.compiled
	enabled := e.enabled
	e.mu.RUnlock()

	if !enabled || compiled == nil {
		return defaultDecision, nil
	}

	if input.Environment == "" {
		input.Environment = e.config.Environment
	}

	if d, ok := e.cache.Get(input); ok {
		metrics.PolicyCacheHits.WithLabelValues(string(e.config.Mode)).Inc()
		return d, nil
	}
	metrics.PolicyCacheMisses.WithLabelValues(string(e.config.Mode)).Inc()

	inputMap, err := inputToMap(input)
	if err != nil {
		e.logger.Error("Failed to convert plan input", zap.Error(err))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := parseResults(results)
	decision = e.applyMode(decision)

	decisionLabel := "allow"
	if !decision.Allow {
		decisionLabel = "deny"
	}
	metrics.PolicyDecisions.WithLabelValues(decisionLabel, string(e.config.Mode)).Inc()

	e.logger.Debug("Plan policy evaluated",
		zap.String("run_id", input.RunID),
		zap.Bool("allow", decision.Allow),
		zap.Bool("require_approval", decision.RequireApproval),
		zap.String("reason", decision.Reason),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

// IsEnabled returns whether the engine is enabled and has compiled policies.
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode.
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func inputToMap(input *PlanInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults converts the rego result set into a Decision, accepting
// either a structured decision object or a bare boolean.
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{
		Allow:  false,
		Reason: "no matching policy rules",
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
		if requireApproval, ok := valueMap["require_approval"].(bool); ok {
			decision.RequireApproval = requireApproval
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}

	return decision
}

// applyMode applies the enforcement mode to the raw verdict. Dry-run
// always allows but records what enforcement would have done.
func (e *OPAEngine) applyMode(decision *Decision) *Decision {
	switch e.config.Mode {
	case ModeEnforce:
		return decision

	case ModeDryRun:
		original := *decision
		decision.Allow = true
		decision.RequireApproval = false
		if original.Allow {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", original.Reason)
		} else {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original.Reason)
		}
		e.logger.Info("Dry-run policy evaluation",
			zap.Bool("would_allow", original.Allow),
			zap.String("original_reason", original.Reason),
		)
		return decision

	default:
		decision.Allow = !e.config.FailClosed
		decision.Reason = "policy engine disabled"
		return decision
	}
}

// --- decision cache (LRU with TTL) ---

// Keys combine environment, run mode, sub-question count and a hash of
// the question so re-reviews of the same plan hit the cache while
// distinct plans never collide on short keys.

type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List               // MRU at front
	m    map[string]*list.Element // key -> element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *PlanInput) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Question)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(input.Title))
	qh := h.Sum64()
	return fmt.Sprintf("%s|%s|%d|%t|%x",
		input.Environment, input.Mode, input.SubQuestionCount, input.StopRules != "", qh,
	)
}

func (c *decisionCache) Get(input *PlanInput) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			return ce.decision, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	return nil, false
}

func (c *decisionCache) Set(input *PlanInput, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}
