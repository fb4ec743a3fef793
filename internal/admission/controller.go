package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/internal/store"
	"github.com/meshguard/meshguard/pkg/config"
	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
	"github.com/meshguard/meshguard/pkg/metrics"
)

const (
	burstWindow     = time.Second
	sustainedWindow = time.Minute
	hourlyWindow    = time.Hour

	// queuedRetryHint is the retry interval suggested to callers whose
	// request was parked on the priority queue
	queuedRetryHint = 30 * time.Second

	// drainBatchSize caps how many queued entries a single drain pass
	// releases per service
	drainBatchSize = 10

	// alertInterval throttles budget alerts per service and tier
	alertInterval = time.Hour

	// savingsUtilizationThreshold is the budget utilization percentage
	// above which a savings opportunity is recorded
	savingsUtilizationThreshold = 80.0
)

type serviceState struct {
	limits ServiceLimits
	rate   RateLimitState
	cost   CostTrackingData
	queue  []QueueEntry
}

// Controller enforces burst, sustained, and daily rate limits plus budget
// ceilings for every logical service, queuing high-priority overflow instead
// of rejecting it outright.
type Controller struct {
	mu       sync.Mutex
	services map[string]*serviceState

	defaults  config.AdmissionConfig
	bus       *events.Bus
	logger    *logging.Logger
	metrics   *metrics.Metrics
	snapshots *store.Snapshots

	// lastAlert throttles budget alerts, keyed by service|tier
	lastAlert map[string]time.Time

	now func() time.Time
}

// NewController creates an admission controller with the given per-service
// defaults
func NewController(defaults config.AdmissionConfig, bus *events.Bus, logger *logging.Logger, m *metrics.Metrics, snaps *store.Snapshots) *Controller {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Controller{
		services:  make(map[string]*serviceState),
		defaults:  defaults,
		bus:       bus,
		logger:    logger,
		metrics:   m,
		snapshots: snaps,
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetServiceLimits installs or replaces the limits for a logical service.
// Counters and cost accumulators for an already-known service are preserved.
func (c *Controller) SetServiceLimits(limits ServiceLimits) error {
	if limits.ServiceName == "" {
		return errors.NewConfigurationError("service limits require a service name")
	}
	if limits.BurstLimit <= 0 || limits.SustainedLimit <= 0 || limits.DailyLimit <= 0 {
		return errors.NewConfigurationError(fmt.Sprintf("service %s has non-positive rate limits", limits.ServiceName))
	}
	if limits.AlertThresholds == (AlertThresholds{}) {
		limits.AlertThresholds = DefaultAlertThresholds()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.stateLocked(limits.ServiceName)
	state.limits = limits
	return nil
}

// ServiceLimitsFor returns the effective limits for a service
func (c *Controller) ServiceLimitsFor(serviceName string) ServiceLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(serviceName).limits
}

// RateLimitStateFor returns a copy of the current counters for a service
func (c *Controller) RateLimitStateFor(serviceName string) RateLimitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.stateLocked(serviceName)
	c.resetWindowsLocked(state)
	return state.rate
}

// CostTrackingFor returns a copy of the spend accumulators for a service
func (c *Controller) CostTrackingFor(serviceName string) CostTrackingData {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.stateLocked(serviceName)
	c.resetWindowsLocked(state)
	cost := state.cost
	opps := make([]SavingsOpportunity, len(cost.SavingsOpportunities))
	copy(opps, cost.SavingsOpportunities)
	cost.SavingsOpportunities = opps
	return cost
}

// Unblock clears a manual or limit-imposed block on a service
func (c *Controller) Unblock(serviceName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.stateLocked(serviceName)
	state.rate.Blocked = false
	state.rate.BlockReason = ""
	state.rate.BlockedUntil = time.Time{}

	// drop the persisted counters too, so a restart does not rehydrate the
	// block the operator just cleared
	if c.snapshots != nil {
		c.snapshots.Delete(context.Background(), store.PrefixRateLimitState, serviceName)
	}
	c.logger.Info("service unblocked", "service", serviceName)
}

// CheckAdmission decides whether one request for the named service may
// proceed. The check runs window resets, block expiry, daily and sustained
// and burst limits, then budget ceilings, in that order; a fully admitted
// request increments every counter and accrues its cost.
func (c *Controller) CheckAdmission(ctx context.Context, serviceName string, priority Priority) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.stateLocked(serviceName)
	now := c.now()

	// 1. lazily roll over any expired counter windows
	c.resetWindowsLocked(state)

	// 2. honor an active block
	if state.rate.Blocked {
		if now.Before(state.rate.BlockedUntil) {
			return c.denyLocked(ctx, serviceName, state.rate.BlockReason, state.rate.BlockedUntil.Sub(now))
		}
		state.rate.Blocked = false
		state.rate.BlockReason = ""
		state.rate.BlockedUntil = time.Time{}
	}

	// 3. daily ceiling blocks the service until the next midnight
	if state.rate.DailyCount >= state.limits.DailyLimit {
		until := nextMidnight(now)
		state.rate.Blocked = true
		state.rate.BlockReason = "daily rate limit exceeded"
		state.rate.BlockedUntil = until
		return c.denyLocked(ctx, serviceName, "daily rate limit exceeded", until.Sub(now))
	}

	// 4. sustained ceiling queues high and critical traffic, sheds the rest
	if state.rate.SustainedCount >= state.limits.SustainedLimit {
		if priority == PriorityHigh || priority == PriorityCritical {
			position := c.enqueueLocked(state, priority, now)
			decision := Decision{
				Allowed:       false,
				Reason:        "sustained rate limit exceeded, request queued",
				RetryAfter:    queuedRetryHint,
				QueuePosition: position,
			}
			c.recordDecisionLocked(ctx, serviceName, decision)
			return decision
		}
		return c.denyLocked(ctx, serviceName, "sustained rate limit exceeded", state.rate.SustainedReset.Sub(now))
	}

	// 5. burst ceiling, with a logged override for critical traffic
	if state.rate.BurstCount >= state.limits.BurstLimit {
		if priority != PriorityCritical {
			return c.denyLocked(ctx, serviceName, "burst rate limit exceeded", state.rate.BurstReset.Sub(now))
		}
		c.logger.Warn("burst limit overridden for critical request",
			"service", serviceName,
			"burst_count", state.rate.BurstCount,
			"burst_limit", state.limits.BurstLimit,
		)
	}

	// 6. budget ceiling and tiered utilization alerts
	costPerRequest := state.limits.CostPerRequest
	if state.cost.DailySpend+costPerRequest > state.limits.DailyBudgetLimit {
		c.publishBudgetAlertLocked(ctx, state, TierEmergency, "daily budget limit exceeded")
		return c.denyLocked(ctx, serviceName, "daily budget limit exceeded", nextMidnight(now).Sub(now))
	}
	if tier, crossed := c.utilizationTierLocked(state, costPerRequest); crossed {
		c.publishBudgetAlertLocked(ctx, state, tier, fmt.Sprintf("monthly budget utilization crossed %s threshold", tier))
	}

	// 7. admit: bump every counter and accrue the request cost
	state.rate.BurstCount++
	state.rate.SustainedCount++
	state.rate.DailyCount++
	c.accrueCostLocked(state, now)

	decision := Decision{Allowed: true}
	c.recordDecisionLocked(ctx, serviceName, decision)
	return decision
}

// ProcessQueue releases queued requests on services whose sustained window
// has recovered below half capacity. It returns the released entries keyed
// by service so the caller can resume them.
func (c *Controller) ProcessQueue(ctx context.Context) map[string][]QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	released := make(map[string][]QueueEntry)
	for serviceName, state := range c.services {
		if len(state.queue) == 0 {
			continue
		}
		c.resetWindowsLocked(state)
		if state.rate.SustainedCount >= state.limits.SustainedLimit/2 {
			continue
		}

		n := drainBatchSize
		if n > len(state.queue) {
			n = len(state.queue)
		}
		batch := state.queue[:n]
		state.queue = append([]QueueEntry(nil), state.queue[n:]...)
		released[serviceName] = batch

		ids := make([]string, len(batch))
		for i, entry := range batch {
			ids[i] = entry.ID
		}
		if c.bus != nil {
			c.bus.Publish(events.TypeQueueReleased, serviceName, "", map[string]interface{}{
				"released": len(batch),
				"entries":  ids,
			})
		}
		c.logger.Info("released queued requests",
			"service", serviceName,
			"released", len(batch),
			"remaining", len(state.queue),
		)
		if c.metrics != nil && c.metrics.QueueDepth != nil {
			c.metrics.QueueDepth.WithLabelValues(serviceName).Set(float64(len(state.queue)))
		}
	}
	return released
}

// QueueDepth reports the number of waiting entries for a service
func (c *Controller) QueueDepth(serviceName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stateLocked(serviceName).queue)
}

// Start runs the periodic queue drain until the context is cancelled
func (c *Controller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ProcessQueue(ctx)
		}
	}
}

func (c *Controller) stateLocked(serviceName string) *serviceState {
	state, ok := c.services[serviceName]
	if ok {
		return state
	}
	now := c.now()
	state = &serviceState{
		limits: ServiceLimits{
			ServiceName:      serviceName,
			BurstLimit:       c.defaults.DefaultBurstLimit,
			SustainedLimit:   c.defaults.DefaultSustainedLimit,
			DailyLimit:       c.defaults.DefaultDailyLimit,
			MonthlyBudget:    c.defaults.DefaultMonthlyBudget,
			DailyBudgetLimit: c.defaults.DefaultDailyBudget,
			CostPerRequest:   c.defaults.DefaultCostPerRequest,
			AlertThresholds:  DefaultAlertThresholds(),
		},
		rate: RateLimitState{
			ServiceName:    serviceName,
			BurstReset:     now.Add(burstWindow),
			SustainedReset: now.Add(sustainedWindow),
			DailyReset:     nextMidnight(now),
		},
		cost: CostTrackingData{
			ServiceName:  serviceName,
			HourlyReset:  now.Add(hourlyWindow),
			DailyReset:   nextMidnight(now),
			MonthlyReset: nextMonthStart(now),
		},
	}
	c.services[serviceName] = state
	return state
}

// resetWindowsLocked zeroes any counter or spend accumulator whose window has
// elapsed and advances the reset time by exactly one window length from now
func (c *Controller) resetWindowsLocked(state *serviceState) {
	now := c.now()
	if !now.Before(state.rate.BurstReset) {
		state.rate.BurstCount = 0
		state.rate.BurstReset = now.Add(burstWindow)
	}
	if !now.Before(state.rate.SustainedReset) {
		state.rate.SustainedCount = 0
		state.rate.SustainedReset = now.Add(sustainedWindow)
	}
	if !now.Before(state.rate.DailyReset) {
		state.rate.DailyCount = 0
		state.rate.DailyReset = nextMidnight(now)
	}

	if !now.Before(state.cost.HourlyReset) {
		state.cost.HourlySpend = 0
		state.cost.HourlyReset = now.Add(hourlyWindow)
	}
	if !now.Before(state.cost.DailyReset) {
		state.cost.DailySpend = 0
		state.cost.DailyReset = nextMidnight(now)
	}
	if !now.Before(state.cost.MonthlyReset) {
		state.cost.MonthlySpend = 0
		state.cost.RequestCount = 0
		state.cost.AverageCostPerRequest = 0
		state.cost.BudgetUtilization = 0
		state.cost.MonthlyReset = nextMonthStart(now)
	}
}

func (c *Controller) enqueueLocked(state *serviceState, priority Priority, now time.Time) int {
	entry := QueueEntry{
		ID:        uuid.New().String(),
		Timestamp: now,
		Priority:  priority,
	}
	state.queue = append(state.queue, entry)
	// higher priority first, FIFO within a priority; the sort is stable so
	// existing order among equals is preserved
	sort.SliceStable(state.queue, func(i, j int) bool {
		return state.queue[i].Priority.rank() > state.queue[j].Priority.rank()
	})

	position := 0
	for i, queued := range state.queue {
		if queued.ID == entry.ID {
			position = i + 1
			break
		}
	}
	if c.metrics != nil && c.metrics.QueueDepth != nil {
		c.metrics.QueueDepth.WithLabelValues(state.limits.ServiceName).Set(float64(len(state.queue)))
	}
	return position
}

func (c *Controller) accrueCostLocked(state *serviceState, now time.Time) {
	cost := &state.cost
	perRequest := state.limits.CostPerRequest

	cost.RequestCount++
	cost.HourlySpend += perRequest
	cost.DailySpend += perRequest
	cost.MonthlySpend += perRequest
	cost.AverageCostPerRequest = cost.MonthlySpend / float64(cost.RequestCount)
	if state.limits.MonthlyBudget > 0 {
		cost.BudgetUtilization = cost.MonthlySpend / state.limits.MonthlyBudget * 100
	}
	cost.ProjectedMonthlyCost = cost.DailySpend / float64(now.Day()) * 30

	if cost.BudgetUtilization > savingsUtilizationThreshold {
		cost.SavingsOpportunities = append(cost.SavingsOpportunities, SavingsOpportunity{
			Description: fmt.Sprintf("budget utilization at %.1f%%, consider caching or batching calls to %s", cost.BudgetUtilization, state.limits.ServiceName),
			DetectedAt:  now,
		})
	}

	if c.metrics != nil {
		if c.metrics.BudgetUtilization != nil {
			c.metrics.BudgetUtilization.WithLabelValues(state.limits.ServiceName).Set(cost.BudgetUtilization)
		}
		if c.metrics.SpendTotal != nil {
			c.metrics.SpendTotal.WithLabelValues(state.limits.ServiceName).Add(perRequest)
		}
	}
	c.persistLocked(state)
}

// utilizationTierLocked reports the highest alert tier the next request would
// put monthly utilization into, if any
func (c *Controller) utilizationTierLocked(state *serviceState, costPerRequest float64) (AlertTier, bool) {
	if state.limits.MonthlyBudget <= 0 {
		return "", false
	}
	utilization := (state.cost.MonthlySpend + costPerRequest) / state.limits.MonthlyBudget * 100
	thresholds := state.limits.AlertThresholds
	switch {
	case utilization >= thresholds.Emergency:
		return TierEmergency, true
	case utilization >= thresholds.Critical:
		return TierCritical, true
	case utilization >= thresholds.Warning:
		return TierWarning, true
	}
	return "", false
}

// publishBudgetAlertLocked emits a budget alert event at most once per hour
// per service and tier
func (c *Controller) publishBudgetAlertLocked(ctx context.Context, state *serviceState, tier AlertTier, message string) {
	now := c.now()
	key := state.limits.ServiceName + "|" + string(tier)
	if last, ok := c.lastAlert[key]; ok && now.Sub(last) < alertInterval {
		return
	}
	c.lastAlert[key] = now

	c.logger.Warn("budget alert",
		"service", state.limits.ServiceName,
		"tier", string(tier),
		"message", message,
		"monthly_spend", state.cost.MonthlySpend,
	)
	if c.bus != nil {
		c.bus.Publish(events.TypeBudgetAlert, state.limits.ServiceName, "", map[string]interface{}{
			"tier":               string(tier),
			"message":            message,
			"monthly_spend":      state.cost.MonthlySpend,
			"monthly_budget":     state.limits.MonthlyBudget,
			"daily_spend":        state.cost.DailySpend,
			"budget_utilization": state.cost.BudgetUtilization,
		})
	}
}

func (c *Controller) denyLocked(ctx context.Context, serviceName, reason string, retryAfter time.Duration) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	decision := Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
	c.recordDecisionLocked(ctx, serviceName, decision)
	return decision
}

func (c *Controller) recordDecisionLocked(ctx context.Context, serviceName string, decision Decision) {
	if c.metrics != nil {
		outcome := "allowed"
		if !decision.Allowed {
			outcome = "denied"
		}
		c.metrics.RecordAdmission(serviceName, outcome, decision.Reason)
	}
	if !decision.Allowed {
		c.logger.LogAdmissionEvent(ctx, serviceName, false, decision.Reason, logging.Fields{
			"retry_after":    decision.RetryAfter.String(),
			"queue_position": decision.QueuePosition,
		})
	}
}

func (c *Controller) persistLocked(state *serviceState) {
	if c.snapshots == nil {
		return
	}
	c.snapshots.Put(context.Background(), store.PrefixRateLimitState, state.limits.ServiceName, state.rate)
	c.snapshots.Put(context.Background(), store.PrefixCostTracking, state.limits.ServiceName, state.cost)
}

// nextMidnight returns the start of the next calendar day in t's location
func nextMidnight(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

// nextMonthStart returns midnight on the first day of the next calendar
// month in t's location
func nextMonthStart(t time.Time) time.Time {
	year, month, _ := t.Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
}
