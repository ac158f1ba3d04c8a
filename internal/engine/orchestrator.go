// Package engine runs skip-trace lookups: single subjects through the
// Orchestrator, batches through the Coordinator.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/skiptrace-cli/internal/budget"
	"github.com/sells-group/skiptrace-cli/internal/cost"
	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/internal/normalize"
	"github.com/sells-group/skiptrace-cli/internal/resilience"
	"github.com/sells-group/skiptrace-cli/internal/store"
	"github.com/sells-group/skiptrace-cli/pkg/trestle"
)

// Orchestrator resolves one subject to contacts: normalize, consult the
// cache, clear the budget guardrail, call the provider, write the ledger and
// the cache. Safe for concurrent use.
type Orchestrator struct {
	store    store.Store
	client   trestle.Client
	guard    *budget.Guardrail
	calc     *cost.Calculator
	breaker  *resilience.Breaker
	retry    resilience.Policy
	provider string
	ttl      time.Duration
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Store    store.Store
	Client   trestle.Client
	Guard    *budget.Guardrail
	Calc     *cost.Calculator
	Provider string
	CacheTTL time.Duration
	Retry    resilience.Policy
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	provider := cfg.Provider
	if provider == "" {
		provider = "trestle"
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	retry := cfg.Retry
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = resilience.IsTransient
	}
	return &Orchestrator{
		store:  cfg.Store,
		client: cfg.Client,
		guard:  cfg.Guard,
		calc:   cfg.Calc,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			ShouldTrip: resilience.IsTransient,
		}),
		retry:    retry,
		provider: provider,
		ttl:      ttl,
	}
}

// LookupOptions tune a single resolution.
type LookupOptions struct {
	// Force bypasses the cache read; the response still overwrites the cache.
	Force bool
	// RunID tags ledger and activity rows when the lookup belongs to a run.
	RunID string
	// OnRetry is invoked before each in-process retry of the provider call.
	OnRetry func(attempt int, err error)
}

// LookupResult is the outcome of a resolution.
type LookupResult struct {
	SubjectID      string         `json:"subject_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Contacts       model.Contacts `json:"contacts"`
	FromCache      bool           `json:"from_cache"`
	CostCents      int64          `json:"cost_cents"`
}

// Resolve looks up contacts for a raw subject.
func (o *Orchestrator) Resolve(ctx context.Context, subject model.Subject, opts LookupOptions) (*LookupResult, error) {
	if err := subject.Validate(); err != nil {
		return nil, &CategorizedError{Category: model.ErrorCategoryValidation, Err: err}
	}

	normAddr := normalize.Address(subject.Address)
	normPerson := normalize.Person(subject.Owner)
	key := normalize.IdempotencyKey(o.provider, normAddr, normPerson)

	return o.ResolveNormalized(ctx, subject.ID, normAddr, normPerson, key, opts)
}

// ResolveNormalized looks up contacts for a subject whose identity fields
// were normalized earlier (run items store them at seed time).
func (o *Orchestrator) ResolveNormalized(ctx context.Context, subjectID, normAddr, normPerson, key string, opts LookupOptions) (*LookupResult, error) {
	if normAddr == "" && normPerson == "" {
		return nil, &CategorizedError{Category: model.ErrorCategoryValidation, Err: model.ErrUnusableSubject}
	}

	log := zap.L().With(
		zap.String("provider", o.provider),
		zap.String("subject_id", subjectID),
	)

	req := trestle.ReverseAddressRequest{
		Street: normAddr,
		Name:   normPerson,
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "engine: encode request")
	}
	reqHash := normalize.PayloadHash(reqBody)

	if !opts.Force {
		hit, err := o.cacheLookup(ctx, subjectID, key, reqHash, opts.RunID, log)
		if err != nil {
			return nil, err
		}
		if hit != nil {
			return hit, nil
		}
	}

	estimate := o.calc.LookupCents(o.provider)
	if err := o.guard.CheckAndReserve(ctx, estimate); err != nil {
		if budget.IsExceeded(err) {
			o.recordActivity(ctx, model.ActivityBudgetRejected, subjectID, opts.RunID, budget.ReasonDailyCapExceeded)
			log.Warn("lookup rejected by daily budget cap", zap.Error(err))
			return nil, &CategorizedError{Category: model.ErrorCategoryBudget, Err: err}
		}
		return nil, err
	}

	retry := o.retry
	if opts.OnRetry != nil {
		retry.OnRetry = opts.OnRetry
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*trestle.ReverseAddressResponse, error) {
		return o.callProvider(ctx, subjectID, key, opts.RunID, req, reqBody, reqHash)
	})
	if err != nil {
		return nil, categorize(err)
	}

	contacts := contactsFromResponse(resp)
	costCents := o.callCost(contacts)

	if err := o.store.PutCacheEntry(ctx, model.CacheEntry{
		Provider:       o.provider,
		IdempotencyKey: key,
		PayloadHash:    reqHash,
		ResponseBody:   resp.Raw,
		Contacts:       contacts,
	}, o.ttl); err != nil {
		// The call is already paid for and in the ledger; a cache write
		// failure only costs a future hit.
		log.Warn("cache write failed", zap.Error(err))
	}

	o.recordActivity(ctx, model.ActivityLookup, subjectID, opts.RunID, "")
	log.Info("provider lookup completed",
		zap.Int64("cost_cents", costCents),
		zap.Int("phones", len(contacts.Phones)),
		zap.Int("emails", len(contacts.Emails)),
	)

	return &LookupResult{
		SubjectID:      subjectID,
		IdempotencyKey: key,
		Contacts:       contacts,
		CostCents:      costCents,
	}, nil
}

// cacheLookup returns a result on a valid hit, nil on a miss. The stored
// payload hash is the hash of the request that produced the entry; a key hit
// whose stored hash differs from the current request's hash is treated as a
// miss so the entry gets overwritten by fresh data.
func (o *Orchestrator) cacheLookup(ctx context.Context, subjectID, key, reqHash, runID string, log *zap.Logger) (*LookupResult, error) {
	entry, err := o.store.GetCacheEntry(ctx, o.provider, key)
	if err != nil {
		return nil, eris.Wrap(err, "engine: cache lookup")
	}
	if entry == nil {
		return nil, nil
	}

	if entry.PayloadHash != reqHash {
		log.Warn("cache integrity check failed, forcing fresh lookup",
			zap.String("idempotency_key", key))
		return nil, nil
	}

	if err := o.store.TouchCacheEntry(ctx, o.provider, key); err != nil {
		log.Warn("cache touch failed", zap.Error(err))
	}
	o.recordActivity(ctx, model.ActivityCacheHit, subjectID, runID, "")
	log.Debug("cache hit", zap.String("idempotency_key", key))

	return &LookupResult{
		SubjectID:      subjectID,
		IdempotencyKey: key,
		Contacts:       entry.Contacts,
		FromCache:      true,
	}, nil
}

// callProvider performs one provider attempt and appends its ledger row,
// billable or not. Every attempt, retries included, passes the billable rate
// limiter before it reaches the wire.
func (o *Orchestrator) callProvider(ctx context.Context, subjectID, key, runID string, req trestle.ReverseAddressRequest, reqBody []byte, reqHash string) (*trestle.ReverseAddressResponse, error) {
	if err := o.guard.WaitBillable(ctx); err != nil {
		return nil, err
	}

	resp, err := resilience.Execute(ctx, o.breaker, func(ctx context.Context) (*trestle.ReverseAddressResponse, error) {
		r, callErr := o.client.ReverseAddress(ctx, req)
		return r, mapProviderError(callErr)
	})

	rec := model.ProviderCallRecord{
		Provider:       o.provider,
		Endpoint:       trestle.ReverseAddressEndpoint,
		SubjectID:      subjectID,
		IdempotencyKey: key,
		RunID:          runID,
		RequestBody:    reqBody,
		PayloadHash:    reqHash,
	}
	if err != nil {
		rec.ErrorText = err.Error()
		var apiErr *trestle.APIError
		if eris.As(err, &apiErr) {
			rec.StatusCode = apiErr.StatusCode
		}
	} else {
		rec.StatusCode = resp.StatusCode
		rec.ResponseMs = resp.LatencyMs
		rec.ResponseBody = resp.Raw
		rec.CostCents = o.callCost(contactsFromResponse(resp))
	}
	if recErr := o.store.RecordCall(ctx, rec); recErr != nil {
		// Losing a ledger row undercounts spend, never overcounts it. Loud
		// log, but the lookup result stands.
		zap.L().Error("ledger write failed", zap.Error(recErr), zap.String("subject_id", subjectID))
	}

	return resp, err
}

func (o *Orchestrator) callCost(contacts model.Contacts) int64 {
	if contacts.Empty() {
		return o.calc.NoHitCents(o.provider)
	}
	return o.calc.LookupCents(o.provider)
}

func (o *Orchestrator) recordActivity(ctx context.Context, kind model.ActivityKind, subjectID, runID, detail string) {
	if err := o.store.RecordActivity(ctx, model.ActivityRecord{
		Kind:      kind,
		Provider:  o.provider,
		SubjectID: subjectID,
		RunID:     runID,
		Detail:    detail,
	}); err != nil {
		zap.L().Warn("activity write failed", zap.Error(err), zap.String("kind", string(kind)))
	}
}

// contactsFromResponse flattens provider residents into the domain shape.
func contactsFromResponse(resp *trestle.ReverseAddressResponse) model.Contacts {
	var c model.Contacts
	for _, res := range resp.Residents {
		for _, p := range res.Phones {
			if p.IsValid != nil && !*p.IsValid {
				continue
			}
			c.Phones = append(c.Phones, model.Phone{
				Number:   p.Number,
				Type:     p.LineType,
				DNC:      p.DoNotCall,
				Score:    p.ContactScore,
				LastSeen: p.LastSeen,
			})
		}
		for _, e := range res.Emails {
			if e.IsValid != nil && !*e.IsValid {
				continue
			}
			c.Emails = append(c.Emails, model.Email{Address: e.Address})
		}
	}
	return c
}
