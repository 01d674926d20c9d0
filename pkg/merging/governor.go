// Package merging folds candidate codes into a single target, exactly once per
// idempotency key.
package merging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/candidates"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/validation"
)

// Locker serializes operations sharing an idempotency key across instances
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

type Config struct {
	EvidencePolicy models.EvidencePolicy
	LockTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		EvidencePolicy: models.EvidencePolicyKeepPending,
		LockTTL:        60 * time.Second,
	}
}

// Governor executes merge operations
type Governor struct {
	logger  ectologger.Logger
	store   *repositories.Store
	machine *candidates.StateMachine
	locker  Locker
	emitter *events.Emitter
	config  Config
	group   singleflight.Group
}

// NewGovernor creates a merge governor. locker may be nil for single-instance deployments.
func NewGovernor(
	logger ectologger.Logger,
	store *repositories.Store,
	machine *candidates.StateMachine,
	locker Locker,
	emitter *events.Emitter,
	config Config,
) *Governor {
	defaults := DefaultConfig()
	if config.EvidencePolicy == "" {
		config.EvidencePolicy = defaults.EvidencePolicy
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	return &Governor{
		logger:  logger,
		store:   store,
		machine: machine,
		locker:  locker,
		emitter: emitter,
		config:  config,
	}
}

// plan is a validated merge request
type plan struct {
	projectID string
	key       string
	sourceIDs []string
	label     string
	targetKey string
	memo      string
	hash      string
	actor     string
}

// Merge folds every source into the candidate named by the target label. A
// repeated idempotency key returns the stored result without new effects.
func (g *Governor) Merge(ctx context.Context, projectID string, req models.MergeRequest) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Governor.Merge")
	defer span.End()

	p, err := g.plan(ctx, projectID, req)
	if err != nil {
		return nil, err
	}

	flight := strings.Join([]string{p.projectID, p.key, p.hash}, "\x00")
	v, err, _ := g.group.Do(flight, func() (any, error) {
		return g.run(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.MergeResult), nil
}

func (g *Governor) plan(ctx context.Context, projectID string, req models.MergeRequest) (*plan, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, apperrors.Validation("an idempotency key is required")
	}
	label := strings.TrimSpace(req.TargetLabel)
	targetKey := normalizers.Normalize(label)
	if targetKey == "" {
		return nil, apperrors.Validation("target label %q is empty after normalization", req.TargetLabel)
	}

	seen := make(map[string]bool, len(req.SourceIDs))
	ids := make([]string, 0, len(req.SourceIDs))
	for _, id := range req.SourceIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, apperrors.Validation("at least one source id is required")
	}

	return &plan{
		projectID: projectID,
		key:       key,
		sourceIDs: ids,
		label:     label,
		targetKey: targetKey,
		memo:      strings.TrimSpace(req.Memo),
		hash:      requestHash(ids, targetKey),
		actor:     appctx.GetUserID(ctx),
	}, nil
}

// requestHash identifies the effects of a request. The memo is excluded so a
// retry with reworded rationale still replays.
func requestHash(ids []string, targetKey string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",") + "\n" + targetKey))
	return hex.EncodeToString(sum[:])
}

// stored returns the completed result for the key, or nil when the operation
// has not completed yet.
func (g *Governor) stored(ctx context.Context, p *plan) (*models.MergeOperation, *models.MergeResult, error) {
	op, err := g.store.Merges.GetOperation(ctx, p.projectID, p.key)
	if err != nil {
		return nil, nil, err
	}
	if op == nil {
		return nil, nil, nil
	}
	if op.RequestHash != p.hash {
		return nil, nil, apperrors.Conflict("idempotency key %s was used for a different merge request", p.key).
			With("idempotency_key", p.key)
	}
	if op.Status != models.MergeOperationCompleted || op.Result == nil {
		return op, nil, nil
	}
	result := *op.Result
	result.Replayed = true
	metrics.MergeReplaysTotal.Inc()
	return op, &result, nil
}

func (g *Governor) run(ctx context.Context, p *plan) (*models.MergeResult, error) {
	log := g.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id":      p.projectID,
		"idempotency_key": p.key,
	})

	if _, result, err := g.stored(ctx, p); err != nil || result != nil {
		return result, err
	}

	var result *models.MergeResult
	execute := func() error {
		// another instance may have finished while this one waited
		op, replay, err := g.stored(ctx, p)
		if err != nil {
			return err
		}
		if replay != nil {
			result = replay
			return nil
		}
		result, err = g.execute(ctx, p, op)
		return err
	}

	var err error
	if g.locker == nil {
		err = execute()
	} else {
		ran := false
		err = g.locker.WithLock(ctx, "merge:"+p.projectID+":"+p.key, g.config.LockTTL, func() error {
			ran = true
			return execute()
		})
		switch {
		case errors.Is(err, redis.ErrLockNotAcquired):
			return nil, apperrors.Conflict("merge %s is already in progress", p.key).
				With("idempotency_key", p.key)
		case !ran && apperrors.IsDependencyUnavailable(err):
			// the operation row still admits a single runner
			log.WithError(err).Warn("Merge lock unavailable, continuing without it")
			err = execute()
		}
	}
	if err != nil {
		log.WithError(err).Warn("Merge failed")
		return nil, err
	}

	log.WithFields(map[string]any{
		"target_id":     result.TargetID,
		"merged_count":  result.MergedCount,
		"skipped_count": result.SkippedCount,
		"replayed":      result.Replayed,
	}).Info("Merge completed")
	return result, nil
}

func (g *Governor) execute(ctx context.Context, p *plan, op *models.MergeOperation) (*models.MergeResult, error) {
	sources, err := g.checkSources(ctx, p)
	if err != nil {
		return nil, err
	}

	now := g.machine.Now()
	if op == nil {
		started, err := g.store.Merges.StartOperation(ctx, &models.MergeOperation{
			IdempotencyKey: p.key,
			ProjectID:      p.projectID,
			RequestHash:    p.hash,
			Status:         models.MergeOperationRunning,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		if !started {
			return nil, apperrors.Conflict("merge %s is already in progress", p.key).
				With("idempotency_key", p.key)
		}
	}

	// events written by an interrupted run of this key
	prior, err := g.store.Merges.ListEvents(ctx, p.projectID, p.key)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(prior))
	for _, e := range prior {
		done[e.IdempotencyKey] = true
	}

	target, err := g.resolveTarget(ctx, p)
	if err != nil {
		return nil, err
	}

	result := &models.MergeResult{Items: make([]models.MergeItemResult, 0, len(p.sourceIDs))}
	for _, id := range p.sourceIDs {
		item, event, err := g.mergeOne(ctx, p, sources[id], target, done)
		if errors.Is(err, repositories.ErrOpenKeyTaken) {
			// another writer created the target key first
			if target, err = g.resolveTarget(ctx, p); err != nil {
				return nil, err
			}
			if !target.created {
				return nil, apperrors.Conflict("merge target %q is being created concurrently", p.label)
			}
			item, event, err = g.mergeOne(ctx, p, sources[id], target, done)
		}
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, item)
		metrics.MergesTotal.WithLabelValues(string(item.Status)).Inc()
		if item.Status == models.MergeItemMerged {
			result.MergedCount++
		} else {
			result.SkippedCount++
		}
		if event != nil {
			g.emitter.EmitCandidateMerged(ctx, event)
		}
	}
	if target.created {
		result.TargetID = target.ID
	}

	if err := g.store.Merges.CompleteOperation(ctx, p.projectID, p.key, result, g.machine.Now()); err != nil {
		return nil, err
	}
	return result, nil
}

// checkSources fails before any effect when a source is missing or cannot be
// merged.
func (g *Governor) checkSources(ctx context.Context, p *plan) (map[string]*models.CandidateCode, error) {
	found, err := g.store.Candidates.GetMany(ctx, p.projectID, p.sourceIDs)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range p.sourceIDs {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.NotFound("candidates not found: %s", strings.Join(missing, ", ")).
			With("candidate_ids", strings.Join(missing, ","))
	}

	for _, id := range p.sourceIDs {
		c := found[id]
		if c.State == models.StateMerged {
			continue
		}
		if c.State != models.StatePending && c.State != models.StateValidated {
			return nil, apperrors.Conflict("candidate %s is %s and cannot be merged", c.ID, c.State).
				With("candidate_id", c.ID).
				With("state", string(c.State))
		}
	}
	return found, nil
}

// mergeTarget is the candidate sources fold into. A target that does not
// exist yet is created by the first source that merges, inside that source's
// transaction, so a run that merges nothing leaves no row behind.
type mergeTarget struct {
	*models.CandidateCode
	created bool
}

// resolveTarget finds the open or validated candidate holding the target key,
// then the candidate behind a canonical code with that key, and otherwise
// plans a pending manual candidate for it.
func (g *Governor) resolveTarget(ctx context.Context, p *plan) (*mergeTarget, error) {
	found, err := g.findTarget(ctx, p)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return &mergeTarget{CandidateCode: found, created: true}, nil
	}

	now := g.machine.Now()
	memo := fmt.Sprintf("created as merge target by %s", p.key)
	return &mergeTarget{CandidateCode: &models.CandidateCode{
		ID:            uuid.NewString(),
		ProjectID:     p.projectID,
		Label:         p.label,
		NormalizedKey: p.targetKey,
		Source:        models.SourceManual,
		State:         models.StatePending,
		Memo:          &memo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}, nil
}

func (g *Governor) findTarget(ctx context.Context, p *plan) (*models.CandidateCode, error) {
	matches, err := g.store.Candidates.FindByKey(ctx, p.projectID, p.targetKey, models.StateValidated, models.StatePending)
	if err != nil {
		return nil, err
	}
	for _, state := range []models.State{models.StateValidated, models.StatePending} {
		for i := range matches {
			if matches[i].State == state {
				return &matches[i], nil
			}
		}
	}

	code, err := g.store.Canonical.FindByKey(ctx, p.projectID, p.targetKey)
	if err != nil || code == nil {
		return nil, err
	}
	origin, err := g.store.Candidates.Get(ctx, p.projectID, code.CreatedFromCandidateID)
	if err != nil {
		return nil, err
	}
	if origin.State == models.StateMerged && origin.MergeTargetID != nil {
		return g.store.Candidates.Get(ctx, p.projectID, *origin.MergeTargetID)
	}
	return origin, nil
}

func eventKey(p *plan, sourceID string) string {
	return p.projectID + ":" + p.key + ":" + sourceID
}

func skipped(id, reason string) models.MergeItemResult {
	return models.MergeItemResult{SourceID: id, Status: models.MergeItemSkipped, Reason: reason}
}

// mergeOne moves one source into the target in its own transaction. Domain
// failures are reported as skipped items; anything else aborts the operation
// and leaves it resumable.
func (g *Governor) mergeOne(
	ctx context.Context,
	p *plan,
	source *models.CandidateCode,
	target *mergeTarget,
	done map[string]bool,
) (models.MergeItemResult, *models.MergeEvent, error) {
	id := source.ID
	key := eventKey(p, id)
	if done[key] {
		return models.MergeItemResult{SourceID: id, Status: models.MergeItemMerged}, nil, nil
	}

	var event *models.MergeEvent
	err := g.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := g.store.Candidates.Get(ctx, p.projectID, id)
		if err != nil {
			return err
		}
		// merged sources resolve one hop so no chain is ever written
		if current.State == models.StateMerged {
			if current.MergeTargetID == nil {
				return apperrors.Conflict("candidate %s is merged without a target", id)
			}
			if *current.MergeTargetID == target.ID {
				return apperrors.Conflict("already merged into target")
			}
			current, err = g.store.Candidates.Get(ctx, p.projectID, *current.MergeTargetID)
			if err != nil {
				return err
			}
		}
		if current.ID == target.ID {
			return apperrors.Conflict("source is the merge target")
		}
		if !target.created {
			if err := g.store.Candidates.Create(ctx, target.CandidateCode); err != nil {
				return err
			}
		}

		targetID := target.ID
		if err := g.machine.Apply(ctx, candidates.Change{
			ProjectID:     p.projectID,
			CandidateID:   current.ID,
			From:          current.State,
			To:            models.StateMerged,
			Actor:         p.actor,
			Reason:        p.memo,
			MergeTargetID: &targetID,
		}); err != nil {
			return err
		}

		now := g.machine.Now()
		if _, err := g.store.Candidates.RepointMergeTargets(ctx, p.projectID, current.ID, target.ID, now); err != nil {
			return err
		}
		if _, err := g.store.Evidence.Reassign(ctx, p.projectID, current.ID, target.ID, g.config.EvidencePolicy.ReviewState()); err != nil {
			return err
		}

		var reason *string
		if p.memo != "" {
			reason = &p.memo
		}
		event = &models.MergeEvent{
			ID:              uuid.NewString(),
			ProjectID:       p.projectID,
			FromCandidateID: current.ID,
			ToTargetID:      target.ID,
			IdempotencyKey:  key,
			OperationKey:    p.key,
			Actor:           p.actor,
			Reason:          reason,
			CreatedAt:       now,
		}
		_, err = g.store.Merges.AppendEvent(ctx, event)
		return err
	})
	if err == nil {
		target.created = true
		return models.MergeItemResult{SourceID: id, Status: models.MergeItemMerged}, event, nil
	}

	var domain *apperrors.Error
	if errors.As(err, &domain) && domain.Kind != apperrors.KindDependencyUnavailable {
		g.logger.WithContext(ctx).WithFields(map[string]any{
			"project_id":   p.projectID,
			"candidate_id": id,
			"target_id":    target.ID,
		}).WithError(err).Info("Merge source skipped")
		return skipped(id, domain.Message), nil, nil
	}
	return models.MergeItemResult{}, nil, err
}
