// Package training runs the per-user training orchestrator: a guard chain
// over training-data exports that polls in-flight jobs, deploys finished
// models, and starts new fine-tuning runs when enough quality pairs have
// accumulated.
package training

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"twinloop/internal/config"
	"twinloop/internal/errs"
	"twinloop/internal/finetune"
	"twinloop/internal/logging"
	"twinloop/internal/store"
)

// Orchestrator actions and skip reasons, machine-readable.
const (
	ActionSkipped  = "skipped"
	ActionStarted  = "started"
	ActionDeployed = "deployed"
	ActionFailed   = "failed"

	ReasonAgentsPaused       = "agents_paused"
	ReasonTrainingInProgress = "training_in_progress"
	ReasonCooldown           = "cooldown"
	ReasonInsufficientPairs  = "insufficient_pairs"
	ReasonClaimConflict      = "claim_conflict"
	ReasonUploadFailed       = "upload_failed"
	ReasonTrainFailed        = "train_failed"
)

// staleUploadAfter bounds how long an export may sit in uploading with no
// provider file before it is abandoned and its pairs released.
const staleUploadAfter = time.Hour

// Result is the structured outcome of one orchestrator pass for one user.
type Result struct {
	UserID          string `json:"user_id"`
	Action          string `json:"action"`
	Reason          string `json:"reason,omitempty"`
	ExportID        string `json:"export_id,omitempty"`
	JobID           string `json:"job_id,omitempty"`
	PairCount       int    `json:"pair_count,omitempty"`
	DeployedModelID string `json:"deployed_model_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Orchestrator drives the export state machine.
type Orchestrator struct {
	store     *store.Store
	provider  finetune.Provider
	cfg       config.TrainingConfig
	baseModel string
	now       func() time.Time
}

// NewOrchestrator creates a training orchestrator.
func NewOrchestrator(st *store.Store, provider finetune.Provider, cfg config.TrainingConfig, baseModel string) *Orchestrator {
	return &Orchestrator{
		store:     st,
		provider:  provider,
		cfg:       cfg,
		baseModel: baseModel,
		now:       time.Now,
	}
}

// RunPass executes the guard chain for one user. Guards are checked in
// order; the first that fires ends the pass with a skip result.
func (o *Orchestrator) RunPass(ctx context.Context, userID string) (*Result, error) {
	if userID == "" {
		return nil, errs.New(errs.Validation, "userID is required")
	}

	settings, err := o.store.GetSettings(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if settings.AgentsPaused {
		return o.skip(userID, ReasonAgentsPaused), nil
	}
	profile, ok := o.cfg.Profiles[settings.TrainingProfile]
	if !ok {
		profile = o.cfg.Profiles[o.cfg.DefaultProfile]
	}

	// Poll everything still occupying the single-flight slot.
	inFlight, err := o.store.InFlightExports(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load in-flight exports: %w", err)
	}
	var deployed string
	busy := false
	for _, export := range inFlight {
		stillRunning, modelID := o.pollExport(ctx, export)
		if stillRunning {
			busy = true
		}
		if modelID != "" {
			deployed = modelID
		}
	}
	if busy {
		result := o.skip(userID, ReasonTrainingInProgress)
		result.DeployedModelID = deployed
		return result, nil
	}

	// Completed exports whose deploy failed earlier are retried here.
	completed, err := o.store.CompletedExports(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed exports: %w", err)
	}
	for _, export := range completed {
		if o.deploy(ctx, export) {
			deployed = export.ResultingModelID
		}
	}
	if deployed != "" {
		return &Result{UserID: userID, Action: ActionDeployed, DeployedModelID: deployed}, nil
	}

	cooldown := config.ParseTimeout(profile.Cooldown, 6*time.Hour)
	latest, err := o.store.LatestActiveExport(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest export: %w", err)
	}
	if latest != nil && latest.CompletedAt != nil && o.now().Sub(*latest.CompletedAt) < cooldown {
		return o.skip(userID, ReasonCooldown), nil
	}

	available, err := o.store.CountUnclaimedPairs(userID, profile.MinQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to count pairs: %w", err)
	}
	if available < profile.MinPairs {
		return o.skip(userID, ReasonInsufficientPairs), nil
	}

	return o.startExport(ctx, userID, profile)
}

// pollExport advances one in-flight export from the provider's view. Returns
// whether it still occupies the single-flight slot, and a model id when its
// training finished and deployed this pass.
func (o *Orchestrator) pollExport(ctx context.Context, export store.TrainingExport) (bool, string) {
	if export.ExternalJobID == "" {
		// Never reached the provider. Uploaded exports resume by submitting
		// the job now; uploading exports are abandoned once stale.
		if export.Status == store.ExportUploaded && export.FileID != "" {
			jobID, err := o.provider.Train(ctx, export.FileID, o.baseModel, "twin-"+export.UserID)
			if err != nil {
				logging.Training("resume train failed export=%s: %v", export.ID, err)
				return true, ""
			}
			if err := o.store.MarkExportTraining(export.ID, jobID); err != nil {
				logging.Training("failed to mark export %s training: %v", export.ID, err)
			}
			logging.Training("resumed export=%s job=%s", export.ID, jobID)
			return true, ""
		}
		if export.Status == store.ExportUploading && o.now().Sub(export.CreatedAt) > staleUploadAfter {
			if err := o.store.MarkExportTerminal(export.ID, store.ExportFailed, "stale upload abandoned"); err != nil {
				logging.Training("failed to abandon stale export %s: %v", export.ID, err)
				return true, ""
			}
			logging.AuditFailure(logging.AuditTrainingFailed, export.UserID,
				errs.Newf(errs.Consistency, "export %s abandoned as stale", export.ID))
			return false, ""
		}
		return true, ""
	}

	info, err := o.provider.JobStatus(ctx, export.ExternalJobID)
	if err != nil {
		logging.Training("status poll failed export=%s job=%s: %v", export.ID, export.ExternalJobID, err)
		return true, ""
	}

	switch info.State {
	case finetune.JobCompleted:
		if err := o.store.MarkExportCompleted(export.ID, info.ModelID); err != nil {
			logging.Training("failed to mark export %s completed: %v", export.ID, err)
			return true, ""
		}
		logging.Training("export=%s completed model=%s", export.ID, info.ModelID)
		logging.AuditSuccess(logging.AuditTrainingCompleted, export.UserID,
			fmt.Sprintf("export=%s model=%s", export.ID, info.ModelID))
		export.ResultingModelID = info.ModelID
		if o.deploy(ctx, export) {
			return false, info.ModelID
		}
		return false, ""
	case finetune.JobFailed:
		o.markTerminal(export, store.ExportFailed, info.Message)
		return false, ""
	case finetune.JobCancelled:
		o.markTerminal(export, store.ExportCancelled, info.Message)
		return false, ""
	default:
		return true, ""
	}
}

// deploy makes a completed export's model the serving twin. A failed deploy
// leaves the export completed so the next pass retries it.
func (o *Orchestrator) deploy(ctx context.Context, export store.TrainingExport) bool {
	if export.ResultingModelID == "" {
		o.markTerminal(export, store.ExportFailed, "completed without a result model")
		return false
	}
	if err := o.provider.Deploy(ctx, export.ResultingModelID); err != nil {
		logging.Training("deploy failed export=%s model=%s, will retry: %v",
			export.ID, export.ResultingModelID, err)
		return false
	}
	if err := o.store.MarkExportActive(export.ID); err != nil {
		logging.Training("failed to mark export %s active: %v", export.ID, err)
		return false
	}
	if err := o.store.UpsertTwin(&store.Twin{
		UserID:        export.UserID,
		ModelID:       export.ResultingModelID,
		Status:        store.TwinActive,
		TrainingJobID: export.ExternalJobID,
	}); err != nil {
		logging.Training("failed to upsert twin for user %s: %v", export.UserID, err)
	}
	logging.AuditSuccess(logging.AuditModelDeployed, export.UserID,
		fmt.Sprintf("export=%s model=%s", export.ID, export.ResultingModelID))
	return true
}

func (o *Orchestrator) markTerminal(export store.TrainingExport, status store.ExportStatus, detail string) {
	if err := o.store.MarkExportTerminal(export.ID, status, detail); err != nil {
		logging.Training("failed to mark export %s %s: %v", export.ID, status, err)
		return
	}
	logging.Training("export=%s marked %s: %s", export.ID, status, detail)
	logging.AuditFailure(logging.AuditTrainingFailed, export.UserID,
		errs.Newf(errs.ExternalService, "export %s %s: %s", export.ID, status, detail))
}

// startExport claims eligible pairs and walks the new export through upload
// and job submission. The claim write enforces single-flight in the store;
// a lost race surfaces as a conflict skip, not an error.
func (o *Orchestrator) startExport(ctx context.Context, userID string, profile config.TrainingProfile) (*Result, error) {
	exportID := uuid.NewString()
	claimed, err := o.store.ClaimPairsForExport(userID, exportID, profile.MinQuality, profile.MinPairs)
	if err != nil {
		if errs.Is(err, errs.Conflict) {
			return o.skip(userID, ReasonClaimConflict), nil
		}
		if errs.Is(err, errs.Consistency) {
			return o.skip(userID, ReasonInsufficientPairs), nil
		}
		return nil, err
	}

	pairs, err := o.store.PairsForExport(exportID)
	if err != nil {
		return o.failExport(userID, exportID, ReasonUploadFailed, err), nil
	}
	data, err := finetune.EncodeJSONL(pairs)
	if err != nil {
		return o.failExport(userID, exportID, ReasonUploadFailed, err), nil
	}

	upload, err := o.provider.Upload(ctx, fmt.Sprintf("twinloop-%s.jsonl", exportID), data)
	if err != nil {
		return o.failExport(userID, exportID, ReasonUploadFailed, err), nil
	}
	if err := o.store.MarkExportUploaded(exportID, upload.FileID); err != nil {
		return nil, err
	}

	jobID, err := o.provider.Train(ctx, upload.FileID, o.baseModel, "twin-"+userID)
	if err != nil {
		return o.failExport(userID, exportID, ReasonTrainFailed, err), nil
	}
	if err := o.store.MarkExportTraining(exportID, jobID); err != nil {
		return nil, err
	}

	logging.Training("started export=%s user=%s pairs=%d job=%s", exportID, userID, claimed, jobID)
	logging.AuditSuccess(logging.AuditTrainingStarted, userID,
		fmt.Sprintf("export=%s pairs=%d job=%s", exportID, claimed, jobID))

	return &Result{
		UserID:    userID,
		Action:    ActionStarted,
		ExportID:  exportID,
		JobID:     jobID,
		PairCount: claimed,
	}, nil
}

func (o *Orchestrator) failExport(userID, exportID, reason string, cause error) *Result {
	if err := o.store.MarkExportTerminal(exportID, store.ExportFailed, cause.Error()); err != nil {
		logging.Training("failed to mark export %s failed: %v", exportID, err)
	}
	logging.AuditFailure(logging.AuditTrainingFailed, userID, cause)
	return &Result{
		UserID:   userID,
		Action:   ActionFailed,
		Reason:   reason,
		ExportID: exportID,
		Error:    cause.Error(),
	}
}

func (o *Orchestrator) skip(userID, reason string) *Result {
	logging.TrainingDebug("skipped user=%s reason=%s", userID, reason)
	logging.AuditSuccess(logging.AuditTrainingSkipped, userID, reason)
	return &Result{UserID: userID, Action: ActionSkipped, Reason: reason}
}
