package training

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinloop/internal/config"
	"twinloop/internal/finetune"
	"twinloop/internal/store"
)

type fakeProvider struct {
	uploadErr  error
	trainErr   error
	statusErr  error
	deployErr  error
	jobState   finetune.JobState
	jobModelID string

	uploads int
	trains  int
	deploys int
	polls   int
}

func (f *fakeProvider) Upload(ctx context.Context, filename string, data []byte) (finetune.UploadResult, error) {
	f.uploads++
	if f.uploadErr != nil {
		return finetune.UploadResult{}, f.uploadErr
	}
	return finetune.UploadResult{FileID: "file-1", Filename: filename, Bytes: int64(len(data))}, nil
}

func (f *fakeProvider) Train(ctx context.Context, fileID, baseModel, suffix string) (string, error) {
	f.trains++
	if f.trainErr != nil {
		return "", f.trainErr
	}
	return "job-1", nil
}

func (f *fakeProvider) JobStatus(ctx context.Context, jobID string) (finetune.JobInfo, error) {
	f.polls++
	if f.statusErr != nil {
		return finetune.JobInfo{}, f.statusErr
	}
	return finetune.JobInfo{JobID: jobID, State: f.jobState, ModelID: f.jobModelID}, nil
}

func (f *fakeProvider) Deploy(ctx context.Context, modelID string) error {
	f.deploys++
	return f.deployErr
}

func newTestOrchestrator(t *testing.T, provider *fakeProvider) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig().Training
	return NewOrchestrator(st, provider, cfg, "base-model-7b"), st
}

func seedPairs(t *testing.T, st *store.Store, userID string, n int, quality float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		content, err := finetune.BuildPairContent(
			fmt.Sprintf("prompt %d", i), fmt.Sprintf("response %d", i))
		require.NoError(t, err)
		require.NoError(t, st.InsertTrainingPair(&store.TrainingPair{
			ID: uuid.NewString(), UserID: userID,
			Content: content, QualityScore: quality,
		}))
	}
}

func TestAgentsPausedSkips(t *testing.T) {
	orch, st := newTestOrchestrator(t, &fakeProvider{})
	userID := "u1"
	require.NoError(t, st.UpsertSettings(&store.UserSettings{
		UserID: userID, AgentsPaused: true, TrainingProfile: "standard",
	}))
	seedPairs(t, st, userID, 20, 0.9)

	result, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, result.Action)
	assert.Equal(t, ReasonAgentsPaused, result.Reason)
}

func TestInsufficientPairsSkips(t *testing.T) {
	orch, st := newTestOrchestrator(t, &fakeProvider{})
	userID := "u1"
	seedPairs(t, st, userID, 14, 0.9)

	result, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, result.Action)
	assert.Equal(t, ReasonInsufficientPairs, result.Reason)
}

func TestLowQualityPairsDoNotCount(t *testing.T) {
	orch, st := newTestOrchestrator(t, &fakeProvider{})
	userID := "u1"
	seedPairs(t, st, userID, 20, 0.4) // below standard profile quality floor

	result, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientPairs, result.Reason)
}

func TestStartExportHappyPath(t *testing.T) {
	provider := &fakeProvider{}
	orch, st := newTestOrchestrator(t, provider)
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	result, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionStarted, result.Action)
	assert.Equal(t, 16, result.PairCount)
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, 1, provider.uploads)
	assert.Equal(t, 1, provider.trains)

	export, err := st.GetExport(result.ExportID)
	require.NoError(t, err)
	assert.Equal(t, store.ExportTraining, export.Status)
	assert.Equal(t, "job-1", export.ExternalJobID)
	assert.Equal(t, "file-1", export.FileID)

	unclaimed, err := st.CountUnclaimedPairs(userID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, unclaimed)
}

func TestInFlightExportBlocksNewStart(t *testing.T) {
	provider := &fakeProvider{jobState: finetune.JobRunning}
	orch, st := newTestOrchestrator(t, provider)
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	first, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, ActionStarted, first.Action)

	seedPairs(t, st, userID, 16, 0.9)
	second, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, second.Action)
	assert.Equal(t, ReasonTrainingInProgress, second.Reason)
	assert.Equal(t, 1, provider.uploads, "no second export was started")
}

func TestPolledFailureReleasesPairs(t *testing.T) {
	provider := &fakeProvider{jobState: finetune.JobRunning}
	orch, st := newTestOrchestrator(t, provider)
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	first, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, ActionStarted, first.Action)

	provider.jobState = finetune.JobFailed
	second, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	// slot freed, enough released pairs, a new export starts immediately
	assert.Equal(t, ActionStarted, second.Action)
	assert.NotEqual(t, first.ExportID, second.ExportID)

	failed, err := st.GetExport(first.ExportID)
	require.NoError(t, err)
	assert.Equal(t, store.ExportFailed, failed.Status)

	pairs, err := st.PairsForExport(first.ExportID)
	require.NoError(t, err)
	assert.Empty(t, pairs, "failed export's pairs were released")
}

func TestCompletedJobDeploysAndActivatesTwin(t *testing.T) {
	provider := &fakeProvider{jobState: finetune.JobRunning}
	orch, st := newTestOrchestrator(t, provider)
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	first, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, ActionStarted, first.Action)

	provider.jobState = finetune.JobCompleted
	provider.jobModelID = "user/twin-v1"
	second, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionDeployed, second.Action)
	assert.Equal(t, "user/twin-v1", second.DeployedModelID)

	export, err := st.GetExport(first.ExportID)
	require.NoError(t, err)
	assert.Equal(t, store.ExportActive, export.Status)
	assert.Equal(t, "user/twin-v1", export.ResultingModelID)

	twin, err := st.GetTwin(userID)
	require.NoError(t, err)
	assert.Equal(t, "user/twin-v1", twin.ModelID)
	assert.Equal(t, store.TwinActive, twin.Status)

	pairs, err := st.PairsForExport(first.ExportID)
	require.NoError(t, err)
	assert.Len(t, pairs, 16, "success preserves pair provenance")
}

func TestDeployFailureIsRetried(t *testing.T) {
	provider := &fakeProvider{jobState: finetune.JobRunning}
	orch, st := newTestOrchestrator(t, provider)
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	first, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, ActionStarted, first.Action)

	provider.jobState = finetune.JobCompleted
	provider.jobModelID = "user/twin-v1"
	provider.deployErr = errors.New("capacity exhausted")
	_, err = orch.RunPass(context.Background(), userID)
	require.NoError(t, err)

	export, err := st.GetExport(first.ExportID)
	require.NoError(t, err)
	assert.Equal(t, store.ExportCompleted, export.Status, "deploy failure leaves export completed")

	provider.deployErr = nil
	third, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionDeployed, third.Action)
	assert.Equal(t, "user/twin-v1", third.DeployedModelID)

	export, err = st.GetExport(first.ExportID)
	require.NoError(t, err)
	assert.Equal(t, store.ExportActive, export.Status)
}

func TestUploadFailureMarksExportFailed(t *testing.T) {
	provider := &fakeProvider{uploadErr: errors.New("service unavailable")}
	orch, st := newTestOrchestrator(t, provider)
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	result, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, result.Action)
	assert.Equal(t, ReasonUploadFailed, result.Reason)

	export, err := st.GetExport(result.ExportID)
	require.NoError(t, err)
	assert.Equal(t, store.ExportFailed, export.Status)

	unclaimed, err := st.CountUnclaimedPairs(userID, 0.6)
	require.NoError(t, err)
	assert.Equal(t, 16, unclaimed, "failed export releases its pairs")
}

func TestTrainFailureMarksExportFailed(t *testing.T) {
	provider := &fakeProvider{trainErr: errors.New("bad base model")}
	orch, st := newTestOrchestrator(t, provider)
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	result, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, result.Action)
	assert.Equal(t, ReasonTrainFailed, result.Reason)
}

func TestPollErrorKeepsSlotOccupied(t *testing.T) {
	provider := &fakeProvider{jobState: finetune.JobRunning}
	orch, _ := newTestOrchestrator(t, provider)
	userID := "u1"

	st := orch.store
	seedPairs(t, st, userID, 16, 0.9)
	first, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, ActionStarted, first.Action)

	provider.statusErr = errors.New("poll timeout")
	second, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, second.Action)
	assert.Equal(t, ReasonTrainingInProgress, second.Reason)
}

func TestCooldownUsesProfile(t *testing.T) {
	orch, st := newTestOrchestrator(t, &fakeProvider{})
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	// An export activated moments ago.
	exportID := uuid.NewString()
	_, err := st.ClaimPairsForExport(userID, exportID, 0.6, 15)
	require.NoError(t, err)
	require.NoError(t, st.MarkExportUploaded(exportID, "file-0"))
	require.NoError(t, st.MarkExportTraining(exportID, "job-0"))
	require.NoError(t, st.MarkExportCompleted(exportID, "model-0"))
	require.NoError(t, st.MarkExportActive(exportID))

	seedPairs(t, st, userID, 16, 0.9)
	result, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, result.Action)
	assert.Equal(t, ReasonCooldown, result.Reason)

	// After the cooldown window the same user trains again.
	orch.now = func() time.Time { return time.Now().Add(7 * time.Hour) }
	result, err = orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionStarted, result.Action)
}

func TestResumeUploadedExport(t *testing.T) {
	provider := &fakeProvider{}
	orch, st := newTestOrchestrator(t, provider)
	userID := "u1"
	seedPairs(t, st, userID, 16, 0.9)

	// An export that uploaded but crashed before the train call.
	exportID := uuid.NewString()
	_, err := st.ClaimPairsForExport(userID, exportID, 0.6, 15)
	require.NoError(t, err)
	require.NoError(t, st.MarkExportUploaded(exportID, "file-9"))

	result, err := orch.RunPass(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, result.Action)
	assert.Equal(t, ReasonTrainingInProgress, result.Reason)
	assert.Equal(t, 1, provider.trains, "train was resubmitted from the stored file")

	export, err := st.GetExport(exportID)
	require.NoError(t, err)
	assert.Equal(t, store.ExportTraining, export.Status)
	assert.Equal(t, "job-1", export.ExternalJobID)
}
