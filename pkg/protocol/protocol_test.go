package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskID_SortableAndUnique(t *testing.T) {
	a := NewTaskID()
	time.Sleep(2 * time.Millisecond)
	b := NewTaskID()

	require.Len(t, a, 26)
	require.Len(t, b, 26)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ULIDs must sort by creation time")
}

func TestTaskNormalize_Defaults(t *testing.T) {
	task := &Task{ID: NewTaskID(), Description: "compute"}
	task.Normalize()

	assert.Equal(t, TaskTypeGeneral, task.Type)
	assert.Equal(t, DefaultMaxSteps, task.MaxSteps)
	assert.False(t, task.SubmittedAt.IsZero())
}

func TestTaskNormalize_ClampsBudgets(t *testing.T) {
	task := &Task{ID: NewTaskID(), Description: "x", MaxSteps: 500, Priority: 9}
	task.Normalize()

	assert.Equal(t, MaxStepsCeiling, task.MaxSteps)
	assert.Equal(t, 3, task.Priority)
}

func TestTaskValidate(t *testing.T) {
	task := &Task{}
	require.Error(t, task.Validate())

	task = &Task{ID: NewTaskID(), Description: "x", Type: TaskType("bogus")}
	require.Error(t, task.Validate())

	task = &Task{ID: NewTaskID(), Description: "x", Type: TaskTypeCode}
	require.NoError(t, task.Validate())
}

func TestErrorKindTerminal(t *testing.T) {
	assert.True(t, ErrStepCap.Terminal())
	assert.True(t, ErrTaskTimeout.Terminal())
	assert.True(t, ErrProviderStalled.Terminal())
	assert.False(t, ErrInvalidParams.Terminal())
	assert.False(t, ErrTimeout.Terminal())
	assert.False(t, ErrFabricatedResult.Terminal())
}

func TestCapabilityRequiredParameters_PreservesOrder(t *testing.T) {
	cap := &Capability{
		Parameters: []Parameter{
			{Name: "code", Type: "string", Required: true},
			{Name: "timeout", Type: "integer"},
			{Name: "language", Type: "string", Required: true},
		},
	}

	req := cap.RequiredParameters()
	require.Len(t, req, 2)
	assert.Equal(t, "code", req[0].Name)
	assert.Equal(t, "language", req[1].Name)
}

func TestTrajectoryStatusTerminal(t *testing.T) {
	for _, s := range []TrajectoryStatus{TrajectorySuccess, TrajectoryFailed, TrajectoryCancelled, TrajectoryTimeout, TrajectoryCrashed} {
		assert.True(t, s.Terminal(), string(s))
	}
	assert.False(t, TrajectoryStatus("running").Terminal())
}
