package train

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrConfig reports an invalid trainer configuration.
var ErrConfig = errors.New("invalid trainer config")

var checkpointStepPattern = regexp.MustCompile(`-(\d+)$`)

// Progress locates a run inside its epoch loop. It is derived entirely from a
// checkpoint directory name so that a restarted process neither repeats nor
// skips optimizer updates.
type Progress struct {
	// GlobalStep counts completed optimizer updates.
	GlobalStep int
	// EpochsTrained counts fully completed epochs.
	EpochsTrained int
	// StepsTrainedInCurrentEpoch is the number of micro-batches to skip at
	// the start of the partially completed epoch. The skipped batches were
	// already counted in GlobalStep.
	StepsTrainedInCurrentEpoch int
}

// ProgressFromCheckpoint derives Progress from the trailing integer of a
// checkpoint path like ".../checkpoint-1200". A path without a step suffix
// means a fresh start. The trailing integer is the sole source of truth;
// batchesPerEpoch and gradAccumSteps convert it back to an epoch position.
func ProgressFromCheckpoint(path string, batchesPerEpoch, gradAccumSteps int) (Progress, error) {
	if gradAccumSteps <= 0 {
		return Progress{}, fmt.Errorf("%w: grad accumulation steps must be positive, got %d", ErrConfig, gradAccumSteps)
	}
	base := filepath.Base(strings.TrimRight(path, "/"))
	match := checkpointStepPattern.FindStringSubmatch(base)
	if match == nil {
		return Progress{}, nil
	}
	globalStep, err := strconv.Atoi(match[1])
	if err != nil {
		return Progress{}, nil
	}
	updatesPerEpoch := batchesPerEpoch / gradAccumSteps
	if updatesPerEpoch <= 0 {
		return Progress{}, fmt.Errorf("%w: fewer train batches (%d) than grad accumulation steps (%d)", ErrConfig, batchesPerEpoch, gradAccumSteps)
	}
	return Progress{
		GlobalStep:                 globalStep,
		EpochsTrained:              globalStep / updatesPerEpoch,
		StepsTrainedInCurrentEpoch: (globalStep % updatesPerEpoch) * gradAccumSteps,
	}, nil
}
