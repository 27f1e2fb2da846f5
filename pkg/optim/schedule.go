package optim

// LinearSchedule ramps the learning rate linearly from zero over the warmup
// steps, then decays it linearly to zero at the final training step.
type LinearSchedule struct {
	opt    Optimizer
	base   float64
	warmup int
	total  int
	steps  int
}

// NewLinearSchedule builds a schedule around opt, taking its current learning
// rate as the peak.
func NewLinearSchedule(opt Optimizer, warmupSteps, totalSteps int) *LinearSchedule {
	s := &LinearSchedule{opt: opt, base: opt.LR(), warmup: warmupSteps, total: totalSteps}
	return s
}

func (s *LinearSchedule) factor(step int) float64 {
	if s.warmup > 0 && step < s.warmup {
		return float64(step) / float64(s.warmup)
	}
	if s.total <= s.warmup {
		return 0
	}
	remaining := float64(s.total-step) / float64(s.total-s.warmup)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Step advances the schedule by one optimizer update.
func (s *LinearSchedule) Step() {
	s.steps++
	s.opt.SetLR(s.base * s.factor(s.steps))
}

// LR returns the learning rate currently applied to the optimizer.
func (s *LinearSchedule) LR() float64 { return s.opt.LR() }

type scheduleState struct {
	Base  float64
	Steps int
}

// Save writes the schedule state to path.
func (s *LinearSchedule) Save(path string) error {
	return writeGob(path, scheduleState{Base: s.base, Steps: s.steps})
}

// Load restores the schedule state written by Save and re-applies the
// corresponding learning rate.
func (s *LinearSchedule) Load(path string) error {
	var st scheduleState
	if err := readGob(path, &st); err != nil {
		return err
	}
	s.base, s.steps = st.Base, st.Steps
	s.opt.SetLR(s.base * s.factor(s.steps))
	return nil
}
