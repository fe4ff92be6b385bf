// Servo stepper control
//
// Closes the loop on a two-phase stepper motor: reads an absolute
// position encoder on every update() call (from the periodic timer ISR)
// and drives an H-bridge current driver so the motor tracks a commanded
// virtual-stepper position rather than just open-loop stepping.
//
// Ported from the sketch in servo_stepper.c (SS_MODE_* / pid_control),
// with the hybrid PID loop, init protocol and mode-transition safety
// checks filled in - the original left servo_stepper_mode_hpid_update
// as a comment block describing the algorithm without implementing it.
package core

import "errors"

// FullStep is the phase-unit span of one full mechanical step.
const FullStep = 256

// PhaseBias is the modulus of the 24-bit phase space; PhaseMax is the
// empirical half-revolution threshold used to detect when a raw phase
// difference has wrapped around that modulus.
const (
	PhaseBias uint32 = 1 << 24
	PhaseMax  int32  = 51200
)

// PIDScaleDivisor is the fixed-point scale factor applied to Kp/Ki/Kd.
const PIDScaleDivisor = 1024

// TimeScaleShift converts a raw tick delta (read_time() ticks) into the
// small-integer dt the PID math expects. Derived from CLOCK_FREQ=1MHz
// (targets/rp2040/clock.go) and the nominal 6kHz update rate: a sample
// period of ~166 ticks right-shifted by 4 gives dt in the low tens, as
// called for in the open question about TIME_SCALE_SHIFT/DIVISOR.
const TimeScaleShift = 4

const (
	pidInitSampleCount       = 16   // averaging variant sample count
	pidInitPrerollSampleTime = 1800 // ~0.3s of settle time at 6kHz before sampling starts
)

// ServoMode is the servo stepper's operating mode.
type ServoMode uint8

const (
	ModeDisabled ServoMode = 0
	ModeOpenLoop ServoMode = 1
	ModeTorque   ServoMode = 2
	ModeHPID     ServoMode = 3
	ModePIDInit  ServoMode = 4
)

// pidState is the per-instance PID control block.
type pidState struct {
	Kp, Ki, Kd int32

	integral int32 // clamped to +/-FullStep outside critical sections
	error    int32 // unclamped running velocity-error accumulator

	phaseOffset uint32
	lastPhase   uint32
	lastStpPos  uint32

	lastSampleTime uint32
	maxLoopTime    uint32

	// pid_init bookkeeping
	initPrerollRemaining uint32
	initSampleCount      uint32
	initPositionSum      uint64
}

// ServoStepper is a single closed-loop servo-stepper axis.
type ServoStepper struct {
	OID      uint8
	Driver   ServoStepperDriver
	VStepper VirtualStepperSource

	FullStepsPerRotation uint32
	StepMultiplier       int32 // signed: encoder/stepper direction inversion
	RunCurrentScale      uint32
	HoldCurrentScale     uint32
	ExciteAngle          uint32

	mode ServoMode
	pid  pidState
}

var (
	servoSteppers     [16]*ServoStepper
	servoStepperCount uint8
)

// GetServoStepper returns a servo stepper by OID, or nil.
func GetServoStepper(oid uint8) *ServoStepper {
	if oid >= servoStepperCount {
		return nil
	}
	return servoSteppers[oid]
}

// NewServoStepper creates and registers a servo stepper instance.
func NewServoStepper(oid uint8, driver ServoStepperDriver, vstepper VirtualStepperSource, fullStepsPerRotation uint32, stepMultiplier int32) (*ServoStepper, error) {
	if oid >= uint8(len(servoSteppers)) {
		return nil, errors.New("servo stepper OID exceeds maximum")
	}
	if fullStepsPerRotation == 0 {
		return nil, errors.New("full_steps_per_rotation must be nonzero")
	}

	ss := &ServoStepper{
		OID:                  oid,
		Driver:               driver,
		VStepper:             vstepper,
		FullStepsPerRotation: fullStepsPerRotation,
		StepMultiplier:       stepMultiplier,
		mode:                 ModeDisabled,
	}

	servoSteppers[oid] = ss
	if oid >= servoStepperCount {
		servoStepperCount = oid + 1
	}
	return ss, nil
}

// positionToPhase maps a raw encoder position into the 24-bit phase
// space: phase = round(full_steps_per_rotation * position / 256), taken
// modulo 2^24. The product is always carried out in 64 bits so very
// large full_steps_per_rotation values never overflow.
func positionToPhase(fullStepsPerRotation, position uint32) uint32 {
	prod := uint64(fullStepsPerRotation)*uint64(position) + 128
	return uint32((prod / 256) & uint64(PhaseBias-1))
}

// wrapPhaseDiff biases a raw phase difference by +/-PhaseBias when its
// magnitude indicates a revolution crossing rather than genuine motion.
func wrapPhaseDiff(d int32) int32 {
	switch {
	case d > PhaseMax:
		return d - int32(PhaseBias)
	case d < -PhaseMax:
		return d + int32(PhaseBias)
	}
	return d
}

func clamp32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// Update is the single entry point called from the periodic sampling
// ISR with the latest raw encoder position. It reads the mode once into
// a local and dispatches; unknown mode values (which should never occur
// since the mode field is only ever written by the transition commands
// below) are silently ignored.
func (s *ServoStepper) Update(rawPosition uint32) {
	mode := s.mode
	switch mode {
	case ModeDisabled:
		// no-op
	case ModeOpenLoop:
		pos := s.VStepper.GetPosition()
		s.Driver.SetPhase(pos*uint32(s.StepMultiplier), s.RunCurrentScale)
	case ModeTorque:
		phase := positionToPhase(s.FullStepsPerRotation, rawPosition)
		s.Driver.SetPhase(phase+s.ExciteAngle, s.RunCurrentScale)
	case ModePIDInit:
		s.updatePIDInit(rawPosition)
	case ModeHPID:
		s.updateHybridPID(rawPosition)
	}
}

// updatePIDInit runs the averaging calibration protocol: an optional
// hold-to-settle preroll, then N successive raw encoder samples whose
// mean position anchors phase_offset via a single final
// position_to_phase conversion, with a variance check (in phase space)
// against the running mean on every sample after the first.
func (s *ServoStepper) updatePIDInit(rawPosition uint32) {
	if s.pid.initPrerollRemaining > 0 {
		s.Driver.Hold(s.HoldCurrentScale)
		s.pid.initPrerollRemaining--
		return
	}

	phase := positionToPhase(s.FullStepsPerRotation, rawPosition)

	if s.pid.initSampleCount > 0 {
		meanPos := uint32(s.pid.initPositionSum / uint64(s.pid.initSampleCount))
		meanPhase := positionToPhase(s.FullStepsPerRotation, meanPos)
		diff := wrapPhaseDiff(int32(phase) - int32(meanPhase))
		if abs32(diff) > FullStep {
			TryShutdown("Encoder variance too large")
			return
		}
	}

	s.pid.initPositionSum += uint64(rawPosition)
	s.pid.initSampleCount++
	RecordTiming(EvtPidInitSample, s.OID, GetTime(), phase, s.pid.initSampleCount)

	if s.pid.initSampleCount < pidInitSampleCount {
		return
	}

	meanPos := uint32(s.pid.initPositionSum / uint64(s.pid.initSampleCount))
	s.pid.phaseOffset = positionToPhase(s.FullStepsPerRotation, meanPos)
	s.pid.lastPhase = 0
	s.pid.lastStpPos = 0
	s.pid.integral = 0
	s.pid.error = 0
	s.pid.lastSampleTime = GetTime()
	s.pid.initSampleCount = 0
	s.pid.initPositionSum = 0

	s.mode = ModeHPID
}

// updateHybridPID runs the hybrid PID control algorithm: a dt clamp,
// wrap-corrected phase tracking, velocity-error accumulation with
// anti-windup, derivative-on-measurement, and the hybrid dead-band
// shortcut between closed-loop correction and open-loop feed-forward.
func (s *ServoStepper) updateHybridPID(rawPosition uint32) {
	start := GetTime()
	tNow := start

	dt := (tNow - s.pid.lastSampleTime) >> TimeScaleShift
	if dt < 1 {
		dt = 1
	}

	phase := (positionToPhase(s.FullStepsPerRotation, rawPosition) - s.pid.phaseOffset) & (PhaseBias - 1)

	dPhase := wrapPhaseDiff(int32(phase) - int32(s.pid.lastPhase))

	stp := s.VStepper.GetPosition() * uint32(s.StepMultiplier)
	dStp := int32(stp) - int32(s.pid.lastStpPos)

	s.pid.error += dStp - dPhase
	clampedErr := clamp32(s.pid.error, -FullStep, FullStep)

	s.pid.integral += clampedErr * int32(dt)
	s.pid.integral = clamp32(s.pid.integral, -FullStep, FullStep)

	dTerm := (s.pid.Kd * dPhase) / int32(dt)

	co := (s.pid.Kp*clampedErr + s.pid.Ki*s.pid.integral - dTerm) / PIDScaleDivisor
	co = clamp32(co, -FullStep, FullStep)

	cur := uint32(abs32(co))*(s.RunCurrentScale-s.HoldCurrentScale)/FullStep + s.HoldCurrentScale

	var nextPhase uint32
	if abs32(s.pid.error) > FullStep/2 {
		nextPhase = phase + uint32(co)
	} else {
		nextPhase = stp
	}

	s.Driver.SetPhase(nextPhase, cur)

	s.pid.lastPhase = phase
	s.pid.lastStpPos = stp
	s.pid.lastSampleTime = tNow

	loopTime := GetTime() - start
	if loopTime > s.pid.maxLoopTime {
		s.pid.maxLoopTime = loopTime
	}
	RecordTiming(EvtHybridPidLoop, s.OID, tNow, uint32(clampedErr), loopTime)
}

// SetDisabled transitions to disabled mode, de-energizing the driver.
func (s *ServoStepper) SetDisabled() {
	state := disableInterrupts()
	s.Driver.Disable()
	s.mode = ModeDisabled
	restoreInterrupts(state)
}

// SetOpenLoopMode transitions to open_loop mode.
func (s *ServoStepper) SetOpenLoopMode(runCurrentScale, holdCurrentScale uint32) {
	state := disableInterrupts()
	s.RunCurrentScale = runCurrentScale
	s.HoldCurrentScale = holdCurrentScale
	s.Driver.Enable()
	s.mode = ModeOpenLoop
	restoreInterrupts(state)
}

// SetTorqueMode transitions to torque mode.
func (s *ServoStepper) SetTorqueMode(exciteAngle, runCurrentScale uint32) {
	state := disableInterrupts()
	s.ExciteAngle = exciteAngle
	s.RunCurrentScale = runCurrentScale
	s.Driver.Enable()
	s.mode = ModeTorque
	restoreInterrupts(state)
}

// SetHPIDMode requests closed-loop operation. Only legal from open_loop
// or disabled; any other current mode is a programmer error and halts
// the axis rather than running with a stale PID state. Entry is staged
// through pid_init - this call leaves mode == ModePIDInit, and update()
// promotes it to ModeHPID once the encoder offset has been calibrated.
func (s *ServoStepper) SetHPIDMode(runCurrentScale, holdCurrentScale uint32, kp, ki, kd int32) {
	if s.mode != ModeOpenLoop && s.mode != ModeDisabled {
		TryShutdown("PID mode must transition from open-loop")
		return
	}

	state := disableInterrupts()
	s.RunCurrentScale = runCurrentScale
	s.HoldCurrentScale = holdCurrentScale
	s.pid.Kp = kp
	s.pid.Ki = ki
	s.pid.Kd = kd
	s.Driver.Enable()
	s.pid.error = 0
	s.pid.integral = 0
	s.pid.initSampleCount = 0
	s.pid.initPositionSum = 0
	s.pid.initPrerollRemaining = pidInitPrerollSampleTime
	s.mode = ModePIDInit
	restoreInterrupts(state)
}

// Mode returns the current operating mode (for tests/diagnostics).
func (s *ServoStepper) Mode() ServoMode {
	state := disableInterrupts()
	m := s.mode
	restoreInterrupts(state)
	return m
}

// Stats returns the accumulated velocity error and peak hybrid_pid loop
// duration, as served by get_stats.
func (s *ServoStepper) Stats() (err int32, maxLoopTime uint32) {
	state := disableInterrupts()
	err = s.pid.error
	maxLoopTime = s.pid.maxLoopTime
	restoreInterrupts(state)
	return
}
