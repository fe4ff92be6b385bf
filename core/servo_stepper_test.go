package core

import "testing"

// fakeServoDriver records the last commanded phase/current so tests can
// assert on control output without any real H-bridge hardware.
type fakeServoDriver struct {
	phase      uint32
	current    uint32
	enabled    bool
	holdCalls  int
	setCalls   int
	resetCalls int
}

func (f *fakeServoDriver) SetPhase(phase, current uint32) {
	f.phase = phase
	f.current = current
	f.setCalls++
}
func (f *fakeServoDriver) Enable()  { f.enabled = true }
func (f *fakeServoDriver) Disable() { f.enabled = false }
func (f *fakeServoDriver) Reset()   { f.resetCalls++ }
func (f *fakeServoDriver) Hold(current uint32) {
	f.current = current
	f.holdCalls++
}

// fakeVStepper is a bare VirtualStepperSource for tests that don't need
// the full command-registry-backed VirtualStepper.
type fakeVStepper struct {
	pos uint32
}

func (f *fakeVStepper) GetPosition() uint32  { return f.pos }
func (f *fakeVStepper) SetPosition(p uint32) { f.pos = p }

func newTestServoStepper(t *testing.T) (*ServoStepper, *fakeServoDriver, *fakeVStepper) {
	t.Helper()
	drv := &fakeServoDriver{}
	vs := &fakeVStepper{}
	ss, err := NewServoStepper(0, drv, vs, 200, 1)
	if err != nil {
		t.Fatalf("NewServoStepper failed: %v", err)
	}
	return ss, drv, vs
}

func TestPositionToPhaseWrapsAt24Bits(t *testing.T) {
	phase := positionToPhase(200, 256)
	if phase != 200 {
		t.Errorf("expected phase 200, got %d", phase)
	}

	big := positionToPhase(200, 1<<20)
	if big >= PhaseBias {
		t.Errorf("phase %d not reduced modulo PhaseBias", big)
	}
}

func TestWrapPhaseDiff(t *testing.T) {
	cases := []struct {
		in, want int32
	}{
		{100, 100},
		{PhaseMax + 1, PhaseMax + 1 - int32(PhaseBias)},
		{-(PhaseMax + 1), -(PhaseMax + 1) + int32(PhaseBias)},
	}
	for _, c := range cases {
		if got := wrapPhaseDiff(c.in); got != c.want {
			t.Errorf("wrapPhaseDiff(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestClamp32(t *testing.T) {
	if v := clamp32(300, -256, 256); v != 256 {
		t.Errorf("expected clamp to 256, got %d", v)
	}
	if v := clamp32(-300, -256, 256); v != -256 {
		t.Errorf("expected clamp to -256, got %d", v)
	}
	if v := clamp32(10, -256, 256); v != 10 {
		t.Errorf("expected passthrough, got %d", v)
	}
}

// P7: servo_stepper_set_mode(hpid) from any mode other than open_loop or
// disabled is a fatal error.
func TestSetHPIDRequiresOpenLoop(t *testing.T) {
	ss, drv, _ := newTestServoStepper(t)
	ResetFirmwareState()
	ss.SetTorqueMode(0, 128)

	ss.SetHPIDMode(200, 100, 1024, 8, 64)

	if LastShutdownReason() == "" {
		t.Fatal("expected TryShutdown to fire when entering hpid from torque mode")
	}
	if drv.phase != 0 {
		t.Errorf("driver should not have been commanded, phase=%d", drv.phase)
	}
}

// Entering hpid from open_loop leaves mode == pid_init until the
// calibration sampling completes; update() performs the final
// pid_init -> hybrid_pid transition.
func TestSetHPIDFromOpenLoopEntersPIDInit(t *testing.T) {
	ss, _, _ := newTestServoStepper(t)
	ResetFirmwareState()
	ss.SetOpenLoopMode(200, 100)

	ss.SetHPIDMode(200, 100, 1024, 8, 64)

	if LastShutdownReason() != "" {
		t.Fatalf("unexpected shutdown: %s", LastShutdownReason())
	}
	if ss.Mode() != ModePIDInit {
		t.Errorf("expected mode pid_init, got %d", ss.Mode())
	}
}

// Disabled mode ignores the encoder entirely.
func TestDisabledModeIsNoOp(t *testing.T) {
	ss, drv, _ := newTestServoStepper(t)
	ss.SetDisabled()
	drv.setCalls = 0

	ss.Update(12345)

	if drv.setCalls != 0 {
		t.Errorf("expected no SetPhase calls in disabled mode, got %d", drv.setCalls)
	}
}

// Open-loop mode drives the commanded virtual-stepper position times
// step_multiplier, ignoring the raw encoder reading entirely.
func TestOpenLoopModeFollowsVirtualStepper(t *testing.T) {
	ss, drv, vs := newTestServoStepper(t)
	ss.SetOpenLoopMode(200, 100)
	vs.SetPosition(500)

	ss.Update(999999)

	if drv.phase != 500 {
		t.Errorf("expected phase 500, got %d", drv.phase)
	}
	if drv.current != 200 {
		t.Errorf("expected run current scale 200, got %d", drv.current)
	}
}

// Torque mode drives a fixed excite angle ahead of the encoder's raw
// electrical phase, independent of the virtual stepper.
func TestTorqueModeAppliesExciteAngle(t *testing.T) {
	ss, drv, _ := newTestServoStepper(t)
	ss.SetTorqueMode(64, 150)

	ss.Update(256) // raw position 256 -> phase round(200*256/256) = 200 at 200 steps/rev

	want := positionToPhase(200, 256) + 64
	if drv.phase != want {
		t.Errorf("expected phase %d, got %d", want, drv.phase)
	}
	if drv.current != 150 {
		t.Errorf("expected current scale 150, got %d", drv.current)
	}
}

// The averaging pid_init variant runs a settle preroll (holding current)
// before it starts accepting samples, and transitions to hybrid_pid once
// enough consistent samples have accumulated.
func TestPIDInitPrerollThenSettles(t *testing.T) {
	ss, drv, _ := newTestServoStepper(t)
	ResetFirmwareState()
	ss.SetOpenLoopMode(200, 100)
	ss.SetHPIDMode(200, 100, 1024, 8, 64)

	for i := uint32(0); i < pidInitPrerollSampleTime; i++ {
		SetTime(i)
		ss.Update(1000)
	}
	if drv.holdCalls == 0 {
		t.Error("expected Hold to be called during the preroll window")
	}
	if ss.Mode() != ModePIDInit {
		t.Fatalf("should still be in pid_init after preroll alone, got mode %d", ss.Mode())
	}

	for i := 0; i < pidInitSampleCount; i++ {
		SetTime(pidInitPrerollSampleTime + uint32(i))
		ss.Update(1000)
	}

	if LastShutdownReason() != "" {
		t.Fatalf("unexpected shutdown during pid_init: %s", LastShutdownReason())
	}
	if ss.Mode() != ModeHPID {
		t.Errorf("expected mode hybrid_pid after %d consistent samples, got %d", pidInitSampleCount, ss.Mode())
	}
}

// A wildly inconsistent encoder reading mid-calibration is fatal.
func TestPIDInitRejectsHighVariance(t *testing.T) {
	ss, _, _ := newTestServoStepper(t)
	ResetFirmwareState()
	ss.SetOpenLoopMode(200, 100)
	ss.SetHPIDMode(200, 100, 1024, 8, 64)

	for i := uint32(0); i < pidInitPrerollSampleTime; i++ {
		SetTime(i)
		ss.Update(1000)
	}

	SetTime(pidInitPrerollSampleTime)
	ss.Update(1000)
	SetTime(pidInitPrerollSampleTime + 1)
	ss.Update(1000000) // wildly different raw position -> large phase jump

	if LastShutdownReason() == "" {
		t.Fatal("expected Encoder variance shutdown")
	}
}

// A small command step (50 phase units, inside the +/-128 dead band of
// the hybrid shortcut) is accumulated into the running error while the
// loop keeps issuing SetPhase calls.
func TestHybridPIDAccumulatesSmallError(t *testing.T) {
	ss, drv, vs := newTestServoStepper(t)
	ResetFirmwareState()
	ss.SetOpenLoopMode(200, 100)
	ss.SetHPIDMode(200, 100, 1024, 8, 64)

	SetTime(0)
	for i := uint32(0); i < pidInitPrerollSampleTime; i++ {
		SetTime(i)
		ss.Update(0)
	}
	for i := 0; i < pidInitSampleCount; i++ {
		SetTime(pidInitPrerollSampleTime + uint32(i))
		ss.Update(0)
	}
	if ss.Mode() != ModeHPID {
		t.Fatalf("setup failed to reach hybrid_pid, mode=%d", ss.Mode())
	}

	vs.SetPosition(50)
	SetTime(pidInitPrerollSampleTime + pidInitSampleCount + 10)
	ss.Update(0)

	if drv.setCalls == 0 {
		t.Fatal("expected a SetPhase call from the hybrid PID loop")
	}
	errVal, _ := ss.Stats()
	if errVal == 0 {
		t.Error("expected a nonzero accumulated error after stepper moved out from under the encoder")
	}
}

// enterHybridPID drives a servo stepper through open_loop -> pid_init ->
// hybrid_pid with a fixed encoder reading, returning the time at which
// it first reports ModeHPID.
func enterHybridPID(t *testing.T, ss *ServoStepper, runCur, holdCur uint32, kp, ki, kd int32, fixedPosition uint32, startTime uint32) uint32 {
	t.Helper()
	ResetFirmwareState()
	ss.SetOpenLoopMode(runCur, holdCur)
	ss.SetHPIDMode(runCur, holdCur, kp, ki, kd)

	tNow := startTime
	for i := uint32(0); i < pidInitPrerollSampleTime; i++ {
		SetTime(tNow)
		ss.Update(fixedPosition)
		tNow++
	}
	for i := 0; i < pidInitSampleCount; i++ {
		SetTime(tNow)
		ss.Update(fixedPosition)
		tNow++
	}
	if ss.Mode() != ModeHPID {
		t.Fatalf("failed to reach hybrid_pid, mode=%d", ss.Mode())
	}
	return tNow
}

// Scenario 1: with Kp only and the virtual stepper left at the encoder's
// calibrated position, repeated identical samples produce zero error and
// zero integral - a perfectly tracked axis has nothing to correct.
func TestScenarioTrackingStepHoldsZero(t *testing.T) {
	ss, _, vs := newTestServoStepper(t)
	tNow := enterHybridPID(t, ss, 200, 100, 1024, 0, 0, 10000, 0)
	vs.SetPosition(0)

	for i := 0; i < 10; i++ {
		SetTime(tNow)
		ss.Update(10000)
		tNow += 16
	}

	errVal, _ := ss.Stats()
	if errVal < 0 {
		t.Errorf("expected error >= 0, got %d", errVal)
	}
	if ss.pid.integral != 0 {
		t.Errorf("expected integral 0, got %d", ss.pid.integral)
	}
}

// Scenario 2: a sustained commanded-vs-measured divergence saturates the
// integral at its anti-windup clamp and keeps it there.
func TestScenarioIntegralWindupClamp(t *testing.T) {
	ss, _, vs := newTestServoStepper(t)
	tNow := enterHybridPID(t, ss, 200, 100, 0, 1024, 0, 0, 0)

	pos := uint32(0)
	for i := 0; i < 50; i++ {
		pos += 500
		vs.SetPosition(pos)
		SetTime(tNow)
		ss.Update(0) // encoder stays fixed: all divergence is commanded motion
		tNow += 16
	}

	if ss.pid.integral != FullStep {
		t.Errorf("expected integral clamped to %d, got %d", FullStep, ss.pid.integral)
	}
}

// Scenario 3/P2: a one-sample setpoint jump cannot push the control
// output or the resulting current scale outside their bounds, even with
// an aggressive Kd - derivative is computed on the encoder's measured
// phase, not on the commanded setpoint, so a setpoint jump alone never
// produces a derivative kick.
func TestScenarioSetpointJumpStaysBounded(t *testing.T) {
	ss, drv, vs := newTestServoStepper(t)
	tNow := enterHybridPID(t, ss, 200, 100, 0, 0, 1024, 0, 0)

	vs.SetPosition(10000)
	SetTime(tNow)
	ss.Update(0)

	if drv.current < 100 || drv.current > 200 {
		t.Errorf("current scale %d outside [hold,run] = [100,200]", drv.current)
	}
}

// Scenario 5/P6: with the commanded position unchanged and the encoder
// error small, every update drives next_phase = stp directly and the
// current scale sits at hold_current_scale once co settles near zero.
func TestScenarioQuiescenceShortcut(t *testing.T) {
	ss, drv, vs := newTestServoStepper(t)
	tNow := enterHybridPID(t, ss, 200, 100, 1024, 0, 0, 0, 0)
	vs.SetPosition(0)

	for i := 0; i < 5; i++ {
		SetTime(tNow)
		ss.Update(0)
		tNow += 16
	}

	if drv.phase != 0 {
		t.Errorf("expected next_phase == stp == 0, got %d", drv.phase)
	}
	if drv.current != 100 {
		t.Errorf("expected cur_scale == hold_current_scale (100), got %d", drv.current)
	}
}

// P4: position_to_phase is monotonic and its per-unit slope never
// exceeds ceil(full_steps_per_rotation/256).
func TestPositionToPhaseMonotonic(t *testing.T) {
	const fsr = 200
	maxSlope := (fsr + 255) / 256
	var prev uint32
	for p := uint32(0); p < 2000; p++ {
		phase := positionToPhase(fsr, p)
		if p > 0 {
			if phase < prev {
				t.Fatalf("position_to_phase not monotonic at p=%d: %d -> %d", p, prev, phase)
			}
			if phase-prev > uint32(maxSlope) {
				t.Errorf("slope too large at p=%d: delta=%d > %d", p, phase-prev, maxSlope)
			}
		}
		prev = phase
	}
}
