package core

// ServoStepperDriver is the hardware abstraction for the H-bridge current
// driver that backs a servo stepper. Implementations translate a phase
// angle and a 0..255 current scale into actual coil currents.
//
// This mirrors StepperBackend's role for core/stepper.go: the servo
// stepper control loop never talks to GPIO/PWM directly, only to this
// interface, so it can be driven by a fake in tests and by a real A4954
// (or equivalent) driver on hardware.
type ServoStepperDriver interface {
	// SetPhase commands the driver to the given electrical phase at the
	// given current scale (0..255). Called from the update() hot path;
	// implementations must not block or allocate.
	SetPhase(phase uint32, currentScale uint32)

	// Enable readies the driver for use; coil current is applied by the
	// next SetPhase or Hold call.
	Enable()

	// Disable de-energizes the coils.
	Disable()

	// Reset returns the driver to its power-on state.
	Reset()

	// Hold energizes the coils at a fixed phase with the given current
	// scale, without tracking any commanded phase. Used during pid_init's
	// settle preroll.
	Hold(currentScale uint32)
}

// VirtualStepperSource is the commanded-position counter the servo
// stepper tracks in open_loop and hybrid_pid modes. It is maintained by
// a separate module (core/virtual_stepper.go); the control loop only
// ever reads or overwrites the raw counter.
type VirtualStepperSource interface {
	GetPosition() uint32
	SetPosition(uint32)
}

// Global registries allowing config_servo_stepper to look up a
// previously configured driver/virtual-stepper by oid, the same way
// command_config_servo_stepper in the original firmware resolves
// driver_oid/stepper_oid via oid_lookup.
var servoStepperDrivers = make(map[uint8]ServoStepperDriver)

// RegisterServoStepperDriver associates an oid with a concrete
// ServoStepperDriver implementation (e.g. an A4954). Called by the
// driver's own config command handler.
func RegisterServoStepperDriver(oid uint8, d ServoStepperDriver) {
	servoStepperDrivers[oid] = d
}

// GetServoStepperDriver looks up a previously registered driver.
func GetServoStepperDriver(oid uint8) (ServoStepperDriver, bool) {
	d, ok := servoStepperDrivers[oid]
	return d, ok
}
