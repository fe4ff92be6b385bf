package core

import (
	"gopper/protocol"
	"testing"
)

// fakeCommandGPIO and fakeCommandPWM back cmdConfigA4954's NewA4954 call
// with no real hardware, the same role fakeServoDriver plays for the
// control-loop tests.
type fakeCommandGPIO struct {
	outputs map[GPIOPin]bool
}

func (f *fakeCommandGPIO) ConfigureOutput(pin GPIOPin) error {
	if f.outputs == nil {
		f.outputs = make(map[GPIOPin]bool)
	}
	f.outputs[pin] = true
	return nil
}
func (f *fakeCommandGPIO) ConfigureInputPullUp(pin GPIOPin) error   { return nil }
func (f *fakeCommandGPIO) ConfigureInputPullDown(pin GPIOPin) error { return nil }
func (f *fakeCommandGPIO) SetPin(pin GPIOPin, value bool) error     { return nil }
func (f *fakeCommandGPIO) GetPin(pin GPIOPin) (bool, error)         { return false, nil }
func (f *fakeCommandGPIO) ReadPin(pin GPIOPin) bool                 { return false }

type fakeCommandPWM struct{}

func (f *fakeCommandPWM) ConfigureHardwarePWM(pin PWMPin, cycleTicks uint32) (uint32, error) {
	return cycleTicks, nil
}
func (f *fakeCommandPWM) SetDutyCycle(pin PWMPin, value PWMValue) error { return nil }
func (f *fakeCommandPWM) GetMaxValue() uint32                          { return 255 }
func (f *fakeCommandPWM) DisablePWM(pin PWMPin) error                  { return nil }

// TestConfigA4954Command drives config_a4954's wire format straight
// through cmdConfigA4954, mirroring TestConfigAnalogIn's use of
// handleConfigAnalogIn in core/adc_test.go.
func TestConfigA4954Command(t *testing.T) {
	SetGPIODriver(&fakeCommandGPIO{})
	SetPWMDriver(&fakeCommandPWM{})

	globalRegistry = NewCommandRegistry()
	InitA4954Commands()

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 0)  // oid
	protocol.EncodeVLQUint(output, 1)  // in1_pin
	protocol.EncodeVLQUint(output, 2)  // in2_pin
	protocol.EncodeVLQUint(output, 3)  // in3_pin
	protocol.EncodeVLQUint(output, 4)  // in4_pin
	protocol.EncodeVLQUint(output, 5)  // vref12_pin
	protocol.EncodeVLQUint(output, 6)  // vref34_pin
	data := output.Result()

	if err := cmdConfigA4954(&data); err != nil {
		t.Fatalf("cmdConfigA4954 failed: %v", err)
	}

	drv, ok := GetServoStepperDriver(0)
	if !ok {
		t.Fatal("driver not registered after config_a4954")
	}
	if _, ok := drv.(*A4954); !ok {
		t.Errorf("expected *A4954, got %T", drv)
	}
}

// TestConfigVirtualStepperCommand drives config_virtual_stepper's wire
// format through cmdConfigVirtualStepper.
func TestConfigVirtualStepperCommand(t *testing.T) {
	globalRegistry = NewCommandRegistry()
	InitVirtualStepperCommands()

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 0) // oid
	data := output.Result()

	if err := cmdConfigVirtualStepper(&data); err != nil {
		t.Fatalf("cmdConfigVirtualStepper failed: %v", err)
	}

	if GetVirtualStepper(0) == nil {
		t.Fatal("virtual stepper not registered after config_virtual_stepper")
	}
}

// TestVirtualStepperSetPositionCommand drives
// virtual_stepper_set_position's wire format through
// cmdVirtualStepperSetPosition and checks the resulting counter.
func TestVirtualStepperSetPositionCommand(t *testing.T) {
	globalRegistry = NewCommandRegistry()
	InitVirtualStepperCommands()

	configData := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(configData, 0)
	cfg := configData.Result()
	if err := cmdConfigVirtualStepper(&cfg); err != nil {
		t.Fatalf("setup config_virtual_stepper failed: %v", err)
	}

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 0)    // oid
	protocol.EncodeVLQUint(output, 4242) // pos
	data := output.Result()

	if err := cmdVirtualStepperSetPosition(&data); err != nil {
		t.Fatalf("cmdVirtualStepperSetPosition failed: %v", err)
	}

	if got := GetVirtualStepper(0).GetPosition(); got != 4242 {
		t.Errorf("expected position 4242, got %d", got)
	}
}

// TestVirtualStepperGetPositionCommand drives
// virtual_stepper_get_position's wire format through
// cmdVirtualStepperGetPosition. No transport is installed, so this only
// proves the decode/lookup path runs clean; the response payload itself
// is covered by TestVirtualStepperSetPositionCommand's direct readback.
func TestVirtualStepperGetPositionCommand(t *testing.T) {
	globalRegistry = NewCommandRegistry()
	InitVirtualStepperCommands()

	configData := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(configData, 0)
	cfg := configData.Result()
	if err := cmdConfigVirtualStepper(&cfg); err != nil {
		t.Fatalf("setup config_virtual_stepper failed: %v", err)
	}
	GetVirtualStepper(0).SetPosition(77)

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 0) // oid
	data := output.Result()

	if err := cmdVirtualStepperGetPosition(&data); err != nil {
		t.Fatalf("cmdVirtualStepperGetPosition failed: %v", err)
	}

	unknown := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(unknown, 9) // oid never configured
	missing := unknown.Result()
	if err := cmdVirtualStepperGetPosition(&missing); err == nil {
		t.Error("expected error for unconfigured oid")
	}
}

// newConfiguredServoStepperForCommandTest sets up a driver and a virtual
// stepper (oids 1 and 2) directly, registering a fake driver and calling
// NewVirtualStepper in place of config_a4954/config_virtual_stepper, then
// runs config_servo_stepper's wire format through cmdConfigServoStepper
// to produce a servo stepper at oid 0 referencing their oids.
func newConfiguredServoStepperForCommandTest(t *testing.T) (*fakeServoDriver, *VirtualStepper) {
	t.Helper()

	drv := &fakeServoDriver{}
	RegisterServoStepperDriver(1, drv)

	vs, err := NewVirtualStepper(2)
	if err != nil {
		t.Fatalf("NewVirtualStepper setup failed: %v", err)
	}

	globalRegistry = NewCommandRegistry()
	InitServoStepperCommands()

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 0)   // oid
	protocol.EncodeVLQUint(output, 1)   // driver_oid
	protocol.EncodeVLQUint(output, 2)   // stepper_oid
	protocol.EncodeVLQUint(output, 200) // full_steps_per_rotation
	protocol.EncodeVLQInt(output, 1)    // step_multiplier
	data := output.Result()

	if err := cmdConfigServoStepper(&data); err != nil {
		t.Fatalf("cmdConfigServoStepper failed: %v", err)
	}

	return drv, vs
}

// TestConfigServoStepperCommand drives config_servo_stepper's wire
// format through cmdConfigServoStepper, including the driver_oid/
// stepper_oid registry-resolution step mechaduino.py's setup ordering
// requires.
func TestConfigServoStepperCommand(t *testing.T) {
	newConfiguredServoStepperForCommandTest(t)

	ss := GetServoStepper(0)
	if ss == nil {
		t.Fatal("servo stepper not registered after config_servo_stepper")
	}
	if ss.FullStepsPerRotation != 200 {
		t.Errorf("expected full_steps_per_rotation 200, got %d", ss.FullStepsPerRotation)
	}
	if ss.StepMultiplier != 1 {
		t.Errorf("expected step_multiplier 1, got %d", ss.StepMultiplier)
	}

	// An unresolvable driver_oid is a wire-level error, not a panic.
	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 3)   // oid
	protocol.EncodeVLQUint(output, 99)  // driver_oid: never registered
	protocol.EncodeVLQUint(output, 2)   // stepper_oid
	protocol.EncodeVLQUint(output, 200) // full_steps_per_rotation
	protocol.EncodeVLQInt(output, 1)    // step_multiplier
	data := output.Result()
	if err := cmdConfigServoStepper(&data); err == nil {
		t.Error("expected error for unregistered driver_oid")
	}
}

// TestServoStepperSetModeCommand drives servo_stepper_set_mode's wire
// format through cmdServoStepperSetMode for the open_loop case, checking
// that flex is reinterpreted as hold_current_scale as mechaduino.py's
// wire packing requires.
func TestServoStepperSetModeCommand(t *testing.T) {
	drv, _ := newConfiguredServoStepperForCommandTest(t)

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 0)             // oid
	protocol.EncodeVLQUint(output, wireModeOpenLoop) // mode
	protocol.EncodeVLQUint(output, 200)           // run_current_scale
	protocol.EncodeVLQUint(output, 100)           // flex -> hold_current_scale
	protocol.EncodeVLQInt(output, 0)              // kp
	protocol.EncodeVLQInt(output, 0)              // ki
	protocol.EncodeVLQInt(output, 0)              // kd
	data := output.Result()

	if err := cmdServoStepperSetMode(&data); err != nil {
		t.Fatalf("cmdServoStepperSetMode failed: %v", err)
	}

	ss := GetServoStepper(0)
	if ss.Mode() != ModeOpenLoop {
		t.Errorf("expected mode open_loop, got %d", ss.Mode())
	}
	if ss.RunCurrentScale != 200 || ss.HoldCurrentScale != 100 {
		t.Errorf("expected run/hold 200/100, got %d/%d", ss.RunCurrentScale, ss.HoldCurrentScale)
	}
	if !drv.enabled {
		t.Error("expected driver Enable() to have been called")
	}
}

// TestServoStepperGetStatsCommand drives servo_stepper_get_stats's wire
// format through cmdServoStepperGetStats.
func TestServoStepperGetStatsCommand(t *testing.T) {
	newConfiguredServoStepperForCommandTest(t)

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 0) // oid
	data := output.Result()

	if err := cmdServoStepperGetStats(&data); err != nil {
		t.Fatalf("cmdServoStepperGetStats failed: %v", err)
	}

	unknown := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(unknown, 9) // oid never configured
	missing := unknown.Result()
	if err := cmdServoStepperGetStats(&missing); err == nil {
		t.Error("expected error for unconfigured oid")
	}
}
