package core

import (
	"errors"

	"gopper/protocol"
)

// Servo stepper command handlers for the Klipper protocol.
// Implements: config_servo_stepper, servo_stepper_set_mode, servo_stepper_get_stats

// The wireMode* constants mirror the mode encoding mechaduino.py's
// MCU_servo_stepper.set_mode sends on the wire: disabled/open_loop/
// torque/hpid, numbered the same way SS_MODE_* is in servo_stepper.c.
const (
	wireModeDisabled uint32 = 0
	wireModeOpenLoop uint32 = 1
	wireModeTorque   uint32 = 2
	wireModeHPID     uint32 = 3
)

// InitServoStepperCommands registers the servo-stepper command set.
func InitServoStepperCommands() {
	RegisterCommand("config_servo_stepper",
		"oid=%c driver_oid=%c stepper_oid=%c full_steps_per_rotation=%u step_multiplier=%i",
		cmdConfigServoStepper)

	RegisterCommand("servo_stepper_set_mode",
		"oid=%c mode=%c run_current_scale=%u flex=%u kp=%hi ki=%hi kd=%hi",
		cmdServoStepperSetMode)

	RegisterCommand("servo_stepper_get_stats",
		"oid=%c",
		cmdServoStepperGetStats)

	RegisterResponse("servo_stepper_stats", "oid=%c error=%i max_time=%u")
}

// cmdConfigServoStepper handles config_servo_stepper. driver_oid and
// stepper_oid are resolved against the driver/virtual-stepper registries
// populated by config_a4954/config_virtual_stepper, which must have run
// first - the same ordering dependency mechaduino.py's setup enforces by
// creating the a4954 and virtual_stepper MCU objects before the servo
// stepper object.
func cmdConfigServoStepper(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	driverOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stepperOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	fullStepsPerRotation, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stepMultiplier, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	driver, ok := GetServoStepperDriver(uint8(driverOID))
	if !ok {
		return errors.New("servo stepper driver not found")
	}

	vstepper := GetVirtualStepper(uint8(stepperOID))
	if vstepper == nil {
		return errors.New("virtual stepper not found")
	}

	_, err = NewServoStepper(uint8(oid), driver, vstepper, fullStepsPerRotation, stepMultiplier)
	return err
}

// cmdServoStepperSetMode handles servo_stepper_set_mode. flex is
// reinterpreted per target mode, following mechaduino.py's wire packing:
// open_loop and hpid both carry hold_current_scale in flex, torque
// carries excite_angle. kp/ki/kd are ignored outside hpid.
func cmdServoStepperSetMode(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	runCurrentScale, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	flex, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	kp, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	ki, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	kd, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	ss := GetServoStepper(uint8(oid))
	if ss == nil {
		return errors.New("servo stepper not found")
	}

	switch mode {
	case wireModeDisabled:
		ss.SetDisabled()
	case wireModeOpenLoop:
		ss.SetOpenLoopMode(runCurrentScale, flex)
	case wireModeTorque:
		ss.SetTorqueMode(flex, runCurrentScale)
	case wireModeHPID:
		ss.SetHPIDMode(runCurrentScale, flex, kp, ki, kd)
	default:
		TryShutdown("Unknown Servo Mode")
	}

	return nil
}

func cmdServoStepperGetStats(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ss := GetServoStepper(uint8(oid))
	if ss == nil {
		return errors.New("servo stepper not found")
	}

	errVal, maxTime := ss.Stats()

	SendResponse("servo_stepper_stats", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQInt(output, errVal)
		protocol.EncodeVLQUint(output, maxTime)
	})

	return nil
}
