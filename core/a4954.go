//go:build tinygo

package core

import "gopper/protocol"

// A4954 two-phase H-bridge stepper current driver.
//
// Grounded on mechaduino.py's MCU_a4954: four GPIO direction pins
// (in1/in2 drive coil A's bridge, in3/in4 drive coil B's) and two PWM
// pins (vref12/vref34) that set each coil's current magnitude via the
// chip's analog current-control reference input.
//
// SetPhase treats its phase argument the same way servo_stepper.go's
// Update does: one full mechanical step spans FullStep (256) phase
// units, and one electrical commutation cycle spans four full steps
// (1024 units), each full step covering one quadrant of the sinTable
// below.
type A4954 struct {
	oid uint8

	in1, in2, in3, in4 GPIOPin
	vref12, vref34     PWMPin

	gpio GPIODriver
	pwm  PWMDriver
}

// sinTable is a 64-entry quarter sine wave, amplitude scaled to 0..255,
// used to derive both coils' current magnitude from a commutation phase.
var sinTable = [64]uint8{
	0, 6, 13, 19, 25, 31, 37, 44, 50, 56, 62, 68, 74, 80, 86, 92,
	98, 103, 109, 115, 120, 126, 131, 136, 142, 147, 152, 157, 162, 167, 171, 176,
	180, 185, 189, 193, 197, 201, 205, 208, 212, 215, 219, 222, 225, 228, 231, 233,
	236, 238, 240, 242, 244, 246, 247, 249, 250, 251, 252, 253, 254, 254, 255, 255,
}

// NewA4954 configures the four direction pins as outputs and the two
// PWM channels, returning a driver ready to register with
// RegisterServoStepperDriver.
func NewA4954(oid uint8, in1, in2, in3, in4 GPIOPin, vref12, vref34 PWMPin) (*A4954, error) {
	gpio := MustGPIO()
	pwm := MustPWM()

	for _, pin := range []GPIOPin{in1, in2, in3, in4} {
		if err := gpio.ConfigureOutput(pin); err != nil {
			return nil, err
		}
	}

	if _, err := pwm.ConfigureHardwarePWM(vref12, TimerFreq/20000); err != nil {
		return nil, err
	}
	if _, err := pwm.ConfigureHardwarePWM(vref34, TimerFreq/20000); err != nil {
		return nil, err
	}

	return &A4954{
		oid:    oid,
		in1:    in1,
		in2:    in2,
		in3:    in3,
		in4:    in4,
		vref12: vref12,
		vref34: vref34,
		gpio:   gpio,
		pwm:    pwm,
	}, nil
}

// coilMagnitudes resolves a commutation phase into signed sin/cos
// magnitudes (-255..255): the 1024-unit electrical cycle is split into
// four FullStep quadrants, and the quarter table is mirrored across the
// remaining three quadrants.
func coilMagnitudes(phase uint32) (sin, cos int32) {
	local := phase % (4 * FullStep)
	quadrant := local / FullStep
	offset := (local % FullStep) / (FullStep / 64)

	switch quadrant {
	case 0:
		sin = int32(sinTable[offset])
		cos = int32(sinTable[63-offset])
	case 1:
		sin = int32(sinTable[63-offset])
		cos = -int32(sinTable[offset])
	case 2:
		sin = -int32(sinTable[offset])
		cos = -int32(sinTable[63-offset])
	default:
		sin = -int32(sinTable[63-offset])
		cos = int32(sinTable[offset])
	}
	return
}

func (a *A4954) drivePolarity(posPin, negPin GPIOPin, magnitude int32) uint32 {
	if magnitude >= 0 {
		_ = a.gpio.SetPin(posPin, true)
		_ = a.gpio.SetPin(negPin, false)
		return uint32(magnitude)
	}
	_ = a.gpio.SetPin(posPin, false)
	_ = a.gpio.SetPin(negPin, true)
	return uint32(-magnitude)
}

// SetPhase drives both coils to the sin/cos magnitudes for phase,
// scaled by currentScale/255. currentScale of 0 drives both PWM duty
// cycles to zero; the direction pins are still set from phase.
func (a *A4954) SetPhase(phase uint32, currentScale uint32) {
	sin, cos := coilMagnitudes(phase)

	sinMag := a.drivePolarity(a.in1, a.in2, sin)
	cosMag := a.drivePolarity(a.in3, a.in4, cos)

	pwmMax := a.pwm.GetMaxValue()
	sinDuty := sinMag * currentScale / 255 * pwmMax / 255
	cosDuty := cosMag * currentScale / 255 * pwmMax / 255

	_ = a.pwm.SetDutyCycle(a.vref12, PWMValue(sinDuty))
	_ = a.pwm.SetDutyCycle(a.vref34, PWMValue(cosDuty))
}

// Enable is a no-op: coil current is controlled purely through
// SetPhase/Hold's PWM duty cycle, there is no separate enable line.
func (a *A4954) Enable() {}

// Disable zeroes both PWM channels, dropping coil current to zero
// while leaving direction polarity untouched.
func (a *A4954) Disable() {
	_ = a.pwm.SetDutyCycle(a.vref12, 0)
	_ = a.pwm.SetDutyCycle(a.vref34, 0)
}

// Reset returns the driver to a known de-energized, zero-phase state.
func (a *A4954) Reset() {
	a.Disable()
	_ = a.gpio.SetPin(a.in1, false)
	_ = a.gpio.SetPin(a.in2, false)
	_ = a.gpio.SetPin(a.in3, false)
	_ = a.gpio.SetPin(a.in4, false)
}

// Hold energizes the coils at phase 0 with the given current scale,
// used during pid_init's settle preroll to lock the rotor in place.
func (a *A4954) Hold(currentScale uint32) {
	a.SetPhase(0, currentScale)
}

// InitA4954Commands registers config_a4954.
func InitA4954Commands() {
	RegisterCommand("config_a4954",
		"oid=%c in1_pin=%u in2_pin=%u in3_pin=%u in4_pin=%u vref12_pin=%u vref34_pin=%u",
		cmdConfigA4954)
}

func cmdConfigA4954(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	in1, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	in2, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	in3, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	in4, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	vref12, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	vref34, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	drv, err := NewA4954(uint8(oid),
		GPIOPin(in1), GPIOPin(in2), GPIOPin(in3), GPIOPin(in4),
		PWMPin(vref12), PWMPin(vref34))
	if err != nil {
		return err
	}

	RegisterServoStepperDriver(uint8(oid), drv)
	return nil
}
