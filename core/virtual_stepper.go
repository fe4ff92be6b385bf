// Virtual stepper position tracking
//
// Implements the "virtual stepper" concept from mechaduino.py's
// MCU_virtual_stepper: a monotonic commanded-position counter that a
// servo stepper's control loop tracks as its setpoint. Unlike
// core/stepper.go's Stepper, it does not generate step pulses or run a
// move queue - trajectory planning happens upstream on the host; this is
// just the counter the host writes and the servo loop reads.
package core

import (
	"errors"

	"gopper/protocol"
)

// VirtualStepper is a commanded-position counter for a servo stepper.
type VirtualStepper struct {
	OID      uint8
	position uint32
}

var (
	virtualSteppers     [16]*VirtualStepper
	virtualStepperCount uint8
)

// GetVirtualStepper returns a virtual stepper by OID, or nil.
func GetVirtualStepper(oid uint8) *VirtualStepper {
	if oid >= virtualStepperCount {
		return nil
	}
	return virtualSteppers[oid]
}

// NewVirtualStepper creates and registers a virtual stepper.
func NewVirtualStepper(oid uint8) (*VirtualStepper, error) {
	if oid >= uint8(len(virtualSteppers)) {
		return nil, errors.New("virtual stepper OID exceeds maximum")
	}

	vs := &VirtualStepper{OID: oid}
	virtualSteppers[oid] = vs
	if oid >= virtualStepperCount {
		virtualStepperCount = oid + 1
	}
	return vs, nil
}

// GetPosition returns the current commanded position. Safe to call from
// the update() ISR context while a command-context write is in flight.
func (vs *VirtualStepper) GetPosition() uint32 {
	state := disableInterrupts()
	p := vs.position
	restoreInterrupts(state)
	return p
}

// SetPosition overwrites the commanded position.
func (vs *VirtualStepper) SetPosition(p uint32) {
	state := disableInterrupts()
	vs.position = p
	restoreInterrupts(state)
}

// InitVirtualStepperCommands registers virtual-stepper commands.
func InitVirtualStepperCommands() {
	RegisterCommand("config_virtual_stepper", "oid=%c", cmdConfigVirtualStepper)
	RegisterCommand("virtual_stepper_set_position", "oid=%c pos=%u", cmdVirtualStepperSetPosition)
	RegisterCommand("virtual_stepper_get_position", "oid=%c", cmdVirtualStepperGetPosition)

	RegisterResponse("virtual_stepper_position", "oid=%c pos=%u")
}

func cmdConfigVirtualStepper(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	_, err = NewVirtualStepper(uint8(oid))
	return err
}

func cmdVirtualStepperSetPosition(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	pos, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	vs := GetVirtualStepper(uint8(oid))
	if vs == nil {
		return errors.New("virtual stepper not found")
	}

	vs.SetPosition(pos)
	return nil
}

func cmdVirtualStepperGetPosition(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	vs := GetVirtualStepper(uint8(oid))
	if vs == nil {
		return errors.New("virtual stepper not found")
	}

	pos := vs.GetPosition()
	SendResponse("virtual_stepper_position", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, pos)
	})
	return nil
}
