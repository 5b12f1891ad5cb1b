package drive

import (
	"fmt"
	"log"
	"math"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// PWMFrequency is the carrier frequency used for motor PWM.
const PWMFrequency = physic.KiloHertz

// PeriphActuator drives motor channels through GPIO PWM on the host board.
// Channel numbers are GPIO numbers.
type PeriphActuator struct {
	pins map[int]gpio.PinIO
	freq physic.Frequency
}

// NewPeriphActuator initialises the host drivers and resolves a pin for every channel.
func NewPeriphActuator(channels []int) (*PeriphActuator, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	a := &PeriphActuator{
		pins: make(map[int]gpio.PinIO, len(channels)),
		freq: PWMFrequency,
	}
	for _, ch := range channels {
		name := fmt.Sprintf("GPIO%d", ch)
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("no pin named %s", name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		a.pins[ch] = pin
	}
	return a, nil
}

func (a *PeriphActuator) pin(ch int) (gpio.PinIO, error) {
	pin, ok := a.pins[ch]
	if !ok {
		return nil, fmt.Errorf("channel %d not configured", ch)
	}
	return pin, nil
}

// DutyFromPercent scales 0..100 onto the gpio duty range, clamping out-of-range input.
func DutyFromPercent(percent float64) gpio.Duty {
	percent = math.Max(0, math.Min(100, percent))
	return gpio.Duty(math.Round(percent / 100 * float64(gpio.DutyMax)))
}

// SetDuty implements Actuator.
func (a *PeriphActuator) SetDuty(ch int, percent float64) error {
	pin, err := a.pin(ch)
	if err != nil {
		return err
	}
	if percent <= 0 {
		return pin.Out(gpio.Low)
	}
	return pin.PWM(DutyFromPercent(percent), a.freq)
}

// Release implements Actuator.
func (a *PeriphActuator) Release(ch int) error {
	pin, err := a.pin(ch)
	if err != nil {
		return err
	}
	if err := pin.Out(gpio.Low); err != nil {
		return err
	}
	return pin.Halt()
}

// LogActuator only logs duty changes. Used on machines without motor hardware.
type LogActuator struct{}

// SetDuty implements Actuator.
func (LogActuator) SetDuty(ch int, percent float64) error {
	log.Printf("Actuator: channel %d duty %.0f%%\n", ch, percent)
	return nil
}

// Release implements Actuator.
func (LogActuator) Release(ch int) error {
	log.Printf("Actuator: channel %d released\n", ch)
	return nil
}
