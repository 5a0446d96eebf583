package actuator

const defaultGPIOChip = "gpiochip0"

// GPIOOptions configures the GPIO driver.
type GPIOOptions struct {
	Chip     string
	DeviceID string
	Pins     []int
	// ActiveLow is for relay modules that energize when the line is driven low.
	ActiveLow bool
}

func lineValue(on, activeLow bool) int {
	if on != activeLow {
		return 1
	}
	return 0
}
