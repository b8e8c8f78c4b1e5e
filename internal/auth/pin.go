package auth

const (
	minPINLength = 4
	maxPINLength = 6
)

// ValidatePIN rejects malformed PINs before any hashing happens.
//
// A PIN must be 4-6 ASCII digits. Patterns rooted at the bottom of the keypad
// are rejected: repeated 0s or 1s (0000, 1111), ascending runs starting at 0
// or 1 (0123, 123456) and descending runs ending at 1 or 0 (4321, 3210).
// Runs and repeats elsewhere on the keypad (5678, 9999) are accepted.
func ValidatePIN(pin string) error {
	if len(pin) < minPINLength || len(pin) > maxPINLength {
		return ErrMalformedPin
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return ErrMalformedPin
		}
	}
	if isRootedRepeat(pin) || isRootedRun(pin) {
		return ErrMalformedPin
	}
	return nil
}

func isLowDigit(b byte) bool {
	return b == '0' || b == '1'
}

func isRootedRepeat(pin string) bool {
	if !isLowDigit(pin[0]) {
		return false
	}
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			return false
		}
	}
	return true
}

// isRootedRun reports a step-1 run that starts (ascending) or ends
// (descending) at 0 or 1.
func isRootedRun(pin string) bool {
	step := int(pin[1]) - int(pin[0])
	if step != 1 && step != -1 {
		return false
	}
	for i := 2; i < len(pin); i++ {
		if int(pin[i])-int(pin[i-1]) != step {
			return false
		}
	}
	if step == 1 {
		return isLowDigit(pin[0])
	}
	return isLowDigit(pin[len(pin)-1])
}
