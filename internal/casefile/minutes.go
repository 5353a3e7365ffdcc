package casefile

import "strings"

// CanAddMinute reports whether minuteNumber is still free for surveyor. It
// scans the legacy single minute field and the minutes list of every
// mandate of every case file belonging to that surveyor.
func CanAddMinute(surveyor, minuteNumber string, all []CaseFile) bool {
	surveyor = strings.TrimSpace(surveyor)
	minuteNumber = strings.TrimSpace(minuteNumber)
	if minuteNumber == "" {
		return false
	}
	for _, cf := range all {
		if strings.TrimSpace(cf.Surveyor) != surveyor {
			continue
		}
		for _, mandate := range cf.Mandates {
			if strings.TrimSpace(mandate.Minute) == minuteNumber {
				return false
			}
			for _, minute := range mandate.Minutes {
				if strings.TrimSpace(minute.Number) == minuteNumber {
					return false
				}
			}
		}
	}
	return true
}

// CheckMinute is CanAddMinute expressed as a validation error.
func CheckMinute(surveyor, minuteNumber string, all []CaseFile) error {
	if strings.TrimSpace(minuteNumber) == "" {
		return rejected("minute number is required")
	}
	if !CanAddMinute(surveyor, minuteNumber, all) {
		return rejected("minute %s already exists for surveyor %s", strings.TrimSpace(minuteNumber), surveyor)
	}
	return nil
}
