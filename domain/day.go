package domain

// Day is a weekday name used to bucket tasks and notes.
type Day string

const (
	Monday    Day = "Monday"
	Tuesday   Day = "Tuesday"
	Wednesday Day = "Wednesday"
	Thursday  Day = "Thursday"
	Friday    Day = "Friday"
	Saturday  Day = "Saturday"
	Sunday    Day = "Sunday"
)

// Days lists every weekday in week order.
var Days = [...]Day{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// ParseDay returns the Day named by s. Matching is exact.
func ParseDay(s string) (Day, bool) {
	d := Day(s)
	return d, d.Valid()
}

// Valid reports whether d is one of the seven weekday names.
func (d Day) Valid() bool {
	switch d {
	case Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday:
		return true
	}
	return false
}
