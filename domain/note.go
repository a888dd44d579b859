package domain

import "time"

// Note is the free-text note attached to a weekday. Its ID is the day name.
type Note struct {
	ID        Day       `json:"id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

// DayNotes maps every weekday to its note, nil until first written.
type DayNotes map[Day]*Note

// NewDayNotes returns a DayNotes value with a nil note for each weekday.
func NewDayNotes() DayNotes {
	dn := make(DayNotes, len(Days))
	for _, d := range Days {
		dn[d] = nil
	}
	return dn
}

// Clone returns a copy that shares no note pointers with dn.
func (dn DayNotes) Clone() DayNotes {
	out := NewDayNotes()
	for _, d := range Days {
		if n := dn[d]; n != nil {
			cp := *n
			out[d] = &cp
		}
	}
	return out
}
