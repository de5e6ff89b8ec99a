package entity

// RevisionOf returns the optimistic-concurrency token of a slot. A nil slot
// (never published) is revision 0.
func RevisionOf(s *Slot) int64 {
	if s == nil {
		return 0
	}
	if s.Kind == SlotOccupied {
		return s.PlantedAt
	}
	return s.CreatedAt
}

// Newer reports whether a supersedes b in log order: later created_at
// wins, ties go to the lower event id.
func Newer(a, b *Slot) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.EventID < b.EventID
}
