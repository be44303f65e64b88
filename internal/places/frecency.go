package places

import "time"

const frecencySampleSize = 10

var visitTypeBonus = map[int]int{
	VisitLink:     100,
	VisitTyped:    2000,
	VisitBookmark: 75,
}

// frecency scores a page from its most recent visits: each visit contributes
// its type bonus weighted by how long ago it happened.
func frecency(recent []Visit, now time.Time) int {
	nowMicros := now.UnixMicro()
	score := 0
	for _, v := range recent {
		bonus, ok := visitTypeBonus[v.Type]
		if !ok {
			continue
		}
		age := time.Duration(nowMicros-v.Date) * time.Microsecond
		score += bonus * recencyWeight(age) / 100
	}
	return score
}

func recencyWeight(age time.Duration) int {
	const day = 24 * time.Hour
	switch {
	case age <= 4*day:
		return 100
	case age <= 14*day:
		return 70
	case age <= 31*day:
		return 50
	case age <= 90*day:
		return 30
	default:
		return 10
	}
}
