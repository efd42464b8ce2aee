package comm

// PairSchedule returns the rounds of a round robin tournament over n ranks
// (circle method). In round i, rank r exchanges with PairSchedule(n)[i][r],
// or sits out when the entry is -1. Every unordered pair of distinct ranks
// meets in exactly one round and pairings are symmetric within a round.
func PairSchedule(n int) [][]int {
	if n < 2 {
		return nil
	}
	m := n
	if m%2 == 1 {
		m++ // the extra slot is a bye
	}
	circle := make([]int, m)
	for i := range circle {
		circle[i] = i
	}
	rounds := make([][]int, m-1)
	for round := range rounds {
		peers := make([]int, n)
		for i := range peers {
			peers[i] = -1
		}
		for i := 0; i < m/2; i++ {
			a, b := circle[i], circle[m-1-i]
			if a < n && b < n {
				peers[a], peers[b] = b, a
			}
		}
		rounds[round] = peers
		// keep slot 0 fixed, rotate the rest one step
		last := circle[m-1]
		copy(circle[2:], circle[1:m-1])
		circle[1] = last
	}
	return rounds
}
