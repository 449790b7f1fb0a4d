package signaling

// candidateBuffer holds remote candidates that arrived before the remote
// description of their round. Arrival order is preserved across rounds.
type candidateBuffer struct {
	items []bufferedCandidate
}

type bufferedCandidate struct {
	round     int
	candidate Candidate
}

func (b *candidateBuffer) push(round int, c Candidate) {
	b.items = append(b.items, bufferedCandidate{round: round, candidate: c})
}

// take removes and returns, in arrival order, every candidate whose round is
// at most upTo. Candidates for later rounds stay buffered.
func (b *candidateBuffer) take(upTo int) []Candidate {
	if len(b.items) == 0 {
		return nil
	}

	var out []Candidate
	kept := b.items[:0]
	for _, item := range b.items {
		if item.round <= upTo {
			out = append(out, item.candidate)
		} else {
			kept = append(kept, item)
		}
	}
	// Drop references held past the new length.
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = bufferedCandidate{}
	}
	b.items = kept
	return out
}

func (b *candidateBuffer) len() int { return len(b.items) }

func (b *candidateBuffer) reset() { b.items = nil }
