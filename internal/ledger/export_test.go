package ledger

// Pending returns the references of pending transactions in submission order.
func (s *Simulator) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, ref := range s.order {
		if s.txs[ref].status == StatusPending {
			out = append(out, ref)
		}
	}
	return out
}
