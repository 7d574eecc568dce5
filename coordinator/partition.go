package coordinator

// Shares splits total trials across ranks: every rank gets total/ranks and
// the master, rank 0, also takes the remainder.
func Shares(total int64, ranks int) []int64 {
	if ranks < 1 || total < 0 {
		return nil
	}
	shares := make([]int64, ranks)
	each := total / int64(ranks)
	for i := range shares {
		shares[i] = each
	}
	shares[0] += total % int64(ranks)
	return shares
}
