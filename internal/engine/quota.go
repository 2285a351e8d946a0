package engine

// pageQuota counts pages fetched by one pull mapping and enforces the
// engine's page limit.
//
// A connector that ignores offsets returns the same full page forever;
// without the limit such a pull never terminates.
type pageQuota struct {
	mapping  string
	maxPages int
	current  int
}

func newPageQuota(mapping string, maxPages int) *pageQuota {
	return &pageQuota{mapping: mapping, maxPages: maxPages}
}

// Check increments the page counter and validates it against the limit.
// A limit <= 0 disables the check.
func (q *pageQuota) Check() error {
	q.current++
	if q.maxPages > 0 && q.current > q.maxPages {
		return &PageLimitError{Mapping: q.mapping, Pages: q.current, Limit: q.maxPages}
	}
	return nil
}

// Current returns the number of pages counted so far.
func (q *pageQuota) Current() int {
	return q.current
}
