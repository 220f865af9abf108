package tracker

import "errors"

// ErrOutOfOrder signals a period materialization requested out of
// chronological order. This is a programming-contract violation, not a
// transient condition: silently reordering periods would corrupt the
// running totals, so it is surfaced as a hard error.
var ErrOutOfOrder = errors.New("period materialization out of chronological order")
